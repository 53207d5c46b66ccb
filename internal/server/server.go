// ============================================================================
// fleetlink Admin RPC - operator surface over gRPC
// ============================================================================
//
// Package: internal/server
// File: server.go
//
// Service fleetlink.admin.v1.Admin. Every method takes and returns a
// google.protobuf.Struct, so the service needs no generated stubs:
//
//   Status            {}                                   → controller status
//   ListConnections   {}                                   → {connections: [...]}
//   EnqueueOutbound   {account_id, command, payload,
//                      priority, trace_id?}                → {trace_id, device_id}
//   DispatchState     {device_id, state}                   → {accepted, state}
//   RemoveConnection  {device_id}                          → {removed}
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/controller"
	"github.com/ChuLiYu/fleetlink/internal/outbound"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fleetlink.admin.v1.Admin"

// Backend is what the admin service drives. *controller.Controller
// satisfies it.
type Backend interface {
	Status() controller.Status
	Connections() []connection.Info
	DeviceID(accountID string) string
	EnqueueOutbound(accountID string, msg types.Message, priority int) error
	Dispatch(deviceID string, state types.WorkerState, payload any) bool
	CurrentState(deviceID string) types.WorkerState
	RemoveConnection(deviceID string) bool
}

// AdminService is the server-side method set of the Admin service.
type AdminService interface {
	Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListConnections(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	EnqueueOutbound(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DispatchState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RemoveConnection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server implements AdminService over a Backend.
type Server struct {
	backend Backend
	logger  *slog.Logger
	grpc    *grpc.Server
}

// NewServer creates the admin service. logger may be nil.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		logger:  logger.With("component", "admin"),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	Register(s.grpc, s)
	return s
}

// Register attaches svc to gs.
func Register(gs grpc.ServiceRegistrar, svc AdminService) {
	gs.RegisterService(&serviceDesc, svc)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("admin gRPC listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("admin call failed", "method", info.FullMethod, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("admin call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// Methods
// ============================================================================

func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := s.backend.Status()

	states := make(map[string]any, len(st.States))
	for id, state := range st.States {
		states[id] = string(state)
	}
	inbound := make(map[string]any, len(st.InboundQueued))
	for id, n := range st.InboundQueued {
		inbound[id] = n
	}
	return newStruct(map[string]any{
		"uptime_seconds":   st.Uptime.Seconds(),
		"online":           st.Online,
		"connections":      st.Connections,
		"connected":        st.Connected,
		"states":           states,
		"outbound_queued":  st.OutboundQueued,
		"outbound_delayed": st.OutboundDelayed,
		"inbound_queued":   inbound,
		"inbound_delayed":  st.InboundDelayed,
		"ledger_tasks":     st.LedgerTasks,
		"ledger_disabled":  st.LedgerDisabled,
		"worker_backlog":   st.WorkerBacklog,
		"in_flight":        st.InFlight,
	})
}

func (s *Server) ListConnections(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	infos := s.backend.Connections()
	list := make([]any, 0, len(infos))
	for _, info := range infos {
		list = append(list, map[string]any{
			"device_id":          info.DeviceID,
			"account_id":         info.AccountID,
			"endpoint":           info.Endpoint,
			"status":             string(info.Status),
			"state":              string(s.backend.CurrentState(info.DeviceID)),
			"connected_at":       formatTime(info.ConnectedAt),
			"last_heartbeat_at":  formatTime(info.LastHeartbeatAt),
			"reconnect_attempts": info.ReconnectAttempts,
		})
	}
	return newStruct(map[string]any{"connections": list})
}

func (s *Server) EnqueueOutbound(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()
	accountID := stringField(fields, "account_id")
	command := stringField(fields, "command")
	if accountID == "" || command == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id and command are required")
	}
	priority := outbound.PriorityNormal
	if p, ok := fields["priority"].(float64); ok {
		priority = int(p)
	}

	var payload any
	if p, ok := fields["payload"]; ok && p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
		}
		payload = json.RawMessage(raw)
	}
	deviceID := s.backend.DeviceID(accountID)
	msg, err := types.NewMessage(types.Command(command), deviceID, payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if trace := stringField(fields, "trace_id"); trace != "" {
		msg.TraceID = trace
	}

	if err := s.backend.EnqueueOutbound(accountID, msg, priority); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"trace_id": msg.TraceID, "device_id": deviceID})
}

func (s *Server) DispatchState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()
	deviceID := stringField(fields, "device_id")
	if deviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}
	state, ok := types.ParseWorkerState(stringField(fields, "state"))
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown state %q", stringField(fields, "state"))
	}
	accepted := s.backend.Dispatch(deviceID, state, "admin")
	return newStruct(map[string]any{
		"accepted": accepted,
		"state":    string(s.backend.CurrentState(deviceID)),
	})
}

func (s *Server) RemoveConnection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	deviceID := stringField(in.AsMap(), "device_id")
	if deviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}
	if !s.backend.RemoveConnection(deviceID) {
		return nil, status.Errorf(codes.NotFound, "device %s is not connected", deviceID)
	}
	return newStruct(map[string]any{"removed": true})
}

// ============================================================================
// Helpers
// ============================================================================

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, types.ErrInvalidMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, controller.ErrStopped), errors.Is(err, controller.ErrNotStarted), errors.Is(err, outbound.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("enqueue: %v", err))
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

type structMethod func(AdminService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call structMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(AdminService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", AdminService.Status),
		unary("ListConnections", AdminService.ListConnections),
		unary("EnqueueOutbound", AdminService.EnqueueOutbound),
		unary("DispatchState", AdminService.DispatchState),
		unary("RemoveConnection", AdminService.RemoveConnection),
	},
	Metadata: "fleetlink/admin/v1/admin.proto",
}
