// Package testserver is an in-process command server for tests and local
// runs. It authenticates the signed connection URL, answers ping with pong,
// records every frame a device sends and can push commands to a device.
package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/fleetlink/internal/transport"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// ErrNoSession is returned when a device has no open websocket.
var ErrNoSession = errors.New("testserver: device not connected")

// Frame is one message received from a device.
type Frame struct {
	DeviceID string
	Message  types.Message
	At       time.Time
}

// Config configures a Server.
type Config struct {
	Secret string
	// NoPong leaves ping frames unanswered so client heartbeats time out.
	NoPong bool
	Logger *slog.Logger
}

// Server is an http.Handler speaking the device protocol.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*transport.WSConn
	frames   []Frame
	changed  chan struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "testserver"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		now:      time.Now,
		sessions: make(map[string]*transport.WSConn),
		changed:  make(chan struct{}),
	}
}

// SetNoPong turns pong replies off (true) or back on.
func (s *Server) SetNoPong(off bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.NoPong = off
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID, err := transport.VerifyQuery(r.URL.Query(), s.cfg.Secret, s.now())
	if err != nil {
		s.logger.Warn("rejected connection", "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "device_id", deviceID, "error", err)
		return
	}
	conn := transport.NewWSConn(ws, 0)

	s.mu.Lock()
	if old, ok := s.sessions[deviceID]; ok {
		_ = old.Close()
	}
	s.sessions[deviceID] = conn
	s.notifyLocked()
	s.mu.Unlock()
	s.logger.Info("device connected", "device_id", deviceID)

	s.readLoop(deviceID, conn)
}

func (s *Server) readLoop(deviceID string, conn *transport.WSConn) {
	defer func() {
		s.mu.Lock()
		if s.sessions[deviceID] == conn {
			delete(s.sessions, deviceID)
		}
		s.notifyLocked()
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info("device disconnected", "device_id", deviceID)
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := types.DecodeMessage(data)
		if err != nil {
			s.logger.Warn("invalid frame", "device_id", deviceID, "error", err)
			continue
		}

		s.mu.Lock()
		s.frames = append(s.frames, Frame{DeviceID: deviceID, Message: msg, At: s.now()})
		s.notifyLocked()
		noPong := s.cfg.NoPong
		s.mu.Unlock()

		if msg.Command == types.CommandPing && !noPong {
			pong := types.Message{Command: types.CommandPong, DeviceID: deviceID, TraceID: msg.TraceID, Timestamp: s.now().UnixMilli()}
			if err := s.write(conn, pong); err != nil {
				return
			}
		}
	}
}

// notifyLocked wakes every Wait call. Callers hold s.mu.
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) write(conn *transport.WSConn, msg types.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// Push sends msg to deviceID.
func (s *Server) Push(deviceID string, msg types.Message) error {
	s.mu.Lock()
	conn, ok := s.sessions[deviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, deviceID)
	}
	return s.write(conn, msg.WithDevice(deviceID))
}

// PushCommand builds a business command with a fresh trace id, sends it and
// returns it.
func (s *Server) PushCommand(deviceID string, cmd types.Command, payload any) (types.Message, error) {
	msg, err := types.NewMessage(cmd, deviceID, payload)
	if err != nil {
		return types.Message{}, err
	}
	return msg, s.Push(deviceID, msg)
}

// Disconnect drops deviceID's websocket from the server side.
func (s *Server) Disconnect(deviceID string) bool {
	s.mu.Lock()
	conn, ok := s.sessions[deviceID]
	s.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
	return ok
}

// Devices returns the connected device ids, sorted.
func (s *Server) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Frames returns every frame received from deviceID, or from all devices
// when deviceID is empty.
func (s *Server) Frames(deviceID string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.frames {
		if deviceID == "" || f.DeviceID == deviceID {
			out = append(out, f)
		}
	}
	return out
}

// Receipts decodes the receipts received for traceID in arrival order.
func (s *Server) Receipts(traceID string) []types.Receipt {
	var out []types.Receipt
	for _, f := range s.Frames("") {
		if f.Message.Command != types.CommandReceipt || f.Message.TraceID != traceID {
			continue
		}
		var r types.Receipt
		if err := json.Unmarshal(f.Message.Payload, &r); err == nil {
			out = append(out, r)
		}
	}
	return out
}

// Wait blocks until cond holds, re-checking on every connect, disconnect
// and received frame.
func (s *Server) Wait(ctx context.Context, cond func(*Server) bool) error {
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()
		if cond(s) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandlePush is an HTTP endpoint for manual runs: POST a wire message as
// JSON with ?device_id=... to push it. GET lists connected devices.
func (s *Server) HandlePush(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"devices": s.Devices()})
	case http.MethodPost:
		var msg types.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if msg.TraceID == "" && !msg.Command.IsProtocol() {
			fresh, err := types.NewMessage(msg.Command, "", msg.Payload)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			msg.TraceID, msg.Timestamp = fresh.TraceID, fresh.Timestamp
		}
		if err := s.Push(r.URL.Query().Get("device_id"), msg); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"trace_id": msg.TraceID})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
