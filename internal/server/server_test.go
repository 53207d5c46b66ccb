package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/controller"
	"github.com/ChuLiYu/fleetlink/internal/outbound"
	"github.com/ChuLiYu/fleetlink/internal/statemachine"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

type fakeBackend struct {
	mu       sync.Mutex
	states   *statemachine.Registry
	conns    map[string]connection.Info
	enqueued []types.Message
	priority []int
	err      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		states: statemachine.NewRegistry(statemachine.Config{}),
		conns: map[string]connection.Info{
			"dev-acc-1": {
				DeviceID:    "dev-acc-1",
				AccountID:   "acc-1",
				Endpoint:    "ws://cc.local/ws",
				Status:      types.ConnConnected,
				ConnectedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			},
		},
	}
}

func (b *fakeBackend) Status() controller.Status {
	return controller.Status{
		Uptime:        90 * time.Second,
		Online:        true,
		Connections:   1,
		Connected:     1,
		States:        b.states.Snapshot(),
		InboundQueued: map[string]int{"dev-acc-1": 2},
		LedgerTasks:   3,
	}
}

func (b *fakeBackend) Connections() []connection.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]connection.Info, 0, len(b.conns))
	for _, info := range b.conns {
		out = append(out, info)
	}
	return out
}

func (b *fakeBackend) DeviceID(accountID string) string { return "dev-" + accountID }

func (b *fakeBackend) EnqueueOutbound(accountID string, msg types.Message, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.enqueued = append(b.enqueued, msg)
	b.priority = append(b.priority, priority)
	return nil
}

func (b *fakeBackend) Dispatch(deviceID string, state types.WorkerState, payload any) bool {
	return b.states.Dispatch(deviceID, state, payload)
}

func (b *fakeBackend) CurrentState(deviceID string) types.WorkerState {
	return b.states.CurrentState(deviceID)
}

func (b *fakeBackend) RemoveConnection(deviceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[deviceID]; !ok {
		return false
	}
	delete(b.conns, deviceID)
	return true
}

func startAdmin(t *testing.T, backend Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(backend, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStatus(t *testing.T) {
	backend := newFakeBackend()
	backend.states.Dispatch("dev-acc-1", types.StateIdle, nil)
	client := startAdmin(t, backend)

	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90.0, st["uptime_seconds"])
	assert.Equal(t, true, st["online"])
	assert.Equal(t, 3.0, st["ledger_tasks"])
	assert.Equal(t, map[string]any{"dev-acc-1": "IDLE"}, st["states"])
	assert.Equal(t, map[string]any{"dev-acc-1": 2.0}, st["inbound_queued"])
}

func TestListConnections(t *testing.T) {
	client := startAdmin(t, newFakeBackend())

	conns, err := client.ListConnections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "acc-1", conns[0]["account_id"])
	assert.Equal(t, "connected", conns[0]["status"])
	assert.Equal(t, "INIT", conns[0]["state"])
	assert.Equal(t, "2026-01-02T03:04:05Z", conns[0]["connected_at"])
	assert.Equal(t, "", conns[0]["last_heartbeat_at"])
}

func TestEnqueueOutbound(t *testing.T) {
	backend := newFakeBackend()
	client := startAdmin(t, backend)

	trace, err := client.EnqueueOutbound(context.Background(), "acc-1", "notice", map[string]any{"text": "hi"}, outbound.PriorityHigh)
	require.NoError(t, err)
	assert.NotEmpty(t, trace)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.enqueued, 1)
	msg := backend.enqueued[0]
	assert.Equal(t, types.Command("notice"), msg.Command)
	assert.Equal(t, "dev-acc-1", msg.DeviceID)
	assert.Equal(t, trace, msg.TraceID)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Payload))
	assert.Equal(t, outbound.PriorityHigh, backend.priority[0])
}

func TestEnqueueOutboundErrors(t *testing.T) {
	backend := newFakeBackend()
	client := startAdmin(t, backend)

	_, err := client.EnqueueOutbound(context.Background(), "", "notice", nil, 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	backend.mu.Lock()
	backend.err = controller.ErrStopped
	backend.mu.Unlock()
	_, err = client.EnqueueOutbound(context.Background(), "acc-1", "notice", nil, 0)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestDispatchState(t *testing.T) {
	client := startAdmin(t, newFakeBackend())
	ctx := context.Background()

	accepted, state, err := client.DispatchState(ctx, "dev-acc-1", "IDLE")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "IDLE", state)

	accepted, state, err = client.DispatchState(ctx, "dev-acc-1", "INIT")
	require.NoError(t, err)
	assert.False(t, accepted, "IDLE → INIT is not a legal transition")
	assert.Equal(t, "IDLE", state)

	_, _, err = client.DispatchState(ctx, "dev-acc-1", "SLEEPING")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRemoveConnection(t *testing.T) {
	client := startAdmin(t, newFakeBackend())
	ctx := context.Background()

	require.NoError(t, client.RemoveConnection(ctx, "dev-acc-1"))
	err := client.RemoveConnection(ctx, "dev-acc-1")
	assert.Equal(t, codes.NotFound, status.Code(err))
}
