// ============================================================================
// fleetlink end-to-end tests
// ============================================================================
//
// Package: test/integration
// File: fleet_test.go
//
// A real controller talks to the in-process mock command server over
// websockets on a loopback httptest listener. Covered:
//
//   - a pushed command comes back as received then succeeded receipts
//   - a server-side drop is followed by reconnect and rebind
//   - unanswered pings end in a heartbeat timeout and reconnect
//   - a task cut off by a restart is reported as failed on the next start
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/controller"
	"github.com/ChuLiYu/fleetlink/internal/heartbeat"
	"github.com/ChuLiYu/fleetlink/internal/inbound"
	"github.com/ChuLiYu/fleetlink/internal/ledger"
	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/internal/outbound"
	"github.com/ChuLiYu/fleetlink/internal/pool"
	"github.com/ChuLiYu/fleetlink/internal/reconnect"
	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/internal/testserver"
	"github.com/ChuLiYu/fleetlink/internal/worker"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

const (
	secret  = "integration-secret"
	account = "acc-1"
)

func startMockServer(t *testing.T, cfg testserver.Config) (*testserver.Server, string) {
	t.Helper()
	cfg.Secret = secret
	srv := testserver.New(cfg)
	hs := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

type fleetOptions struct {
	exec      worker.Executor
	store     ledger.Store
	heartbeat heartbeat.Config
}

func startController(t *testing.T, endpoint string, opts fleetOptions) *controller.Controller {
	t.Helper()
	if opts.exec == nil {
		opts.exec = worker.ExecutorFunc(func(ctx context.Context, task worker.Task) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		})
	}
	c, err := controller.New(controller.Config{
		Accounts: []string{account},
		Factory: connection.FactoryConfig{
			Endpoint:       endpoint,
			Secret:         secret,
			Fingerprint:    "integration",
			BootstrapDelay: 20 * time.Millisecond,
			DialPolicy:     retry.Policy{MaxAttempts: 5, Schedule: []time.Duration{20 * time.Millisecond}},
		},
		Pool: pool.Config{
			RecoveryBatchInterval: 10 * time.Millisecond,
			Heartbeat:             opts.heartbeat,
			Reconnect: reconnect.Config{
				BaseDelay:      10 * time.Millisecond,
				MaxDelay:       50 * time.Millisecond,
				RateLimit:      -1,
				AttemptTimeout: time.Second,
			},
		},
		Outbound:    outbound.Config{Interval: time.Millisecond, PollInterval: 5 * time.Millisecond},
		Inbound:     inbound.Config{Interval: 5 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		Ledger:      ledger.Config{Recovery: retry.Policy{MaxAttempts: 100, Schedule: []time.Duration{20 * time.Millisecond}}},
		LedgerStore: opts.store,
		Worker:      worker.Config{Workers: 2, Executor: opts.exec},
		Metrics:     metrics.NewCollector(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, srv *testserver.Server, what string, cond func(*testserver.Server) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Wait(ctx, cond), "waiting for %s", what)
}

func receiptStatuses(srv *testserver.Server, traceID string) []types.ExecStatus {
	var out []types.ExecStatus
	for _, r := range srv.Receipts(traceID) {
		out = append(out, r.ExecStatus)
	}
	return out
}

func waitReceipts(t *testing.T, srv *testserver.Server, traceID string, want ...types.ExecStatus) {
	t.Helper()
	waitFor(t, srv, "receipts", func(s *testserver.Server) bool {
		return assert.ObjectsAreEqual(want, receiptStatuses(s, traceID))
	})
}

func countCommand(srv *testserver.Server, deviceID string, cmd types.Command) int {
	n := 0
	for _, f := range srv.Frames(deviceID) {
		if f.Message.Command == cmd {
			n++
		}
	}
	return n
}

func TestTaskRoundTrip(t *testing.T) {
	srv, endpoint := startMockServer(t, testserver.Config{})
	c := startController(t, endpoint, fleetOptions{})
	deviceID := c.DeviceID(account)

	waitFor(t, srv, "device online", func(s *testserver.Server) bool {
		return countCommand(s, deviceID, types.CommandBind) == 1
	})
	require.Eventually(t, func() bool {
		return c.CurrentState(deviceID) == types.StateIdle
	}, 3*time.Second, 10*time.Millisecond)

	pushed, err := srv.PushCommand(deviceID, types.CommandCollectArticle, map[string]string{"url": "https://example.com/a/1"})
	require.NoError(t, err)
	waitReceipts(t, srv, pushed.TraceID, types.ExecReceived, types.ExecSucceeded)

	final := srv.Receipts(pushed.TraceID)[1]
	assert.Equal(t, types.CommandCollectArticle, final.ExecCmd)
	assert.JSONEq(t, `{"ok":true}`, string(final.Data))

	require.Eventually(t, func() bool { return c.Ledger().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv, endpoint := startMockServer(t, testserver.Config{})
	c := startController(t, endpoint, fleetOptions{})
	deviceID := c.DeviceID(account)

	waitFor(t, srv, "first bind", func(s *testserver.Server) bool {
		return countCommand(s, deviceID, types.CommandBind) == 1
	})

	require.True(t, srv.Disconnect(deviceID))
	waitFor(t, srv, "rebind", func(s *testserver.Server) bool {
		return countCommand(s, deviceID, types.CommandBind) == 2 && len(s.Devices()) == 1
	})

	// The new session carries work like the first one.
	require.Eventually(t, func() bool {
		return c.CurrentState(deviceID) == types.StateIdle
	}, 3*time.Second, 10*time.Millisecond)
	pushed, err := srv.PushCommand(deviceID, types.CommandCollectComment, nil)
	require.NoError(t, err)
	waitReceipts(t, srv, pushed.TraceID, types.ExecReceived, types.ExecSucceeded)
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	srv, endpoint := startMockServer(t, testserver.Config{NoPong: true})
	c := startController(t, endpoint, fleetOptions{heartbeat: heartbeat.Config{
		Interval:    10 * time.Millisecond,
		KeepAlive:   20 * time.Millisecond,
		PongTimeout: 200 * time.Millisecond,
	}})
	deviceID := c.DeviceID(account)

	waitFor(t, srv, "pings and a second bind", func(s *testserver.Server) bool {
		return countCommand(s, deviceID, types.CommandPing) > 0 &&
			countCommand(s, deviceID, types.CommandBind) >= 2
	})
}

func TestRestartReportsInterruptedTask(t *testing.T) {
	srv, endpoint := startMockServer(t, testserver.Config{})
	dbPath := filepath.Join(t.TempDir(), "state", "ledger.db")

	store, err := ledger.OpenSQLite(dbPath)
	require.NoError(t, err)
	started := make(chan struct{}, 1)
	first := startController(t, endpoint, fleetOptions{
		store: store,
		exec: worker.ExecutorFunc(func(ctx context.Context, task worker.Task) (json.RawMessage, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	deviceID := first.DeviceID(account)

	require.Eventually(t, func() bool {
		return first.CurrentState(deviceID) == types.StateIdle
	}, 3*time.Second, 10*time.Millisecond)
	pushed, err := srv.PushCommand(deviceID, types.CommandGetArticleReading, nil)
	require.NoError(t, err)
	waitReceipts(t, srv, pushed.TraceID, types.ExecReceived)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("executor never started")
	}
	first.Stop()

	store, err = ledger.OpenSQLite(dbPath)
	require.NoError(t, err)
	second := startController(t, endpoint, fleetOptions{store: store})

	waitReceipts(t, srv, pushed.TraceID, types.ExecReceived, types.ExecFailed)
	assert.Equal(t, ledger.InterruptedReason, srv.Receipts(pushed.TraceID)[1].Message)
	require.Eventually(t, func() bool { return second.Ledger().Len() == 0 }, time.Second, 10*time.Millisecond)
}
