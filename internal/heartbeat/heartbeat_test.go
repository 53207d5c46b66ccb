package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/transport/transporttest"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

type staticSource []*connection.Connection

func (s staticSource) Connections() []*connection.Connection { return s }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newConn(t *testing.T, start time.Time) (*connection.Connection, *transporttest.Conn) {
	t.Helper()
	fake := transporttest.NewConn("ws://x")
	return connection.New("dev-1", "acc-1", "ws://x", fake, start), fake
}

func TestBootstrapThenKeepAlive(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c, fake := newConn(t, start)
	rec := &recorder{}
	m := NewMonitor(Config{}, staticSource{c}, rec.record)

	m.Check(start.Add(time.Second))
	assert.Equal(t, 1, fake.CountCommand("ping"), "bootstrap ping")

	m.Check(start.Add(10 * time.Second))
	assert.Equal(t, 1, fake.CountCommand("ping"), "no keep-alive within 20s of the last ping")

	c.MarkPong(start.Add(15 * time.Second))
	m.Check(start.Add(25 * time.Second))
	assert.Equal(t, 2, fake.CountCommand("ping"), "keep-alive after 20s")
	assert.Empty(t, rec.types())
}

func TestPongTimeoutEmitsEvent(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c, _ := newConn(t, start)
	rec := &recorder{}
	m := NewMonitor(Config{PongTimeout: 90 * time.Second}, staticSource{c}, rec.record)

	m.Check(start.Add(91 * time.Second))

	assert.Equal(t, []EventType{EventTimeout}, rec.types())
	assert.Equal(t, types.ConnDisconnected, c.Status())

	// Disconnected records are skipped on later ticks.
	m.Check(start.Add(200 * time.Second))
	assert.Len(t, rec.types(), 1)
}

func TestNearTimeoutProbeOnce(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c, fake := newConn(t, start)
	m := NewMonitor(Config{KeepAlive: time.Hour, PongTimeout: 100 * time.Second}, staticSource{c}, nil)

	m.Check(start.Add(time.Second)) // bootstrap
	require.Equal(t, 1, fake.CountCommand("ping"))

	m.Check(start.Add(71 * time.Second))
	assert.Equal(t, 2, fake.CountCommand("ping"), "probe past 70% of the timeout")

	m.Check(start.Add(80 * time.Second))
	assert.Equal(t, 2, fake.CountCommand("ping"), "one probe per silence episode")

	c.MarkPong(start.Add(85 * time.Second))
	m.Check(start.Add(160 * time.Second))
	assert.Equal(t, 3, fake.CountCommand("ping"), "new episode after a pong")
}

func TestClosedTransportIsCorrected(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c, fake := newConn(t, start)
	rec := &recorder{}
	m := NewMonitor(Config{}, staticSource{c}, rec.record)

	fake.Close()
	m.Check(start.Add(time.Second))

	assert.Equal(t, []EventType{EventDisconnect}, rec.types())
	assert.Equal(t, types.ConnDisconnected, c.Status())
}

func TestPingFailureDoesNotStopWalk(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	bad, badFake := newConn(t, start)
	badFake.FailWrites(errors.New("broken pipe"))

	goodFake := transporttest.NewConn("ws://y")
	good := connection.New("dev-2", "acc-2", "ws://y", goodFake, start)

	rec := &recorder{}
	m := NewMonitor(Config{}, staticSource{bad, good}, rec.record)

	assert.NotPanics(t, func() { m.Check(start.Add(time.Second)) })
	assert.Equal(t, []EventType{EventPingFailed}, rec.types())
	assert.Equal(t, 1, goodFake.CountCommand("ping"))
}

func TestStartStop(t *testing.T) {
	start := time.Now()
	c, fake := newConn(t, start)
	m := NewMonitor(Config{Interval: 5 * time.Millisecond}, staticSource{c}, nil)

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return fake.CountCommand("ping") >= 1
	}, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}
