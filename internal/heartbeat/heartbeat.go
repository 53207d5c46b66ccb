// ============================================================================
// fleetlink Heartbeat Monitor
// ============================================================================
//
// Package: internal/heartbeat
// File: heartbeat.go
//
// One shared ticker walks every pooled connection. Per connected record and
// tick:
//
//   1. connected but transport closed → mark disconnected, emit disconnect
//   2. silent longer than PongTimeout → mark disconnected, emit timeout
//   3. bootstrap ping not yet sent    → send it
//   4. no ping in KeepAlive           → send keep-alive ping
//   5. silent past 70% of PongTimeout → one extra probe per silence episode
//
// Send failures emit ping_failed and never stop the walk.
//
// ============================================================================

package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultKeepAlive   = 20 * time.Second
	DefaultPongTimeout = 90 * time.Second

	nearTimeoutRatio = 0.7
)

// EventType names what the monitor observed.
type EventType string

const (
	EventTimeout    EventType = "heartbeat_timeout"
	EventPingFailed EventType = "ping_failed"
	EventDisconnect EventType = "disconnect"
)

// Event is emitted for every problem found during a tick.
type Event struct {
	Type     EventType
	DeviceID string
	Silence  time.Duration
	Err      error
}

// Source lists the records to watch. The pool implements it.
type Source interface {
	Connections() []*connection.Connection
}

// Config configures a Monitor.
type Config struct {
	Interval    time.Duration
	KeepAlive   time.Duration
	PongTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// Monitor probes liveness of every pooled connection.
type Monitor struct {
	cfg     Config
	source  Source
	onEvent func(Event)
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// NewMonitor creates a monitor over source. onEvent receives every event and
// must not block for long.
func NewMonitor(cfg Config, source Source, onEvent func(Event)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Monitor{
		cfg:     cfg,
		source:  source,
		onEvent: onEvent,
		logger:  cfg.Logger.With("component", "heartbeat"),
		now:     time.Now,
	}
}

// Start launches the tick loop. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.loopWg.Add(1)
	go func() {
		defer m.loopWg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Debug("heartbeat loop stopped")
				return
			case <-ticker.C:
				m.Check(m.now())
			}
		}
	}()
}

// Stop ends the tick loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.loopWg.Wait()
	}
}

// Check runs one tick against now.
func (m *Monitor) Check(now time.Time) {
	for _, c := range m.source.Connections() {
		m.checkOne(c, now)
	}
}

func (m *Monitor) checkOne(c *connection.Connection, now time.Time) {
	lv := c.Liveness()
	if !lv.Connected {
		return
	}

	if c.TransportClosed() {
		if c.MarkDisconnected(now) {
			m.logger.Warn("connected record with closed transport corrected", "device_id", c.DeviceID)
			m.onEvent(Event{Type: EventDisconnect, DeviceID: c.DeviceID})
		}
		return
	}

	silence := now.Sub(lv.LastHeartbeatAt)
	if silence > m.cfg.PongTimeout {
		if c.MarkDisconnected(now) {
			m.logger.Warn("heartbeat timeout", "device_id", c.DeviceID, "silence", silence)
			m.cfg.Metrics.RecordHeartbeatTimeout()
			m.onEvent(Event{Type: EventTimeout, DeviceID: c.DeviceID, Silence: silence})
		}
		return
	}

	pinged := false
	switch {
	case !lv.BootstrapPingSent && c.MarkBootstrapPing():
		pinged = m.ping(c, now, "bootstrap")
	case lv.LastPingAt.IsZero() || now.Sub(lv.LastPingAt) >= m.cfg.KeepAlive:
		pinged = m.ping(c, now, "keepalive")
	}

	threshold := time.Duration(float64(m.cfg.PongTimeout) * nearTimeoutRatio)
	if silence >= threshold && c.MarkNearTimeoutProbe() {
		m.logger.Warn("heartbeat near timeout", "device_id", c.DeviceID, "silence", silence)
		if !pinged {
			m.ping(c, now, "probe")
		}
	}
}

func (m *Monitor) ping(c *connection.Connection, now time.Time, kind string) bool {
	msg, err := types.NewMessage(types.CommandPing, c.DeviceID, nil)
	if err == nil {
		err = c.Send(msg, now)
	}
	if err != nil {
		m.logger.Warn("ping failed", "device_id", c.DeviceID, "kind", kind, "error", err)
		m.onEvent(Event{Type: EventPingFailed, DeviceID: c.DeviceID, Err: err})
		return false
	}
	return true
}
