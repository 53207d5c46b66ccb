// Package connection owns the per-device connection record and the factory
// that authenticates and opens it.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/transport"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// ErrNotConnected is returned by Send when the record has no open transport.
var ErrNotConnected = errors.New("connection: not connected")

// Connection is the pool's record for one device. The transport may be
// swapped by reconnection; the record itself lives until the pool removes it.
type Connection struct {
	DeviceID  string
	AccountID string

	mu                sync.Mutex
	conn              transport.Conn
	origin            string // endpoint of the first dial, never swapped
	endpoint          string
	status            types.ConnStatus
	connectedAt       time.Time
	disconnectedAt    time.Time
	lastHeartbeatAt   time.Time
	lastPingAt        time.Time
	lastActivityAt    time.Time
	reconnectAttempts int
	reconnectTimer    *time.Timer
	bootstrapPingSent bool
	nearTimeoutProbed bool
}

// New creates a connected record around an open transport.
func New(deviceID, accountID, endpoint string, conn transport.Conn, now time.Time) *Connection {
	return &Connection{
		DeviceID:        deviceID,
		AccountID:       accountID,
		conn:            conn,
		origin:          endpoint,
		endpoint:        endpoint,
		status:          types.ConnConnected,
		connectedAt:     now,
		lastHeartbeatAt: now,
		lastActivityAt:  now,
	}
}

// Info is a point-in-time copy of a record for listings.
type Info struct {
	DeviceID          string
	AccountID         string
	Endpoint          string
	Status            types.ConnStatus
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
	LastHeartbeatAt   time.Time
	LastPingAt        time.Time
	LastActivityAt    time.Time
	ReconnectAttempts int
}

func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		DeviceID:          c.DeviceID,
		AccountID:         c.AccountID,
		Endpoint:          c.endpoint,
		Status:            c.status,
		ConnectedAt:       c.connectedAt,
		DisconnectedAt:    c.disconnectedAt,
		LastHeartbeatAt:   c.lastHeartbeatAt,
		LastPingAt:        c.lastPingAt,
		LastActivityAt:    c.lastActivityAt,
		ReconnectAttempts: c.reconnectAttempts,
	}
}

// Send encodes msg and writes it on the current transport.
func (c *Connection) Send(msg types.Message, now time.Time) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Command, err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.status == types.ConnConnected
	c.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("write %s to %s: %w", msg.Command, c.DeviceID, err)
	}

	c.mu.Lock()
	c.lastActivityAt = now
	if msg.Command == types.CommandPing {
		c.lastPingAt = now
	}
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether the record is connected and its transport is
// still open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == types.ConnConnected && c.conn != nil && !c.conn.Closed()
}

func (c *Connection) Status() types.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// OriginEndpoint returns the endpoint the record was first dialed on. It
// stays put when a reconnect lands on a fallback.
func (c *Connection) OriginEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

// Transport returns the current socket, nil after Close.
func (c *Connection) Transport() transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// TransportClosed reports whether the record claims to be connected while
// its transport is gone.
func (c *Connection) TransportClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == types.ConnConnected && (c.conn == nil || c.conn.Closed())
}

// MarkDisconnected flips the record to disconnected and returns true when it
// was connected. The transport is left as is.
func (c *Connection) MarkDisconnected(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == types.ConnDisconnected {
		return false
	}
	c.status = types.ConnDisconnected
	c.disconnectedAt = now
	return true
}

// SwapTransport installs a freshly dialed transport after a reconnect and
// resets the liveness bookkeeping. The previous transport is closed. endpoint
// becomes the current endpoint; the origin endpoint is kept.
func (c *Connection) SwapTransport(conn transport.Conn, endpoint string, now time.Time) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.endpoint = endpoint
	c.status = types.ConnConnected
	c.connectedAt = now
	c.lastHeartbeatAt = now
	c.lastActivityAt = now
	c.lastPingAt = time.Time{}
	c.reconnectAttempts = 0
	c.bootstrapPingSent = false
	c.nearTimeoutProbed = false
	c.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
}

// MarkPong records a heartbeat reply.
func (c *Connection) MarkPong(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeatAt = now
	c.lastActivityAt = now
	c.nearTimeoutProbed = false
}

// Touch records inbound traffic other than pong.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = now
}

// Liveness is what the heartbeat monitor needs from a record in one read.
type Liveness struct {
	Connected         bool
	LastHeartbeatAt   time.Time
	LastPingAt        time.Time
	BootstrapPingSent bool
	NearTimeoutProbed bool
}

func (c *Connection) Liveness() Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Liveness{
		Connected:         c.status == types.ConnConnected,
		LastHeartbeatAt:   c.lastHeartbeatAt,
		LastPingAt:        c.lastPingAt,
		BootstrapPingSent: c.bootstrapPingSent,
		NearTimeoutProbed: c.nearTimeoutProbed,
	}
}

// MarkBootstrapPing sets the once-per-lifetime bootstrap flag and reports
// whether this call was the one that set it.
func (c *Connection) MarkBootstrapPing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootstrapPingSent {
		return false
	}
	c.bootstrapPingSent = true
	return true
}

// MarkNearTimeoutProbe sets the near-timeout flag for the current silence
// episode and reports whether this call set it.
func (c *Connection) MarkNearTimeoutProbe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nearTimeoutProbed {
		return false
	}
	c.nearTimeoutProbed = true
	return true
}

// ReconnectAttempts returns the attempts made since the last successful
// connect.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// IncReconnectAttempts bumps the attempt counter and returns the new value.
func (c *Connection) IncReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectAttempts++
	return c.reconnectAttempts
}

func (c *Connection) ResetReconnectAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectAttempts = 0
}

// SetReconnectTimer replaces the pending reconnect timer, stopping the old
// one.
func (c *Connection) SetReconnectTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = t
}

// StopReconnectTimer cancels a pending reconnect attempt, if any.
func (c *Connection) StopReconnectTimer() {
	c.SetReconnectTimer(nil)
}

// IdleFor reports how long the record has been inactive: time since
// disconnect for disconnected records, time since last traffic otherwise.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == types.ConnDisconnected {
		return now.Sub(c.disconnectedAt)
	}
	return now.Sub(c.lastActivityAt)
}

// Close stops timers, marks the record disconnected and closes the
// transport.
func (c *Connection) Close(now time.Time) error {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	if c.status == types.ConnConnected {
		c.status = types.ConnDisconnected
		c.disconnectedAt = now
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
