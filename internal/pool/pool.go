// ============================================================================
// fleetlink Connection Pool
// ============================================================================
//
// Package: internal/pool
// File: pool.go
//
// The pool owns every device connection record and composes:
//
//   ┌──────────────┐  CreateConnection   ┌──────────────────┐
//   │   Pool       │ ──────────────────→ │ connection       │
//   │  deviceID →  │                     │ Factory          │
//   │  *Connection │ ←── events ──────── │ heartbeat.Monitor│
//   │              │ ──OnDisconnect────→ │ reconnect.       │
//   └──────────────┘                     │ Controller       │
//                                        └──────────────────┘
//
// Each transport gets one read loop. pong frames refresh the heartbeat;
// everything else goes to the registered MessageHandler.
//
// Teardown order for a record: stop reconnection, close the transport,
// delete from the map, emit EventRemoved.
//
// ============================================================================

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/heartbeat"
	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/internal/reconnect"
	"github.com/ChuLiYu/fleetlink/internal/transport"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// Defaults.
const (
	DefaultMaxConnections        = 50
	DefaultDisconnectedIdle      = 30 * time.Minute
	DefaultConnectedIdle         = 24 * time.Hour
	DefaultRecoveryBatchSize     = 5
	DefaultRecoveryBatchInterval = 3 * time.Second
	DefaultNetworkCheckInterval  = 15 * time.Second
)

var (
	// ErrPoolFull is returned when the ceiling is reached and nothing could
	// be evicted.
	ErrPoolFull = errors.New("pool: connection limit reached")
	// ErrConnectFailed is returned when the factory could not open a
	// connection.
	ErrConnectFailed = errors.New("pool: connect failed")
	// ErrUnknownDevice is returned for operations on a device the pool does
	// not hold.
	ErrUnknownDevice = errors.New("pool: unknown device")
)

// Factory is what the pool needs from connection.Factory.
type Factory interface {
	DeviceID(accountID string) string
	CreateConnection(ctx context.Context, accountID string) *connection.Connection
	reconnect.Dialer
}

// MessageHandler receives every non-pong frame read from a device.
type MessageHandler func(deviceID string, data []byte)

// EventType names a pool lifecycle event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventReconnected  EventType = "reconnected"
	EventDisconnected EventType = "disconnected"
	EventRemoved      EventType = "removed"
	EventNetworkDown  EventType = "network_down"
	EventNetworkUp    EventType = "network_up"
)

// Event is delivered to subscribers. Handlers run synchronously and must
// not call back into RemoveConnection for the same device.
type Event struct {
	Type      EventType
	DeviceID  string
	AccountID string
	Reason    string
}

// Config configures a Pool.
type Config struct {
	MaxConnections        int
	DisconnectedIdle      time.Duration
	ConnectedIdle         time.Duration
	RecoveryBatchSize     int
	RecoveryBatchInterval time.Duration
	NetworkCheckInterval  time.Duration
	// NetworkProber enables the network watcher when set.
	NetworkProber reconnect.Prober

	Heartbeat heartbeat.Config
	Reconnect reconnect.Config

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (c *Config) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.DisconnectedIdle <= 0 {
		c.DisconnectedIdle = DefaultDisconnectedIdle
	}
	if c.ConnectedIdle <= 0 {
		c.ConnectedIdle = DefaultConnectedIdle
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = DefaultRecoveryBatchSize
	}
	if c.RecoveryBatchInterval < 0 {
		c.RecoveryBatchInterval = 0
	} else if c.RecoveryBatchInterval == 0 {
		c.RecoveryBatchInterval = DefaultRecoveryBatchInterval
	}
	if c.NetworkCheckInterval <= 0 {
		c.NetworkCheckInterval = DefaultNetworkCheckInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Heartbeat.Logger == nil {
		c.Heartbeat.Logger = c.Logger
	}
	if c.Heartbeat.Metrics == nil {
		c.Heartbeat.Metrics = c.Metrics
	}
	if c.Reconnect.Logger == nil {
		c.Reconnect.Logger = c.Logger
	}
	if c.Reconnect.Metrics == nil {
		c.Reconnect.Metrics = c.Metrics
	}
}

// Pool is the device → connection map.
type Pool struct {
	cfg       Config
	factory   Factory
	heartbeat *heartbeat.Monitor
	reconnect *reconnect.Controller
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	mu          sync.RWMutex
	conns       map[string]*connection.Connection
	handler     MessageHandler
	subscribers []func(Event)
	online      bool

	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// New creates a pool over factory.
func New(cfg Config, factory Factory) *Pool {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger.With("component", "pool"),
		metrics: cfg.Metrics,
		now:     time.Now,
		conns:   make(map[string]*connection.Connection),
		online:  true,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.heartbeat = heartbeat.NewMonitor(cfg.Heartbeat, p, p.onHeartbeatEvent)
	p.reconnect = reconnect.New(cfg.Reconnect, factory, p, p.onReconnected)
	return p
}

// SetMessageHandler installs the receiver of non-pong frames. Call before
// the first connection is created.
func (p *Pool) SetMessageHandler(h MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Subscribe registers fn for every pool event.
func (p *Pool) Subscribe(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Start launches the heartbeat monitor and, when configured, the network
// watcher.
func (p *Pool) Start() {
	p.heartbeat.Start(p.ctx)
	if p.cfg.NetworkProber != nil {
		p.loopWg.Add(1)
		go p.networkLoop()
	}
	p.logger.Info("pool started", "max_connections", p.cfg.MaxConnections)
}

// Stop tears everything down: loops first, then reconnect timers, then
// every record.
func (p *Pool) Stop() {
	p.heartbeat.Stop()
	p.cancel()
	p.loopWg.Wait()
	p.reconnect.Close()

	for _, id := range p.deviceIDs() {
		p.RemoveConnection(id, "pool stopped")
	}
	p.logger.Info("pool stopped")
}

// DeviceID resolves an account id through the factory.
func (p *Pool) DeviceID(accountID string) string {
	return p.factory.DeviceID(accountID)
}

// CreateConnection returns the connection of accountID, opening one when
// needed. A known but disconnected device is handed to the reconnection
// controller and returned as is.
func (p *Pool) CreateConnection(ctx context.Context, accountID string) (*connection.Connection, error) {
	deviceID := p.factory.DeviceID(accountID)

	if c, ok := p.Get(deviceID); ok {
		if !c.IsConnected() {
			p.reconnect.OnDisconnect(deviceID, "connection requested")
		}
		return c, nil
	}

	if p.Count() >= p.cfg.MaxConnections {
		evicted := p.evictInactive(p.now())
		if p.Count() >= p.cfg.MaxConnections {
			p.logger.Error("connection limit reached",
				"account_id", accountID,
				"max_connections", p.cfg.MaxConnections,
				"evicted", evicted)
			return nil, ErrPoolFull
		}
	}

	c := p.factory.CreateConnection(ctx, accountID)
	if c == nil {
		return nil, fmt.Errorf("%w: account %s", ErrConnectFailed, accountID)
	}

	p.mu.Lock()
	if existing, ok := p.conns[deviceID]; ok {
		// Lost a race with a concurrent create.
		p.mu.Unlock()
		_ = c.Close(p.now())
		return existing, nil
	}
	if len(p.conns) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		_ = c.Close(p.now())
		return nil, ErrPoolFull
	}
	p.conns[deviceID] = c
	p.mu.Unlock()

	p.startReader(c, c.Transport())
	p.sendBind(c)
	p.publishGauge()
	p.emit(Event{Type: EventConnected, DeviceID: deviceID, AccountID: accountID})
	return c, nil
}

// RemoveConnection stops reconnection for deviceID, closes its transport and
// forgets it.
func (p *Pool) RemoveConnection(deviceID, reason string) bool {
	c, ok := p.Get(deviceID)
	if !ok {
		return false
	}

	p.reconnect.Stop(deviceID)
	if err := c.Close(p.now()); err != nil {
		p.logger.Debug("close on remove", "device_id", deviceID, "error", err)
	}

	p.mu.Lock()
	delete(p.conns, deviceID)
	p.mu.Unlock()

	p.logger.Info("connection removed", "device_id", deviceID, "reason", reason)
	p.publishGauge()
	p.emit(Event{Type: EventRemoved, DeviceID: deviceID, AccountID: c.AccountID, Reason: reason})
	return true
}

// Send delivers msg to deviceID.
func (p *Pool) Send(ctx context.Context, deviceID string, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := p.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if msg.DeviceID == "" {
		msg = msg.WithDevice(deviceID)
	}
	return c.Send(msg, p.now())
}

// Broadcast sends msg to every connected device and returns how many
// deliveries succeeded.
func (p *Pool) Broadcast(ctx context.Context, msg types.Message) int {
	sent := 0
	for _, c := range p.Connections() {
		if ctx.Err() != nil {
			break
		}
		if !c.IsConnected() {
			continue
		}
		if err := c.Send(msg.WithDevice(c.DeviceID), p.now()); err != nil {
			p.logger.Warn("broadcast send failed", "device_id", c.DeviceID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// IsConnected reports whether deviceID is pooled and connected.
func (p *Pool) IsConnected(deviceID string) bool {
	c, ok := p.Get(deviceID)
	return ok && c.IsConnected()
}

// IsReconnecting reports whether deviceID is being reconnected.
func (p *Pool) IsReconnecting(deviceID string) bool {
	return p.reconnect.IsReconnecting(deviceID)
}

// Get implements reconnect.Registry.
func (p *Pool) Get(deviceID string) (*connection.Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[deviceID]
	return c, ok
}

// Connections implements heartbeat.Source.
func (p *Pool) Connections() []*connection.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// List returns a snapshot of every record ordered by device id.
func (p *Pool) List() []connection.Info {
	conns := p.Connections()
	out := make([]connection.Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Online reports the last network state seen by the watcher.
func (p *Pool) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

// HandleNetworkChange reacts to the host network going down or up. Loss
// marks every record disconnected and leaves sockets alone; recovery
// force-reconnects unhealthy records in batches. The returned channel is
// closed once every batch has been issued.
func (p *Pool) HandleNetworkChange(online bool) <-chan struct{} {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()

	done := make(chan struct{})
	now := p.now()

	if !online {
		for _, c := range p.Connections() {
			c.MarkDisconnected(now)
		}
		p.logger.Warn("network lost, all connections marked disconnected")
		p.publishGauge()
		p.emit(Event{Type: EventNetworkDown})
		close(done)
		return done
	}

	var pending []string
	for _, c := range p.Connections() {
		if !c.IsConnected() {
			pending = append(pending, c.DeviceID)
		}
	}
	sort.Strings(pending)
	p.logger.Info("network recovered, reconnecting", "count", len(pending))
	p.emit(Event{Type: EventNetworkUp})

	p.loopWg.Add(1)
	go func() {
		defer p.loopWg.Done()
		defer close(done)
		size := p.cfg.RecoveryBatchSize
		for start := 0; start < len(pending); start += size {
			if start > 0 {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.cfg.RecoveryBatchInterval):
				}
			}
			end := start + size
			if end > len(pending) {
				end = len(pending)
			}
			for _, id := range pending[start:end] {
				p.reconnect.ForceReconnect(id)
			}
		}
	}()
	return done
}

func (p *Pool) networkLoop() {
	defer p.loopWg.Done()
	ticker := time.NewTicker(p.cfg.NetworkCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			reachable := p.cfg.NetworkProber.Reachable(p.ctx)
			if reachable != p.Online() {
				p.HandleNetworkChange(reachable)
			}
		}
	}
}

// evictInactive removes records that are long disconnected or connected
// but silent, and returns how many were removed.
func (p *Pool) evictInactive(now time.Time) int {
	evicted := 0
	for _, c := range p.Connections() {
		idle := c.IdleFor(now)
		stale := false
		switch c.Status() {
		case types.ConnDisconnected:
			stale = idle > p.cfg.DisconnectedIdle
		default:
			stale = idle > p.cfg.ConnectedIdle
		}
		if stale && p.RemoveConnection(c.DeviceID, "evicted: inactive") {
			evicted++
		}
	}
	return evicted
}

func (p *Pool) deviceIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) sendBind(c *connection.Connection) {
	bind, err := types.NewMessage(types.CommandBind, c.DeviceID, nil)
	if err == nil {
		err = c.Send(bind, p.now())
	}
	if err != nil {
		p.logger.Warn("bind failed", "device_id", c.DeviceID, "error", err)
	}
}

// startReader runs the read loop of one transport generation.
func (p *Pool) startReader(c *connection.Connection, conn transport.Conn) {
	if conn == nil {
		return
	}
	go p.readLoop(c, conn)
}

func (p *Pool) readLoop(c *connection.Connection, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			p.onReadError(c, conn, err)
			return
		}
		if c.Transport() != conn {
			// Replaced by a reconnect while this socket still delivered.
			_ = conn.Close()
			return
		}

		now := p.now()
		if msg, derr := types.DecodeMessage(data); derr == nil && msg.Command == types.CommandPong {
			c.MarkPong(now)
			continue
		}
		c.Touch(now)

		p.mu.RLock()
		h := p.handler
		p.mu.RUnlock()
		if h != nil {
			h(c.DeviceID, data)
		}
	}
}

func (p *Pool) onReadError(c *connection.Connection, conn transport.Conn, err error) {
	if p.ctx.Err() != nil {
		return
	}
	current, ok := p.Get(c.DeviceID)
	if !ok || current != c || c.Transport() != conn {
		// Removed, or the transport was already replaced.
		_ = conn.Close()
		return
	}
	// Already disconnected means whoever flipped it (heartbeat, removal,
	// network loss) owns the follow-up.
	if !c.MarkDisconnected(p.now()) {
		return
	}
	p.logger.Warn("connection read failed", "device_id", c.DeviceID, "error", err)
	p.publishGauge()
	p.emit(Event{Type: EventDisconnected, DeviceID: c.DeviceID, AccountID: c.AccountID, Reason: "read error"})
	if p.Online() {
		p.reconnect.OnDisconnect(c.DeviceID, "read error")
	}
}

func (p *Pool) onHeartbeatEvent(e heartbeat.Event) {
	switch e.Type {
	case heartbeat.EventTimeout, heartbeat.EventDisconnect:
		c, ok := p.Get(e.DeviceID)
		if !ok {
			return
		}
		if conn := c.Transport(); conn != nil {
			_ = conn.Close()
		}
		p.publishGauge()
		p.emit(Event{Type: EventDisconnected, DeviceID: e.DeviceID, AccountID: c.AccountID, Reason: string(e.Type)})
		if p.Online() {
			p.reconnect.OnDisconnect(e.DeviceID, string(e.Type))
		}
	case heartbeat.EventPingFailed:
		// The next tick corrects a dead transport.
	}
}

func (p *Pool) onReconnected(c *connection.Connection) {
	p.startReader(c, c.Transport())
	p.publishGauge()
	p.emit(Event{Type: EventReconnected, DeviceID: c.DeviceID, AccountID: c.AccountID})
}

func (p *Pool) emit(e Event) {
	p.mu.RLock()
	subs := append([]func(Event){}, p.subscribers...)
	p.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (p *Pool) publishGauge() {
	if p.metrics == nil {
		return
	}
	connected := 0
	conns := p.Connections()
	for _, c := range conns {
		if c.IsConnected() {
			connected++
		}
	}
	p.metrics.SetConnections(connected, len(conns)-connected)
}
