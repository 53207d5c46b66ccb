// ============================================================================
// fleetlink Controller - messaging core coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// The Controller owns every component and the glue between them:
//
//   wire frame ─→ router ─┬─ ping            → pong
//                         ├─ pong/receipt/.. → consumed
//                         └─ business        → ledger.SaveTask
//                                              receipt(received)
//                                              inbound queue
//
//   inbound queue (IDLE gate) ─→ dispatcher → state WORKING
//                                             ledger processing
//                                             worker pool
//
//   worker result ─→ receipt(succeeded|failed|timed out)
//                    ledger.DeleteTask
//                    state IDLE (via WORKING_EXCEPTION on failure)
//
// Every receipt leaves through the outbound queue at high priority.
//
// Lifecycle:
//   Start: ledger → worker pool → queues → connection pool → result loop →
//          configured accounts → restart recovery (background)
//   Stop:  the same in reverse; timers are cleared before records go.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/inbound"
	"github.com/ChuLiYu/fleetlink/internal/ledger"
	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/internal/outbound"
	"github.com/ChuLiYu/fleetlink/internal/pool"
	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/internal/statemachine"
	"github.com/ChuLiYu/fleetlink/internal/worker"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// DefaultAppType is the app_type written into receipts.
const DefaultAppType = "fleetlink"

var (
	ErrStopped       = errors.New("controller: stopped")
	ErrNotStarted    = errors.New("controller: not started")
	ErrStateConflict = errors.New("controller: worker not idle")
)

// Config wires the components. Nested Logger and Metrics fields left nil
// inherit the top-level ones.
type Config struct {
	Accounts       []string
	AppType        string
	ConnectTimeout time.Duration

	Factory  connection.FactoryConfig
	Pool     pool.Config
	Outbound outbound.Config
	Inbound  inbound.Config
	Ledger   ledger.Config
	Worker   worker.Config

	// LedgerStore backs the ledger. Nil runs the ledger disabled.
	LedgerStore ledger.Store

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (c *Config) setDefaults() {
	if c.AppType == "" {
		c.AppType = DefaultAppType
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Factory.Logger == nil {
		c.Factory.Logger = c.Logger
	}
	if c.Pool.Logger == nil {
		c.Pool.Logger = c.Logger
	}
	if c.Pool.Metrics == nil {
		c.Pool.Metrics = c.Metrics
	}
	if c.Outbound.Logger == nil {
		c.Outbound.Logger = c.Logger
	}
	if c.Outbound.Metrics == nil {
		c.Outbound.Metrics = c.Metrics
	}
	if c.Inbound.Logger == nil {
		c.Inbound.Logger = c.Logger
	}
	if c.Inbound.Metrics == nil {
		c.Inbound.Metrics = c.Metrics
	}
	if c.Ledger.Logger == nil {
		c.Ledger.Logger = c.Logger
	}
	if c.Ledger.Metrics == nil {
		c.Ledger.Metrics = c.Metrics
	}
	if c.Worker.Logger == nil {
		c.Worker.Logger = c.Logger
	}
	if c.Worker.Metrics == nil {
		c.Worker.Metrics = c.Metrics
	}
}

// Controller is the messaging core.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	states   *statemachine.Registry
	factory  *connection.Factory
	pool     *pool.Pool
	outbound *outbound.Queue
	inbound  *inbound.Queue
	workers  *worker.Pool
	ledger   *ledger.Ledger

	mu        sync.Mutex
	inflight  map[string]types.Message // trace id → dispatched message
	started   bool
	stopped   bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// New builds every component. Nothing runs until Start.
func New(cfg Config) (*Controller, error) {
	cfg.setDefaults()
	if cfg.Worker.Executor == nil {
		return nil, worker.ErrNoExecutor
	}

	c := &Controller{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "controller"),
		metrics:  cfg.Metrics,
		inflight: make(map[string]types.Message),
	}
	c.states = statemachine.NewRegistry(statemachine.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	c.factory = connection.NewFactory(cfg.Factory)
	c.pool = pool.New(cfg.Pool, c.factory)

	outCfg := cfg.Outbound
	outCfg.OnFailed = c.chainFailed(cfg.Outbound.OnFailed)
	c.outbound = outbound.New(outCfg, c.pool)
	c.inbound = inbound.New(cfg.Inbound, c.states, c, c)
	c.workers = worker.NewPool(cfg.Worker)

	c.states.OnEnter(types.StateIdle, func(deviceID string, _ types.WorkerState, _ any) {
		c.inbound.Wake(deviceID)
	})
	c.pool.SetMessageHandler(c.handleFrame)
	c.pool.Subscribe(c.onPoolEvent)
	return c, nil
}

// Start brings the core up. Connection failures for configured accounts are
// retried in the background and never fail Start.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.startTime = time.Now()
	c.mu.Unlock()

	c.ledger = ledger.Open(c.cfg.Ledger, c.cfg.LedgerStore)
	// Snapshot before any connection can deliver new work.
	interrupted := c.ledger.Pending()
	if err := c.workers.Start(); err != nil {
		c.cancel()
		return fmt.Errorf("start worker pool: %w", err)
	}
	c.ledger.Start()
	c.inbound.Start(c.ctx)
	c.outbound.Start(c.ctx)
	c.pool.Start()

	c.loopWg.Add(1)
	go c.resultLoop()

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	for _, acc := range c.cfg.Accounts {
		c.connectAccount(acc)
	}

	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		c.ledger.Recover(c.ctx, interrupted, c.pool, c)
	}()

	c.logger.Info("controller started",
		"accounts", len(c.cfg.Accounts),
		"ledger_disabled", c.ledger.Disabled())
	return nil
}

// Stop shuts everything down in reverse order.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("stopping controller")
	c.cancel()
	c.pool.Stop()
	c.inbound.Stop()
	if left := c.outbound.Stop(); len(left) > 0 {
		c.logger.Warn("outbound messages discarded on shutdown", "count", len(left))
	}
	c.workers.Stop()
	c.loopWg.Wait()
	if err := c.ledger.Stop(); err != nil {
		c.logger.Error("close ledger", "error", err)
	}
	c.logger.Info("controller stopped", "uptime", time.Since(c.startTime))
}

// connectAccount opens the account's connection, retrying in the background
// when the first dial fails.
func (c *Controller) connectAccount(accountID string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	_, err := c.pool.CreateConnection(ctx, accountID)
	cancel()
	if err == nil {
		return
	}
	c.logger.Warn("initial connection failed, retrying in background", "account_id", accountID, "error", err)

	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		err := retry.Do(c.ctx, retry.Policy{Base: time.Second, Max: time.Minute, Jitter: time.Second}, func() error {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
			defer cancel()
			_, err := c.pool.CreateConnection(ctx, accountID)
			if errors.Is(err, pool.ErrPoolFull) {
				return retry.Permanent(err)
			}
			return err
		}, nil)
		if err != nil && c.ctx.Err() == nil {
			c.logger.Error("account connection abandoned", "account_id", accountID, "error", err)
		}
	}()
}

// ============================================================================
// Exposed interface
// ============================================================================

// Dispatch moves deviceID's worker to state.
func (c *Controller) Dispatch(deviceID string, state types.WorkerState, payload any) bool {
	return c.states.Dispatch(deviceID, state, payload)
}

// EnqueueInbound records msg and queues it for its device, as if it had
// arrived on the wire.
func (c *Controller) EnqueueInbound(msg types.Message) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.DeviceID == "" {
		return &types.ValidationError{Field: "device_id", Reason: "is required"}
	}
	accountID, _ := c.factory.AccountID(msg.DeviceID)
	if _, err := c.ledger.SaveTask(msg, accountID); err != nil {
		c.logger.Warn("ledger save failed", "trace_id", msg.TraceID, "error", err)
	}
	return c.inbound.Enqueue(msg)
}

// EnqueueOutbound queues msg for the device of accountID.
func (c *Controller) EnqueueOutbound(accountID string, msg types.Message, priority int) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", types.ErrInvalidMessage)
	}
	deviceID := c.factory.DeviceID(accountID)
	return c.outbound.Enqueue(deviceID, msg.WithDevice(deviceID), priority)
}

// Connect opens (or returns) the connection of accountID.
func (c *Controller) Connect(ctx context.Context, accountID string) (connection.Info, error) {
	if err := c.checkRunning(); err != nil {
		return connection.Info{}, err
	}
	conn, err := c.pool.CreateConnection(ctx, accountID)
	if err != nil {
		return connection.Info{}, err
	}
	return conn.Info(), nil
}

// RemoveConnection tears down deviceID's connection.
func (c *Controller) RemoveConnection(deviceID string) bool {
	return c.pool.RemoveConnection(deviceID, "removed by operator")
}

// DeviceID resolves accountID to its device id.
func (c *Controller) DeviceID(accountID string) string {
	return c.factory.DeviceID(accountID)
}

// CurrentState returns deviceID's worker state.
func (c *Controller) CurrentState(deviceID string) types.WorkerState {
	return c.states.CurrentState(deviceID)
}

// Connections lists every pooled connection.
func (c *Controller) Connections() []connection.Info {
	return c.pool.List()
}

// Ledger exposes the task ledger. It is nil before Start.
func (c *Controller) Ledger() *ledger.Ledger {
	return c.ledger
}

func (c *Controller) checkRunning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return ErrStopped
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

// Status is a point-in-time view of the core.
type Status struct {
	Uptime          time.Duration
	Online          bool
	Connections     int
	Connected       int
	States          map[string]types.WorkerState
	OutboundQueued  int
	OutboundDelayed int
	InboundQueued   map[string]int
	InboundDelayed  int
	LedgerTasks     int
	LedgerDisabled  bool
	WorkerBacklog   int
	InFlight        int
}

// Status returns the current Status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	inflight := len(c.inflight)
	c.mu.Unlock()

	st := Status{
		Uptime:          uptime,
		Online:          c.pool.Online(),
		Connections:     c.pool.Count(),
		States:          c.states.Snapshot(),
		OutboundQueued:  c.outbound.Len(),
		OutboundDelayed: c.outbound.DelayedLen(),
		InboundQueued:   c.inbound.Depths(),
		InboundDelayed:  c.inbound.DelayedLen(),
		WorkerBacklog:   c.workers.Backlog(),
		InFlight:        inflight,
	}
	for _, info := range c.pool.List() {
		if info.Status == types.ConnConnected {
			st.Connected++
		}
	}
	if c.ledger != nil {
		st.LedgerTasks = c.ledger.Len()
		st.LedgerDisabled = c.ledger.Disabled()
	}
	return st
}
