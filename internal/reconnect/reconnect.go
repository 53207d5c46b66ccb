// ============================================================================
// fleetlink Reconnection Controller
// ============================================================================
//
// Package: internal/reconnect
// File: reconnect.go
//
// Brings dropped device connections back:
//
//   delay = min(base * 2^(attempt-1) * multiplier + jitter, maxDelay)
//
//   - multiplier grows x1.5 (cap 10) after more than 3 consecutive failures
//     and resets to 1 on success
//   - more than RateLimit attempts in RateWindow adds a 30-45s penalty
//   - after MaxAttempts the device enters persistent mode and retries every
//     min(2m * failures, 10m) + jitter until it succeeds or is stopped
//   - every attempt walks the origin endpoint, then the fallbacks in order,
//     even when the last success landed on a fallback
//
// A device is marked "reconnecting" from the first OnDisconnect until the
// attempt that succeeds. Repeated OnDisconnect calls while marked are no-ops.
//
// ============================================================================

package reconnect

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/connection"
	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/internal/transport"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// Defaults.
const (
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 60 * time.Second
	DefaultJitter           = time.Second
	DefaultMaxAttempts      = 500
	DefaultRateLimit        = 5
	DefaultRateWindow       = time.Minute
	DefaultRatePenaltyMin   = 30 * time.Second
	DefaultRatePenaltyMax   = 45 * time.Second
	DefaultPersistentStep   = 2 * time.Minute
	DefaultPersistentMax    = 10 * time.Minute
	DefaultPersistentJitter = 30 * time.Second
	DefaultProbeInterval    = 10 * time.Second
	DefaultAttemptTimeout   = 15 * time.Second

	multiplierStep      = 1.5
	multiplierCap       = 10.0
	failuresBeforeBoost = 3
)

// Dialer opens a transport for a device against one endpoint. The
// connection factory implements it.
type Dialer interface {
	Dial(ctx context.Context, deviceID, endpoint string) (transport.Conn, error)
}

// Registry resolves device ids to pooled records.
type Registry interface {
	Get(deviceID string) (*connection.Connection, bool)
}

// Config configures a Controller.
type Config struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            time.Duration
	MaxAttempts       int
	RateLimit         int
	RateWindow        time.Duration
	RatePenaltyMin    time.Duration
	RatePenaltyMax    time.Duration
	PersistentStep    time.Duration
	PersistentMax     time.Duration
	PersistentJitter  time.Duration
	ProbeInterval     time.Duration
	AttemptTimeout    time.Duration
	FallbackEndpoints []string

	Prober  Prober
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.RatePenaltyMin <= 0 {
		c.RatePenaltyMin = DefaultRatePenaltyMin
	}
	if c.RatePenaltyMax < c.RatePenaltyMin {
		c.RatePenaltyMax = c.RatePenaltyMin + (DefaultRatePenaltyMax - DefaultRatePenaltyMin)
	}
	if c.PersistentStep <= 0 {
		c.PersistentStep = DefaultPersistentStep
	}
	if c.PersistentMax <= 0 {
		c.PersistentMax = DefaultPersistentMax
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Prober == nil {
		c.Prober = AlwaysReachable
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Backoff returns the un-jittered delay before attempt (1-indexed).
func Backoff(base, max time.Duration, attempt int, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	raw := float64(base) * math.Pow(2, float64(attempt-1)) * multiplier
	if raw >= float64(max) || math.IsInf(raw, 0) {
		return max
	}
	return time.Duration(raw)
}

// PersistentDelay returns the un-jittered delay of persistent mode after
// failures consecutive persistent failures.
func PersistentDelay(step, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := step * time.Duration(failures)
	if d > max || d <= 0 {
		return max
	}
	return d
}

type deviceState struct {
	reconnecting       bool
	failures           int
	multiplier         float64
	persistent         bool
	persistentFailures int
}

// Controller schedules and runs reconnection attempts.
type Controller struct {
	cfg       Config
	dialer    Dialer
	registry  Registry
	limiter   *windowLimiter
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time
	onSuccess func(*connection.Connection)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[string]*deviceState
}

// New creates a controller. onSuccess runs after a device is back online and
// its bind has been sent.
func New(cfg Config, dialer Dialer, registry Registry, onSuccess func(*connection.Connection)) *Controller {
	cfg.setDefaults()
	if onSuccess == nil {
		onSuccess = func(*connection.Connection) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:       cfg,
		dialer:    dialer,
		registry:  registry,
		limiter:   newWindowLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:    cfg.Logger.With("component", "reconnect"),
		metrics:   cfg.Metrics,
		now:       time.Now,
		onSuccess: onSuccess,
		ctx:       ctx,
		cancel:    cancel,
		states:    make(map[string]*deviceState),
	}
}

// OnDisconnect starts reconnecting deviceID. It is a no-op while the device
// is already being reconnected.
func (r *Controller) OnDisconnect(deviceID, reason string) {
	if r.ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	st := r.stateLocked(deviceID)
	if st.reconnecting {
		r.mu.Unlock()
		r.logger.Debug("already reconnecting", "device_id", deviceID, "reason", reason)
		return
	}
	st.reconnecting = true
	r.mu.Unlock()

	c, ok := r.registry.Get(deviceID)
	if !ok {
		r.clear(deviceID)
		return
	}
	r.logger.Info("connection lost, reconnecting", "device_id", deviceID, "reason", reason)
	c.StopReconnectTimer()
	r.scheduleNext(deviceID, c)
}

// ForceReconnect reconnects deviceID immediately, resetting its backoff and
// ignoring the reconnecting mark. Used when the network comes back.
func (r *Controller) ForceReconnect(deviceID string) {
	if r.ctx.Err() != nil {
		return
	}
	c, ok := r.registry.Get(deviceID)
	if !ok {
		return
	}

	r.mu.Lock()
	st := r.stateLocked(deviceID)
	st.reconnecting = true
	st.failures = 0
	st.multiplier = 1
	st.persistent = false
	st.persistentFailures = 0
	r.mu.Unlock()

	r.limiter.Forget(deviceID)
	c.ResetReconnectAttempts()
	c.SetReconnectTimer(time.AfterFunc(0, func() { r.attempt(deviceID) }))
}

// Stop cancels any pending attempt for deviceID and forgets its state.
func (r *Controller) Stop(deviceID string) {
	r.mu.Lock()
	delete(r.states, deviceID)
	r.mu.Unlock()
	r.limiter.Forget(deviceID)
	if c, ok := r.registry.Get(deviceID); ok {
		c.StopReconnectTimer()
	}
}

// Close stops every pending and future attempt.
func (r *Controller) Close() {
	r.cancel()
	r.mu.Lock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}

// IsReconnecting reports whether deviceID carries the reconnecting mark.
func (r *Controller) IsReconnecting(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[deviceID]
	return ok && st.reconnecting
}

// InPersistentMode reports whether deviceID has exhausted normal attempts.
func (r *Controller) InPersistentMode(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[deviceID]
	return ok && st.persistent
}

func (r *Controller) stateLocked(deviceID string) *deviceState {
	st, ok := r.states[deviceID]
	if !ok {
		st = &deviceState{multiplier: 1}
		r.states[deviceID] = st
	}
	return st
}

func (r *Controller) clear(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, deviceID)
}

// nextDelay computes the wait before the next attempt of deviceID.
func (r *Controller) nextDelay(deviceID string, attempt int, now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	st, ok := r.states[deviceID]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	persistent := st.persistent
	persistentFailures := st.persistentFailures
	multiplier := st.multiplier
	r.mu.Unlock()

	if persistent {
		d := PersistentDelay(r.cfg.PersistentStep, r.cfg.PersistentMax, persistentFailures)
		return d + randDuration(r.cfg.PersistentJitter), true
	}

	d := Backoff(r.cfg.BaseDelay, r.cfg.MaxDelay, attempt, multiplier) + randDuration(r.cfg.Jitter)
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	if !r.limiter.Allow(deviceID, now) {
		penalty := r.cfg.RatePenaltyMin + randDuration(r.cfg.RatePenaltyMax-r.cfg.RatePenaltyMin)
		r.logger.Warn("reconnect rate limit exceeded, delaying",
			"device_id", deviceID,
			"attempts_in_window", r.limiter.Count(deviceID, now),
			"penalty", penalty)
		d += penalty
	}
	return d, true
}

func (r *Controller) scheduleNext(deviceID string, c *connection.Connection) {
	if r.ctx.Err() != nil {
		return
	}

	if !r.cfg.Prober.Reachable(r.ctx) {
		r.logger.Warn("network unreachable, postponing reconnect",
			"device_id", deviceID,
			"recheck_in", r.cfg.ProbeInterval)
		c.SetReconnectTimer(time.AfterFunc(r.cfg.ProbeInterval, func() {
			if cur, ok := r.registry.Get(deviceID); ok && r.IsReconnecting(deviceID) {
				r.scheduleNext(deviceID, cur)
			}
		}))
		return
	}

	delay, ok := r.nextDelay(deviceID, c.ReconnectAttempts()+1, r.now())
	if !ok {
		return
	}
	r.logger.Debug("reconnect scheduled",
		"device_id", deviceID,
		"attempt", c.ReconnectAttempts()+1,
		"delay", delay)
	c.SetReconnectTimer(time.AfterFunc(delay, func() { r.attempt(deviceID) }))
}

// attempt makes one reconnect try across the endpoint list.
func (r *Controller) attempt(deviceID string) {
	if r.ctx.Err() != nil || !r.IsReconnecting(deviceID) {
		return
	}
	c, ok := r.registry.Get(deviceID)
	if !ok {
		r.clear(deviceID)
		return
	}
	if c.IsConnected() {
		r.markSucceeded(deviceID)
		return
	}

	n := c.IncReconnectAttempts()
	r.limiter.Record(deviceID, r.now())

	for _, endpoint := range r.endpoints(c.OriginEndpoint()) {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.AttemptTimeout)
		conn, err := r.dialer.Dial(ctx, deviceID, endpoint)
		cancel()
		if err != nil {
			r.logger.Debug("reconnect endpoint failed",
				"device_id", deviceID,
				"endpoint", endpoint,
				"attempt", n,
				"error", err)
			continue
		}
		r.succeed(deviceID, c, conn, endpoint, n)
		return
	}

	r.metrics.RecordReconnect("failure")
	r.fail(deviceID, n)
	r.scheduleNext(deviceID, c)
}

func (r *Controller) succeed(deviceID string, c *connection.Connection, conn transport.Conn, endpoint string, attempt int) {
	if r.ctx.Err() != nil || !r.IsReconnecting(deviceID) {
		// Stopped while dialing.
		_ = conn.Close()
		return
	}
	now := r.now()
	c.SwapTransport(conn, endpoint, now)
	r.markSucceeded(deviceID)
	r.limiter.Forget(deviceID)
	r.metrics.RecordReconnect("success")

	r.logger.Info("reconnected", "device_id", deviceID, "endpoint", endpoint, "attempt", attempt)

	bind, err := types.NewMessage(types.CommandBind, deviceID, nil)
	if err == nil {
		err = c.Send(bind, now)
	}
	if err != nil {
		r.logger.Warn("bind after reconnect failed", "device_id", deviceID, "error", err)
	}
	r.onSuccess(c)
}

// markSucceeded clears the reconnecting mark and the backoff state.
func (r *Controller) markSucceeded(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[deviceID]; ok {
		st.reconnecting = false
		st.failures = 0
		st.multiplier = 1
		st.persistent = false
		st.persistentFailures = 0
	}
}

func (r *Controller) fail(deviceID string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[deviceID]
	if !ok {
		return
	}
	st.failures++
	if st.failures > failuresBeforeBoost {
		st.multiplier = math.Min(st.multiplier*multiplierStep, multiplierCap)
	}
	switch {
	case st.persistent:
		st.persistentFailures++
	case attempt >= r.cfg.MaxAttempts:
		st.persistent = true
		st.persistentFailures = 1
		r.logger.Warn("reconnect attempts exhausted, entering persistent mode",
			"device_id", deviceID,
			"attempts", attempt)
	}
}

func (r *Controller) endpoints(origin string) []string {
	out := make([]string, 0, 1+len(r.cfg.FallbackEndpoints))
	seen := make(map[string]bool)
	for _, ep := range append([]string{origin}, r.cfg.FallbackEndpoints...) {
		if ep == "" || seen[ep] {
			continue
		}
		seen[ep] = true
		out = append(out, ep)
	}
	return out
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
