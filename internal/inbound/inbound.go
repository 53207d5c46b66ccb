// ============================================================================
// fleetlink Inbound Queue
// ============================================================================
//
// Package: internal/inbound
// File: inbound.go
//
// Each device owns a FIFO and a processor goroutine. The processor pops the
// head and asks the state machine whether the worker is IDLE:
//
//   not IDLE          → RetryCount++, head stays in place
//   IDLE              → Dispatcher.DispatchTask
//   dispatch error    → RetryCount++, moved to the tail
//   retries exhausted → Reporter.ReportFailure, dropped
//
// Items are paced Interval apart. Wake(deviceID) cuts the current wait short;
// the controller calls it whenever a worker enters IDLE.
//
// ============================================================================

package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/delayqueue"
	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// Defaults.
const (
	DefaultCapacity = 1000
	DefaultInterval = 6 * time.Second
)

var (
	ErrClosed   = errors.New("inbound: queue closed")
	ErrNoDevice = errors.New("inbound: message has no device id")
)

// StateReader exposes the worker state gate.
type StateReader interface {
	CurrentState(deviceID string) types.WorkerState
}

// Dispatcher hands a message to the business layer.
type Dispatcher interface {
	DispatchTask(ctx context.Context, deviceID string, msg types.Message) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, deviceID string, msg types.Message) error

func (f DispatcherFunc) DispatchTask(ctx context.Context, deviceID string, msg types.Message) error {
	return f(ctx, deviceID, msg)
}

// Reporter is told about messages that were dropped undelivered.
type Reporter interface {
	ReportFailure(deviceID string, msg types.Message, reason string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(deviceID string, msg types.Message, reason string)

func (f ReporterFunc) ReportFailure(deviceID string, msg types.Message, reason string) {
	f(deviceID, msg, reason)
}

// Item is one queued message.
type Item struct {
	Message    types.Message
	DeviceID   string
	Seq        uint64
	RetryCount int
	Processed  bool
	EnqueuedAt time.Time
}

// Config configures a Queue.
type Config struct {
	Capacity     int
	Interval     time.Duration
	Policy       retry.Policy
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

type deviceQueue struct {
	items []*Item
	// ready is signalled when an empty FIFO gets an item, wake by Wake.
	ready  chan struct{}
	wake   chan struct{}
	cancel context.CancelFunc
}

// Queue is the set of per-device inbound FIFOs.
type Queue struct {
	cfg        Config
	states     StateReader
	dispatcher Dispatcher
	reporter   Reporter
	delay      *delayqueue.Queue[types.Message]
	logger     *slog.Logger
	metrics    *metrics.Collector
	now        func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceQueue
	seq     uint64
	ctx     context.Context
	closed  bool

	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// New creates a queue. Processors start with Start.
func New(cfg Config, states StateReader, dispatcher Dispatcher, reporter Reporter) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Policy.MaxAttempts == 0 && len(cfg.Policy.Schedule) == 0 && cfg.Policy.Base == 0 {
		cfg.Policy = retry.InboundPolicy
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = delayqueue.DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:        cfg,
		states:     states,
		dispatcher: dispatcher,
		reporter:   reporter,
		delay:      delayqueue.New[types.Message](cfg.PollInterval),
		logger:     cfg.Logger.With("component", "inbound"),
		metrics:    cfg.Metrics,
		now:        time.Now,
		devices:    make(map[string]*deviceQueue),
	}
}

// Start launches the delay queue poller and a processor for every device
// that already has items.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.ctx = ctx
	q.cancel = cancel
	for id, dq := range q.devices {
		q.startProcessorLocked(id, dq)
	}
	q.mu.Unlock()

	q.loopWg.Add(1)
	go func() {
		defer q.loopWg.Done()
		q.delay.Run(ctx, func(msg types.Message) {
			if err := q.Enqueue(msg); err != nil {
				q.logger.Warn("delayed message not requeued", "trace_id", msg.TraceID, "error", err)
			}
		})
	}()
	q.logger.Info("inbound queue started", "interval", q.cfg.Interval, "capacity", q.cfg.Capacity)
}

// Stop ends every processor. Pending items are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	cancel := q.cancel
	for id, dq := range q.devices {
		if dq.cancel != nil {
			dq.cancel()
		}
		delete(q.devices, id)
	}
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.loopWg.Wait()
	q.delay.Drain()
}

// Enqueue appends msg to its device's FIFO. A full FIFO drops its oldest item.
func (q *Queue) Enqueue(msg types.Message) error {
	if msg.DeviceID == "" {
		return ErrNoDevice
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	dq, ok := q.devices[msg.DeviceID]
	if !ok {
		dq = &deviceQueue{ready: make(chan struct{}, 1), wake: make(chan struct{}, 1)}
		q.devices[msg.DeviceID] = dq
		if q.ctx != nil {
			q.startProcessorLocked(msg.DeviceID, dq)
		}
	}

	var evicted *Item
	if len(dq.items) >= q.cfg.Capacity {
		evicted = dq.items[0]
		dq.items[0] = nil
		dq.items = dq.items[1:]
	}
	wasEmpty := len(dq.items) == 0
	q.seq++
	dq.items = append(dq.items, &Item{
		Message:    msg,
		DeviceID:   msg.DeviceID,
		Seq:        q.seq,
		EnqueuedAt: q.now(),
	})
	depth := q.depthLocked()
	q.mu.Unlock()

	if evicted != nil {
		q.metrics.RecordInbound("dropped")
		q.logger.Warn("inbound queue full, oldest message dropped",
			"device_id", msg.DeviceID,
			"dropped_trace_id", evicted.Message.TraceID,
			"capacity", q.cfg.Capacity)
	}
	q.metrics.SetQueueDepth("inbound", depth)
	if wasEmpty {
		signal(dq.ready)
	}
	return nil
}

// EnqueueAt resubmits msg at an absolute time.
func (q *Queue) EnqueueAt(msg types.Message, at time.Time) error {
	if msg.DeviceID == "" {
		return ErrNoDevice
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	q.delay.PushAt(msg, at)
	return nil
}

// Wake skips the pacing wait of deviceID's processor.
func (q *Queue) Wake(deviceID string) {
	q.mu.Lock()
	dq, ok := q.devices[deviceID]
	q.mu.Unlock()
	if ok {
		signal(dq.wake)
	}
}

// RemoveDevice stops the device's processor and discards its items. It
// returns how many queued or delayed messages were dropped.
func (q *Queue) RemoveDevice(deviceID string) int {
	q.mu.Lock()
	dq, ok := q.devices[deviceID]
	removed := 0
	if ok {
		removed = len(dq.items)
		if dq.cancel != nil {
			dq.cancel()
		}
		delete(q.devices, deviceID)
	}
	depth := q.depthLocked()
	q.mu.Unlock()

	removed += q.delay.Remove(func(m types.Message) bool { return m.DeviceID == deviceID })
	q.metrics.SetQueueDepth("inbound", depth)
	if removed > 0 {
		q.logger.Info("device queue removed", "device_id", deviceID, "dropped", removed)
	}
	return removed
}

// Len returns the number of items queued for deviceID.
func (q *Queue) Len(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if dq, ok := q.devices[deviceID]; ok {
		return len(dq.items)
	}
	return 0
}

// Depths returns queued item counts per device.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.devices))
	for id, dq := range q.devices {
		out[id] = len(dq.items)
	}
	return out
}

// DelayedLen returns the number of messages waiting on EnqueueAt.
func (q *Queue) DelayedLen() int {
	return q.delay.Len()
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, dq := range q.devices {
		n += len(dq.items)
	}
	return n
}

func (q *Queue) startProcessorLocked(deviceID string, dq *deviceQueue) {
	ctx, cancel := context.WithCancel(q.ctx)
	dq.cancel = cancel
	q.loopWg.Add(1)
	go func() {
		defer q.loopWg.Done()
		q.process(ctx, deviceID, dq)
	}()
}

func (q *Queue) process(ctx context.Context, deviceID string, dq *deviceQueue) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return
		}
		if q.processOne(ctx, deviceID) {
			timer.Reset(q.cfg.Interval)
			select {
			case <-ctx.Done():
				return
			case <-dq.wake:
				if !timer.Stop() {
					<-timer.C
				}
			case <-timer.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-dq.ready:
		case <-dq.wake:
		}
	}
}

// processOne handles the head of deviceID's FIFO. It reports false when the
// FIFO is empty.
func (q *Queue) processOne(ctx context.Context, deviceID string) bool {
	q.mu.Lock()
	dq, ok := q.devices[deviceID]
	if !ok || len(dq.items) == 0 {
		q.mu.Unlock()
		return false
	}
	it := dq.items[0]
	q.mu.Unlock()

	// A busy worker blocks the whole FIFO, so the head keeps its place and
	// arrival order survives the wait.
	if state := q.states.CurrentState(deviceID); state != types.StateIdle {
		it.RetryCount++
		if q.cfg.Policy.Exhausted(it.RetryCount) {
			q.unlinkHead(dq, it)
			q.drop(it, fmt.Sprintf("worker state %s", state))
			return true
		}
		q.metrics.RecordInbound("requeued")
		return true
	}

	q.unlinkHead(dq, it)
	if err := q.dispatchSafe(ctx, it); err != nil {
		q.logger.Warn("dispatch failed",
			"device_id", deviceID,
			"trace_id", it.Message.TraceID,
			"error", err)
		q.requeue(dq, it, err.Error())
		return true
	}

	it.Processed = true
	q.metrics.RecordInbound("dispatched")
	q.publishDepth()
	q.logger.Debug("message dispatched",
		"device_id", deviceID,
		"command", it.Message.Command,
		"trace_id", it.Message.TraceID,
		"retries", it.RetryCount)
	return true
}

// unlinkHead removes it from the front of dq if it is still there.
func (q *Queue) unlinkHead(dq *deviceQueue, it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(dq.items) > 0 && dq.items[0] == it {
		dq.items[0] = nil
		dq.items = dq.items[1:]
	}
}

func (q *Queue) dispatchSafe(ctx context.Context, it *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return q.dispatcher.DispatchTask(ctx, it.DeviceID, it.Message)
}

// requeue moves a failed item to the tail of its FIFO.
func (q *Queue) requeue(dq *deviceQueue, it *Item, reason string) {
	it.RetryCount++
	if q.cfg.Policy.Exhausted(it.RetryCount) {
		q.drop(it, reason)
		return
	}

	q.mu.Lock()
	if cur, ok := q.devices[it.DeviceID]; ok && cur == dq {
		dq.items = append(dq.items, it)
	}
	q.mu.Unlock()
	q.metrics.RecordInbound("requeued")
}

func (q *Queue) drop(it *Item, reason string) {
	q.metrics.RecordInbound("dropped")
	q.publishDepth()
	q.logger.Warn("inbound message dropped after retries",
		"device_id", it.DeviceID,
		"trace_id", it.Message.TraceID,
		"retries", it.RetryCount-1,
		"reason", reason)
	if q.reporter != nil {
		q.reporter.ReportFailure(it.DeviceID, it.Message, reason)
	}
}

func (q *Queue) publishDepth() {
	q.mu.Lock()
	depth := q.depthLocked()
	q.mu.Unlock()
	q.metrics.SetQueueDepth("inbound", depth)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
