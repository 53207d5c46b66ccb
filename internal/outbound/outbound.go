// ============================================================================
// fleetlink Outbound Queue
// ============================================================================
//
// Package: internal/outbound
// File: outbound.go
//
// One global heap ordered by (priority desc, seq asc). The send loop peeks
// the head:
//
//   target not connected → pop, RetryCount++, then either drop (past the
//                          policy) or park on the delay queue (5s, 10s, 20s)
//   connected, send ok   → pop, OnSent
//   connected, send err  → RetryCount++ in place, drop once past the policy
//
// Items come out of the delay queue with their original priority and a new
// sequence number. A token bucket paces sends at one per Interval.
//
// ============================================================================

package outbound

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/fleetlink/internal/delayqueue"
	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// Priorities. Higher is sent first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// DefaultInterval is the pacing between two sends.
const DefaultInterval = 100 * time.Millisecond

var (
	ErrClosed        = errors.New("outbound: queue closed")
	ErrNoDevice      = errors.New("outbound: message has no target device")
	ErrUndeliverable = errors.New("outbound: retries exhausted")
)

// Sender delivers messages. The connection pool implements it.
type Sender interface {
	Send(ctx context.Context, deviceID string, msg types.Message) error
	IsConnected(deviceID string) bool
}

// Item is one queued message with its delivery metadata.
type Item struct {
	Message    types.Message
	DeviceID   string
	Priority   int
	Seq        uint64
	RetryCount int
	EnqueuedAt time.Time
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Config configures a Queue.
type Config struct {
	Policy   retry.Policy
	Interval time.Duration
	// PollInterval is how often the delay queue and an idle loop wake up.
	PollInterval time.Duration
	OnSent       func(Item)
	OnFailed     func(Item, error)
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// Queue is the outbound priority queue.
type Queue struct {
	cfg     Config
	sender  Sender
	delay   *delayqueue.Queue[*Item]
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	notify  chan struct{}

	mu     sync.Mutex
	h      itemHeap
	seq    uint64
	closed bool

	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// New creates a queue delivering through sender.
func New(cfg Config, sender Sender) *Queue {
	if cfg.Policy.MaxAttempts == 0 && len(cfg.Policy.Schedule) == 0 && cfg.Policy.Base == 0 {
		cfg.Policy = retry.OutboundPolicy
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = delayqueue.DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		sender:  sender,
		delay:   delayqueue.New[*Item](cfg.PollInterval),
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		logger:  cfg.Logger.With("component", "outbound"),
		metrics: cfg.Metrics,
		now:     time.Now,
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue adds msg for deviceID at priority.
func (q *Queue) Enqueue(deviceID string, msg types.Message, priority int) error {
	if deviceID == "" {
		deviceID = msg.DeviceID
	}
	if deviceID == "" {
		return ErrNoDevice
	}
	if msg.DeviceID == "" {
		msg = msg.WithDevice(deviceID)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.h, &Item{
		Message:    msg,
		DeviceID:   deviceID,
		Priority:   priority,
		Seq:        q.seq,
		EnqueuedAt: q.now(),
	})
	depth := len(q.h)
	q.mu.Unlock()

	q.metrics.SetQueueDepth("outbound", depth)
	q.wake()
	return nil
}

// requeue puts a parked item back with a fresh sequence number.
func (q *Queue) requeue(it *Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	it.Seq = q.seq
	heap.Push(&q.h, it)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start launches the send loop and the delay queue poller.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.loopWg.Add(2)
	go func() {
		defer q.loopWg.Done()
		q.delay.Run(ctx, q.requeue)
	}()
	go func() {
		defer q.loopWg.Done()
		q.sendLoop(ctx)
	}()
	q.logger.Info("outbound queue started", "interval", q.cfg.Interval)
}

// Stop ends the loops. Items still queued are dropped and returned.
func (q *Queue) Stop() []Item {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.loopWg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	var left []Item
	for _, it := range q.h {
		left = append(left, *it)
	}
	for _, it := range q.delay.Drain() {
		left = append(left, *it)
	}
	q.h = nil
	return left
}

func (q *Queue) sendLoop(ctx context.Context) {
	for {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		if q.processOne(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// processOne handles the head of the queue. It reports false when the queue
// is empty.
func (q *Queue) processOne(ctx context.Context) bool {
	q.mu.Lock()
	if len(q.h) == 0 {
		q.mu.Unlock()
		return false
	}
	head := q.h[0]
	q.mu.Unlock()

	if !q.sender.IsConnected(head.DeviceID) {
		q.pop(head)
		head.RetryCount++
		if q.cfg.Policy.Exhausted(head.RetryCount) {
			q.drop(head, fmt.Errorf("%w: device %s not connected", ErrUndeliverable, head.DeviceID))
			return true
		}
		delay := q.cfg.Policy.Delay(head.RetryCount)
		q.delay.PushAt(head, q.now().Add(delay))
		q.metrics.RecordOutbound("deferred")
		q.logger.Debug("target offline, message deferred",
			"device_id", head.DeviceID,
			"trace_id", head.Message.TraceID,
			"retry", head.RetryCount,
			"delay", delay)
		return true
	}

	err := q.sender.Send(ctx, head.DeviceID, head.Message)
	if err == nil {
		q.pop(head)
		q.metrics.RecordOutbound("sent")
		if q.cfg.OnSent != nil {
			q.cfg.OnSent(*head)
		}
		return true
	}

	head.RetryCount++
	q.logger.Warn("send failed",
		"device_id", head.DeviceID,
		"trace_id", head.Message.TraceID,
		"retry", head.RetryCount,
		"error", err)
	if q.cfg.Policy.Exhausted(head.RetryCount) {
		q.pop(head)
		q.drop(head, fmt.Errorf("%w: %v", ErrUndeliverable, err))
	}
	return true
}

// pop removes it when it is still the head.
func (q *Queue) pop(it *Item) {
	q.mu.Lock()
	if len(q.h) > 0 && q.h[0] == it {
		heap.Pop(&q.h)
	} else {
		for i, cand := range q.h {
			if cand == it {
				heap.Remove(&q.h, i)
				break
			}
		}
	}
	depth := len(q.h)
	q.mu.Unlock()
	q.metrics.SetQueueDepth("outbound", depth)
}

func (q *Queue) drop(it *Item, err error) {
	q.metrics.RecordOutbound("failed")
	q.logger.Warn("message dropped",
		"device_id", it.DeviceID,
		"command", it.Message.Command,
		"trace_id", it.Message.TraceID,
		"retries", it.RetryCount,
		"error", err)
	if q.cfg.OnFailed != nil {
		q.cfg.OnFailed(*it, err)
	}
}

// Len returns the number of items ready to send.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// DelayedLen returns the number of parked items.
func (q *Queue) DelayedLen() int {
	return q.delay.Len()
}

// RemoveDevice drops every queued and parked item for deviceID.
func (q *Queue) RemoveDevice(deviceID string) int {
	q.mu.Lock()
	kept := q.h[:0]
	removed := 0
	for _, it := range q.h {
		if it.DeviceID == deviceID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	heap.Init(&q.h)
	q.mu.Unlock()

	removed += q.delay.Remove(func(it *Item) bool { return it.DeviceID == deviceID })
	return removed
}
