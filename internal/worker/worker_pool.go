// ============================================================================
// fleetlink Worker Pool - bounded task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle: NewPool → Start → Submit / Results → Stop.
//
// Stop cancels running executors and closes stopCh. taskCh is never closed,
// so a Submit racing Stop returns ErrPoolClosed instead of sending on a
// closed channel. resultCh is closed after every worker has exited.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/metrics"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStarted    = errors.New("worker pool already started")
	ErrNoExecutor     = errors.New("worker pool has no executor")
)

// Defaults.
const (
	DefaultWorkers     = 4
	DefaultBufferSize  = 64
	DefaultTaskTimeout = 15 * time.Minute
)

// Config configures a Pool.
type Config struct {
	Workers    int
	BufferSize int
	// DefaultTimeout applies to tasks submitted without one.
	DefaultTimeout time.Duration
	Executor       Executor
	Logger         *slog.Logger
	Metrics        *metrics.Collector
}

// Pool runs Tasks on a fixed set of Workers.
type Pool struct {
	cfg      Config
	executor Executor
	logger   *slog.Logger
	metrics  *metrics.Collector

	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// ctx parents every task context and is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a pool. Workers start with Start.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTaskTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		executor: cfg.Executor,
		logger:   cfg.Logger.With("component", "worker_pool"),
		metrics:  cfg.Metrics,
		taskCh:   make(chan Task, cfg.BufferSize),
		resultCh: make(chan Result, cfg.BufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the configured number of workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.executor == nil {
		return ErrNoExecutor
	}
	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	p.started = true
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)
	return nil
}

// Submit queues task. It blocks while the task buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	if task.Timeout <= 0 {
		task.Timeout = p.cfg.DefaultTimeout
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Results returns the result channel. It is closed after Stop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult blocks for the next result.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop cancels running executors, signals the workers and waits for them.
// Results of cancelled tasks may still be delivered.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
	p.logger.Info("worker pool stopped")
}

// WorkerCount returns the number of started workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Backlog returns the number of submitted tasks not yet picked up.
func (p *Pool) Backlog() int {
	return len(p.taskCh)
}
