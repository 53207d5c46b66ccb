// ============================================================================
// fleetlink Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Each Worker is a goroutine looping over the shared task channel:
//
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ task := <-taskCh             │   │
//   │  │   ├─ context with timeout    │   │
//   │  │   ├─ executor.Execute(task)  │   │
//   │  │   └─ result → resultCh       │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// A panicking executor is turned into a failed Result. A task that outlives
// its timeout is reported with TimedOut set. Stopping the pool cancels the
// task context.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/metrics"
)

// Worker is one execution goroutine of a Pool.
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	ctx      context.Context
	executor Executor
	logger   *slog.Logger
	metrics  *metrics.Collector
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		taskCh:   p.taskCh,
		resultCh: p.resultCh,
		stopCh:   p.stopCh,
		ctx:      p.ctx,
		executor: p.executor,
		logger:   p.logger.With("worker_id", id),
		metrics:  p.metrics,
	}
}

// Run executes tasks until the pool stops.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.runTask(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				w.logger.Warn("result discarded on shutdown", "task_id", result.TaskID)
				return
			}
		}
	}
}

func (w *Worker) runTask(task Task) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(w.ctx, task.Timeout)
	defer cancel()

	data, err := w.execute(ctx, task)
	result := Result{
		TaskID:   task.ID,
		DeviceID: task.DeviceID,
		Success:  err == nil,
		Error:    err,
		Data:     data,
		Duration: time.Since(start),
	}
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded) {
		result.TimedOut = true
	}

	outcome := "success"
	switch {
	case result.TimedOut:
		outcome = "timeout"
	case !result.Success:
		outcome = "failure"
	}
	w.metrics.RecordTask(outcome, result.Duration)
	w.logger.Debug("task finished",
		"task_id", task.ID,
		"device_id", task.DeviceID,
		"command", task.Command,
		"outcome", outcome,
		"duration", result.Duration)
	return result
}

// execute runs the executor and converts a panic into an error.
func (w *Worker) execute(ctx context.Context, task Task) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("executor panic", "task_id", task.ID, "panic", r)
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return w.executor.Execute(ctx, task)
}
