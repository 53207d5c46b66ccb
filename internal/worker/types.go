package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// Task is one dispatched business command.
type Task struct {
	ID       string // trace id
	DeviceID string
	Command  types.Command
	Message  types.Message
	Timeout  time.Duration
}

// Result is the outcome of one Task.
type Result struct {
	TaskID   string
	DeviceID string
	Success  bool
	TimedOut bool
	Error    error
	Data     json.RawMessage // executor output, forwarded in the receipt
	Duration time.Duration
}

// Executor runs the automation behind a business command. It must honour
// ctx: the pool cancels it when the task's timeout elapses.
type Executor interface {
	Execute(ctx context.Context, task Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	return f(ctx, task)
}
