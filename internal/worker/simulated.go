package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrSimulatedFailure is returned by SimulatedExecutor for its failure share.
var ErrSimulatedFailure = errors.New("simulated execution failure")

// SimulatedExecutor stands in for the real automation: it sleeps a random
// time up to MaxLatency and fails FailureRate percent of the tasks.
type SimulatedExecutor struct {
	MaxLatency  time.Duration
	FailureRate int // 0..100

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedExecutor returns an executor with a seeded source.
func NewSimulatedExecutor(maxLatency time.Duration, failureRate int, seed int64) *SimulatedExecutor {
	return &SimulatedExecutor{
		MaxLatency:  maxLatency,
		FailureRate: failureRate,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (e *SimulatedExecutor) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	e.mu.Lock()
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	var work time.Duration
	if e.MaxLatency > 0 {
		work = time.Duration(e.rnd.Int63n(int64(e.MaxLatency)))
	}
	fail := e.rnd.Intn(100) < e.FailureRate
	e.mu.Unlock()

	timer := time.NewTimer(work)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	if fail {
		return nil, ErrSimulatedFailure
	}
	return json.Marshal(map[string]any{
		"command":  task.Command,
		"trace_id": task.ID,
		"took_ms":  work.Milliseconds(),
	})
}
