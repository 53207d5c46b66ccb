package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetlink/pkg/types"
)

func okExecutor(delay time.Duration) Executor {
	return ExecutorFunc(func(ctx context.Context, task Task) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			return json.RawMessage(`{"ok":true}`), nil
		}
	})
}

func newTask(i int, timeout time.Duration) Task {
	id := fmt.Sprintf("task-%d", i)
	return Task{
		ID:       id,
		DeviceID: "dev-1",
		Command:  types.CommandCollectArticle,
		Message:  types.Message{Command: types.CommandCollectArticle, DeviceID: "dev-1", TraceID: id},
		Timeout:  timeout,
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPoolStart(t *testing.T) {
	pool := NewPool(Config{Workers: 8, Executor: okExecutor(0)})
	assert.False(t, pool.IsStarted())

	require.NoError(t, pool.Start())
	assert.Equal(t, 8, pool.WorkerCount())
	assert.True(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Start(), ErrPoolStarted)

	pool.Stop()
}

func TestStartWithoutExecutor(t *testing.T) {
	assert.ErrorIs(t, NewPool(Config{}).Start(), ErrNoExecutor)
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(Config{Workers: 1, BufferSize: 10, Executor: okExecutor(time.Millisecond)})
	require.NoError(t, pool.Start())
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(newTask(i, time.Second)))
	}

	results := make(map[string]Result)
	for i := 0; i < 10; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.TaskID] = result
	}
	require.Len(t, results, 10)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, "dev-1", r.DeviceID)
		assert.JSONEq(t, `{"ok":true}`, string(r.Data))
	}
}

// ============================================================================
// Timeout and failure
// ============================================================================

func TestTimeout(t *testing.T) {
	pool := NewPool(Config{Workers: 1, Executor: okExecutor(time.Second)})
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask(1, 20*time.Millisecond)))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
	assert.Less(t, result.Duration, 500*time.Millisecond)
}

func TestExecutorFailure(t *testing.T) {
	boom := errors.New("login expired")
	pool := NewPool(Config{Workers: 1, Executor: ExecutorFunc(func(ctx context.Context, task Task) (json.RawMessage, error) {
		return nil, boom
	})})
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask(1, time.Second)))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.TimedOut)
	assert.ErrorIs(t, result.Error, boom)
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	pool := NewPool(Config{Workers: 1, Executor: ExecutorFunc(func(ctx context.Context, task Task) (json.RawMessage, error) {
		panic("nil map")
	})})
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask(1, time.Second)))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error.Error(), "executor panic")

	// The worker survives and keeps serving.
	require.NoError(t, pool.Submit(newTask(2, time.Second)))
	_, err = pool.ReceiveResult()
	require.NoError(t, err)
}

func TestDefaultTimeoutApplied(t *testing.T) {
	var got atomic.Int64
	pool := NewPool(Config{Workers: 1, DefaultTimeout: 42 * time.Second, Executor: ExecutorFunc(func(ctx context.Context, task Task) (json.RawMessage, error) {
		got.Store(int64(task.Timeout))
		return nil, nil
	})})
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask(1, 0)))
	_, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, int64(42*time.Second), got.Load())
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task Task) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})

	pool := NewPool(Config{Workers: 4, BufferSize: 32, Executor: exec})
	require.NoError(t, pool.Start())
	defer pool.Stop()

	for i := 0; i < 16; i++ {
		require.NoError(t, pool.Submit(newTask(i, time.Second)))
	}
	for i := 0; i < 16; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(4), "never more than Workers tasks at once")
	assert.Greater(t, peak.Load(), int32(1))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(Config{Workers: 4, BufferSize: 100, Executor: okExecutor(0)})
	require.NoError(t, pool.Start())
	defer pool.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, pool.Submit(newTask(g*10+i, time.Second)))
			}
		}(g)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[r.TaskID] = true
	}
	wg.Wait()
	assert.Len(t, seen, 100)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(Config{Executor: okExecutor(0)})
	assert.ErrorIs(t, pool.Submit(newTask(1, time.Second)), ErrPoolNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(Config{Executor: okExecutor(0)})
	require.NoError(t, pool.Start())
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(newTask(1, time.Second)), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestStopRacingSubmit(t *testing.T) {
	pool := NewPool(Config{Workers: 1, BufferSize: 1, Executor: okExecutor(5 * time.Millisecond)})
	require.NoError(t, pool.Start())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := pool.Submit(newTask(g*100+i, time.Second)); err != nil {
					assert.ErrorIs(t, err, ErrPoolClosed)
					return
				}
			}
		}(g)
	}
	go func() {
		for range pool.Results() {
		}
	}()

	time.Sleep(10 * time.Millisecond)
	pool.Stop()
	wg.Wait()
}

func TestStopCancelsRunningTask(t *testing.T) {
	started := make(chan struct{})
	pool := NewPool(Config{Workers: 1, Executor: ExecutorFunc(func(ctx context.Context, task Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})})
	require.NoError(t, pool.Start())
	require.NoError(t, pool.Submit(newTask(1, time.Hour)))
	<-started

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a running executor")
	}
}

func TestSimulatedExecutor(t *testing.T) {
	always := NewSimulatedExecutor(0, 100, 1)
	_, err := always.Execute(context.Background(), newTask(1, time.Second))
	assert.ErrorIs(t, err, ErrSimulatedFailure)

	never := NewSimulatedExecutor(time.Millisecond, 0, 1)
	data, err := never.Execute(context.Background(), newTask(2, time.Second))
	require.NoError(t, err)
	assert.Contains(t, string(data), "task-2")

	slow := NewSimulatedExecutor(time.Hour, 0, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Execute(ctx, newTask(3, time.Second))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(Config{Workers: 8, BufferSize: 1024, Executor: okExecutor(0)})
	if err := pool.Start(); err != nil {
		b.Fatal(err)
	}
	defer pool.Stop()

	go func() {
		for i := 0; i < b.N; i++ {
			_ = pool.Submit(newTask(i, time.Second))
		}
	}()
	for i := 0; i < b.N; i++ {
		if _, err := pool.ReceiveResult(); err != nil {
			b.Fatal(err)
		}
	}
}

// ============================================================================
// Process executor
// ============================================================================

func TestProcessExecutorEchoesMessage(t *testing.T) {
	exec := &ProcessExecutor{Path: "cat"}
	data, err := exec.Execute(context.Background(), newTask(7, time.Second))
	require.NoError(t, err)

	var echoed types.Message
	require.NoError(t, json.Unmarshal(data, &echoed))
	assert.Equal(t, "task-7", echoed.TraceID)
}

func TestProcessExecutorPlainOutputAndFailure(t *testing.T) {
	plain := &ProcessExecutor{Path: "sh", Args: []string{"-c", "echo done"}}
	data, err := plain.Execute(context.Background(), newTask(1, time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(data))

	failing := &ProcessExecutor{Path: "sh", Args: []string{"-c", "echo 'captcha required' >&2; exit 3"}}
	_, err = failing.Execute(context.Background(), newTask(2, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "captcha required")

	slow := &ProcessExecutor{Path: "sleep", Args: []string{"5"}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Execute(ctx, newTask(3, time.Second))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
