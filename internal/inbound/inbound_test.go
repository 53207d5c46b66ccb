package inbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/internal/statemachine"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

type recorder struct {
	mu         sync.Mutex
	dispatched []string
	failed     []string
	err        error
}

func (r *recorder) DispatchTask(ctx context.Context, deviceID string, msg types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.dispatched = append(r.dispatched, msg.TraceID)
	return nil
}

func (r *recorder) ReportFailure(deviceID string, msg types.Message, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, msg.TraceID)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dispatched...)
}

func (r *recorder) drops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

func task(device, trace string) types.Message {
	return types.Message{Command: types.CommandCollectArticle, DeviceID: device, TraceID: trace}
}

// Scenario: a WORKING worker holds its messages until it returns to IDLE,
// then receives them in arrival order.
func TestBusyWorkerHoldsMessagesUntilIdle(t *testing.T) {
	states := statemachine.NewRegistry(statemachine.Config{})
	require.True(t, states.Dispatch("W1", types.StateIdle, nil))
	require.True(t, states.Dispatch("W1", types.StateWorking, nil))

	rec := &recorder{}
	q := New(Config{Interval: 5 * time.Millisecond}, states, rec, rec)
	q.Start(context.Background())
	defer q.Stop()

	for _, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, q.Enqueue(task("W1", id)))
	}

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.got(), "nothing dispatched while WORKING")
	assert.Equal(t, 3, q.Len("W1"))

	require.True(t, states.Dispatch("W1", types.StateIdle, nil))
	q.Wake("W1")

	require.Eventually(t, func() bool { return len(rec.got()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"T1", "T2", "T3"}, rec.got())
	assert.Zero(t, q.Len("W1"))
}

func TestWakeSkipsPacing(t *testing.T) {
	states := statemachine.NewRegistry(statemachine.Config{})
	states.Dispatch("W1", types.StateIdle, nil)

	rec := &recorder{}
	q := New(Config{Interval: time.Hour}, states, rec, rec)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(task("W1", "T1")))
	require.NoError(t, q.Enqueue(task("W1", "T2")))
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.got(), 1, "second item waits out the interval")

	q.Wake("W1")
	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestExhaustedRetriesReportFailure(t *testing.T) {
	states := statemachine.NewRegistry(statemachine.Config{})
	states.Dispatch("W1", types.StateNotLogined, nil)

	rec := &recorder{}
	q := New(Config{Policy: retry.Policy{MaxAttempts: 3, Schedule: []time.Duration{time.Millisecond}}}, states, rec, rec)
	require.NoError(t, q.Enqueue(task("W1", "T1")))

	for i := 0; i < 3; i++ {
		require.True(t, q.processOne(context.Background(), "W1"))
		assert.Equal(t, 1, q.Len("W1"))
	}
	require.True(t, q.processOne(context.Background(), "W1"))
	assert.Zero(t, q.Len("W1"))
	assert.Equal(t, []string{"T1"}, rec.drops())
	assert.Empty(t, rec.got())
}

func TestDispatchErrorMovesToTail(t *testing.T) {
	states := statemachine.NewRegistry(statemachine.Config{})
	states.Dispatch("W1", types.StateIdle, nil)

	rec := &recorder{err: errors.New("executor busy")}
	q := New(Config{}, states, rec, rec)
	require.NoError(t, q.Enqueue(task("W1", "T1")))
	require.NoError(t, q.Enqueue(task("W1", "T2")))

	require.True(t, q.processOne(context.Background(), "W1"))

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	for q.processOne(context.Background(), "W1") {
	}
	assert.Equal(t, []string{"T2", "T1"}, rec.got())
}

func TestDispatcherPanicIsRetried(t *testing.T) {
	states := statemachine.NewRegistry(statemachine.Config{})
	states.Dispatch("W1", types.StateIdle, nil)

	calls := 0
	d := DispatcherFunc(func(ctx context.Context, deviceID string, msg types.Message) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	})
	q := New(Config{}, states, d, nil)
	require.NoError(t, q.Enqueue(task("W1", "T1")))

	require.True(t, q.processOne(context.Background(), "W1"))
	assert.Equal(t, 1, q.Len("W1"))
	require.True(t, q.processOne(context.Background(), "W1"))
	assert.Zero(t, q.Len("W1"))
	assert.Equal(t, 2, calls)
}

func TestCapacityDropsOldest(t *testing.T) {
	states := statemachine.NewRegistry(statemachine.Config{})
	states.Dispatch("W1", types.StateIdle, nil)

	rec := &recorder{}
	q := New(Config{Capacity: 3}, states, rec, rec)
	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(task("W1", fmt.Sprintf("T%d", i))))
	}
	assert.Equal(t, 3, q.Len("W1"))

	for q.processOne(context.Background(), "W1") {
	}
	assert.Equal(t, []string{"T3", "T4", "T5"}, rec.got())
}

func TestEnqueueAtAndRemoveDevice(t *testing.T) {
	states := statemachine.NewRegistry(statemachine.Config{})
	rec := &recorder{}
	q := New(Config{PollInterval: 5 * time.Millisecond}, states, rec, rec)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.EnqueueAt(task("W1", "T1"), time.Now().Add(10*time.Millisecond)))
	require.NoError(t, q.EnqueueAt(task("W2", "T2"), time.Now().Add(time.Hour)))
	assert.Equal(t, 2, q.DelayedLen())

	require.Eventually(t, func() bool { return q.Len("W1") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, q.RemoveDevice("W1"))
	assert.Equal(t, 1, q.RemoveDevice("W2"), "delayed messages go too")
	assert.Zero(t, q.DelayedLen())
	assert.Empty(t, q.Depths())

	assert.ErrorIs(t, q.Enqueue(types.Message{TraceID: "x"}), ErrNoDevice)
}
