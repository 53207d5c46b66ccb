package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetlink/pkg/types"
)

type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	sendErr   error
	sent      []string // trace ids in send order
}

func newFakeSender(connected ...string) *fakeSender {
	s := &fakeSender{connected: make(map[string]bool)}
	for _, id := range connected {
		s.connected[id] = true
	}
	return s
}

func (s *fakeSender) Send(ctx context.Context, deviceID string, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg.TraceID)
	return nil
}

func (s *fakeSender) IsConnected(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[deviceID]
}

func (s *fakeSender) setConnected(id string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[id] = v
}

func (s *fakeSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func msg(trace string) types.Message {
	return types.Message{Command: types.CommandReceipt, TraceID: trace}
}

func TestPriorityThenFIFO(t *testing.T) {
	s := newFakeSender("dev")
	q := New(Config{}, s)

	require.NoError(t, q.Enqueue("dev", msg("n1"), PriorityNormal))
	require.NoError(t, q.Enqueue("dev", msg("l1"), PriorityLow))
	require.NoError(t, q.Enqueue("dev", msg("h1"), PriorityHigh))
	require.NoError(t, q.Enqueue("dev", msg("n2"), PriorityNormal))
	require.NoError(t, q.Enqueue("dev", msg("h2"), PriorityHigh))

	for q.processOne(context.Background()) {
	}
	assert.Equal(t, []string{"h1", "h2", "n1", "n2", "l1"}, s.sentIDs())
	assert.Zero(t, q.Len())
}

func TestOfflineTargetRetrySchedule(t *testing.T) {
	s := newFakeSender()
	var failed []Item
	q := New(Config{OnFailed: func(it Item, err error) {
		assert.ErrorIs(t, err, ErrUndeliverable)
		failed = append(failed, it)
	}}, s)

	clock := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Enqueue("dev", msg("t1"), PriorityNormal))

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		require.True(t, q.processOne(context.Background()))
		next, ok := q.delay.NextAt()
		require.True(t, ok)
		delays = append(delays, next.Sub(clock))

		clock = next
		for _, it := range q.delay.PopDue(clock) {
			q.requeue(it)
		}
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, delays)

	// Fourth offline pass exceeds the policy.
	require.True(t, q.processOne(context.Background()))
	require.Len(t, failed, 1)
	assert.Equal(t, 4, failed[0].RetryCount)
	assert.Zero(t, q.Len())
	assert.Zero(t, q.DelayedLen())
}

func TestDeferredItemKeepsPriority(t *testing.T) {
	s := newFakeSender()
	q := New(Config{}, s)
	clock := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Enqueue("dev", msg("high"), PriorityHigh))
	require.True(t, q.processOne(context.Background()))
	require.Equal(t, 1, q.DelayedLen())

	s.setConnected("dev", true)
	require.NoError(t, q.Enqueue("dev", msg("low"), PriorityLow))
	for _, it := range q.delay.PopDue(clock.Add(5 * time.Second)) {
		q.requeue(it)
	}

	for q.processOne(context.Background()) {
	}
	assert.Equal(t, []string{"high", "low"}, s.sentIDs())
}

func TestSendFailureRetriesInPlace(t *testing.T) {
	s := newFakeSender("dev")
	s.sendErr = errors.New("write: broken pipe")

	var failed []Item
	q := New(Config{OnFailed: func(it Item, err error) { failed = append(failed, it) }}, s)
	require.NoError(t, q.Enqueue("dev", msg("t1"), PriorityNormal))

	for i := 0; i < 3; i++ {
		require.True(t, q.processOne(context.Background()))
		assert.Equal(t, 1, q.Len(), "still at the head after failure %d", i+1)
	}
	require.True(t, q.processOne(context.Background()))
	assert.Zero(t, q.Len())
	require.Len(t, failed, 1)
	assert.Zero(t, q.DelayedLen(), "in-place retries never park")
}

func TestOnSentCallback(t *testing.T) {
	s := newFakeSender("dev")
	var sent []string
	q := New(Config{OnSent: func(it Item) { sent = append(sent, it.Message.TraceID) }}, s)

	require.NoError(t, q.Enqueue("", types.Message{Command: types.CommandReceipt, DeviceID: "dev", TraceID: "t1"}, PriorityHigh))
	require.True(t, q.processOne(context.Background()))
	assert.Equal(t, []string{"t1"}, sent)

	assert.ErrorIs(t, q.Enqueue("", msg("nodev"), PriorityLow), ErrNoDevice)
}

func TestRunLoopDelivers(t *testing.T) {
	s := newFakeSender("dev")
	q := New(Config{Interval: time.Millisecond, PollInterval: 5 * time.Millisecond}, s)
	q.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue("dev", msg(id), PriorityNormal))
	}
	require.Eventually(t, func() bool { return len(s.sentIDs()) == 3 }, time.Second, 5*time.Millisecond)

	assert.Empty(t, q.Stop())
	assert.ErrorIs(t, q.Enqueue("dev", msg("late"), PriorityNormal), ErrClosed)
}

func TestRemoveDevice(t *testing.T) {
	s := newFakeSender()
	q := New(Config{}, s)

	require.NoError(t, q.Enqueue("dev-1", msg("a"), PriorityNormal))
	require.NoError(t, q.Enqueue("dev-2", msg("b"), PriorityNormal))
	require.True(t, q.processOne(context.Background())) // parks dev-1's item
	require.NoError(t, q.Enqueue("dev-1", msg("c"), PriorityNormal))

	assert.Equal(t, 2, q.RemoveDevice("dev-1"))
	assert.Equal(t, 1, q.Len())
	assert.Zero(t, q.DelayedLen())
}
