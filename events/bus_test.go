// ABOUTME: Tests for the ordered event bus: seq assignment, replay, gap errors, and backpressure detach.
// ABOUTME: Uses testify for assertions; keepalives are disabled unless a test enables them.
package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/diagram"
)

func newTestBus(opts ...BusOption) *Bus {
	base := []BusOption{WithKeepAliveInterval(0)}
	return NewBus(append(base, opts...)...)
}

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublish_SeqStartsAtOneAndIncrements(t *testing.T) {
	bus := newTestBus()
	execID := diagram.ExecutionID("exec-1")
	bus.Register(execID, 0)

	e1, err := bus.Publish(execID, ExecutionStarted, nil)
	require.NoError(t, err)
	e2, err := bus.Publish(execID, NodeStarted, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
}

func TestPublish_UnknownExecution(t *testing.T) {
	bus := newTestBus()
	_, err := bus.Publish(diagram.ExecutionID("nope"), NodeStarted, nil)
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestSubscribe_LiveOnly(t *testing.T) {
	bus := newTestBus()
	execID := diagram.ExecutionID("exec-live")
	bus.Register(execID, 0)

	_, err := bus.Publish(execID, ExecutionStarted, nil)
	require.NoError(t, err)

	sub, err := bus.Subscribe(execID)
	require.NoError(t, err)

	_, err = bus.Publish(execID, NodeStarted, nil)
	require.NoError(t, err)

	got := collect(sub, 1, time.Second)
	require.Len(t, got, 1)
	// The pre-subscription event must not be delivered.
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, NodeStarted, got[0].Type)
}

func TestSubscribeFrom_ReplayThenLive(t *testing.T) {
	bus := newTestBus()
	execID := diagram.ExecutionID("exec-replay")
	bus.Register(execID, 0)

	for i := 0; i < 10; i++ {
		_, err := bus.Publish(execID, NodeCompleted, map[string]any{"i": i})
		require.NoError(t, err)
	}

	sub, err := bus.SubscribeFrom(execID, 7)
	require.NoError(t, err)

	got := collect(sub, 3, time.Second)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint64(8+i), e.Seq, "replayed events must be in seq order")
	}

	// Live events follow the replay without duplication.
	_, err = bus.Publish(execID, ExecutionCompleted, nil)
	require.NoError(t, err)
	live := collect(sub, 1, time.Second)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(11), live[0].Seq)
}

func TestSubscribeFrom_GapError(t *testing.T) {
	bus := newTestBus(WithRingLen(4))
	execID := diagram.ExecutionID("exec-gap")
	bus.Register(execID, 4)

	for i := 0; i < 10; i++ {
		_, err := bus.Publish(execID, NodeCompleted, nil)
		require.NoError(t, err)
	}

	// Ring holds seqs 7..10; resuming from 2 crosses the gap.
	_, err := bus.SubscribeFrom(execID, 2)
	var gap *GapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, uint64(7), gap.Oldest)

	// Resuming from 6 is fine: 7..10 are all retained.
	sub, err := bus.SubscribeFrom(execID, 6)
	require.NoError(t, err)
	got := collect(sub, 4, time.Second)
	assert.Len(t, got, 4)
}

func TestSubscribeFrom_ExactlyOnceDelivery(t *testing.T) {
	bus := newTestBus()
	execID := diagram.ExecutionID("exec-once")
	bus.Register(execID, 0)

	for i := 0; i < 10; i++ {
		_, err := bus.Publish(execID, TokenPublished, nil)
		require.NoError(t, err)
	}

	sub, err := bus.SubscribeFrom(execID, 0)
	require.NoError(t, err)

	got := collect(sub, 10, time.Second)
	require.Len(t, got, 10)
	seen := make(map[uint64]bool)
	for _, e := range got {
		assert.False(t, seen[e.Seq], "seq %d delivered twice", e.Seq)
		seen[e.Seq] = true
	}
	for s := uint64(1); s <= 10; s++ {
		assert.True(t, seen[s], "seq %d missing", s)
	}
}

func TestBackpressure_DetachesSlowSubscriber(t *testing.T) {
	bus := newTestBus(WithOutboxMax(2))
	execID := diagram.ExecutionID("exec-slow")
	bus.Register(execID, 0)

	sub, err := bus.Subscribe(execID)
	require.NoError(t, err)

	// Never read from sub.C: the outbox (cap 2) overflows on the third
	// publish and the subscriber is detached.
	for i := 0; i < 5; i++ {
		_, err := bus.Publish(execID, NodeCompleted, nil)
		require.NoError(t, err)
	}

	// Drain whatever was buffered; the channel must close afterwards.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				assert.ErrorIs(t, sub.Err(), ErrBackpressureDetached)
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed after detach")
		}
	}
}

func TestFinish_ClosesSubscribers(t *testing.T) {
	bus := newTestBus()
	execID := diagram.ExecutionID("exec-finish")
	bus.Register(execID, 0)

	sub, err := bus.Subscribe(execID)
	require.NoError(t, err)

	_, err = bus.Publish(execID, ExecutionCompleted, nil)
	require.NoError(t, err)
	bus.Finish(execID)

	got := collect(sub, 2, time.Second)
	require.Len(t, got, 1)
	assert.NoError(t, sub.Err())

	// Replay still works after Finish.
	replay, err := bus.SubscribeFrom(execID, 0)
	require.NoError(t, err)
	got = collect(replay, 1, time.Second)
	assert.Len(t, got, 1)
}

func TestKeepAlive_CarriesLatestSeq(t *testing.T) {
	bus := NewBus(WithKeepAliveInterval(10 * time.Millisecond))
	execID := diagram.ExecutionID("exec-ka")
	bus.Register(execID, 0)
	defer bus.Drop(execID)

	_, err := bus.Publish(execID, ExecutionStarted, nil)
	require.NoError(t, err)

	sub, err := bus.Subscribe(execID)
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Type != KeepAlive {
				continue
			}
			assert.Equal(t, uint64(1), e.Seq)
			assert.EqualValues(t, uint64(1), e.Payload["latest_seq"])
			return
		case <-deadline:
			t.Fatal("no keepalive received")
		}
	}
}

func TestRing_AfterAndEviction(t *testing.T) {
	r := newRing(3)
	for s := uint64(1); s <= 5; s++ {
		r.append(Event{Seq: s})
	}
	assert.Equal(t, uint64(3), r.oldestSeq())
	got := r.after(3)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)
	assert.Empty(t, r.after(10))
}
