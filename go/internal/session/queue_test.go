package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quandaryhq/quandary/go/internal/realtime"
)

const testDispatchInterval = 200 * time.Millisecond

func event(name string) realtime.BroadcastEvent {
	return realtime.BroadcastEvent{Event: name, Payload: json.RawMessage(`{}`)}
}

func TestBroadcastQueueSendsInOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sent := make(chan realtime.BroadcastEvent, 8)
	q := NewBroadcastQueue(func(ctx context.Context, ev realtime.BroadcastEvent) error {
		sent <- ev
		return nil
	}, clock, testDispatchInterval)
	defer q.Close()

	// Three enqueues onto an idle queue start exactly one dispatch timer.
	q.Enqueue(event("first"))
	q.Enqueue(event("second"))
	q.Enqueue(event("third"))

	for _, want := range []string{"first", "second", "third"} {
		clock.BlockUntil(1)
		clock.Advance(testDispatchInterval)
		select {
		case got := <-sent:
			assert.Equal(t, want, got.Event)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	// The next tick finds the queue empty and stops the timer.
	clock.BlockUntil(1)
	clock.Advance(testDispatchInterval)
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.running
	}, time.Second, 5*time.Millisecond)

	select {
	case ev := <-sent:
		t.Fatalf("unexpected extra send %q", ev.Event)
	default:
	}
}

func TestBroadcastQueueContinuesAfterSendFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sent := make(chan realtime.BroadcastEvent, 8)
	q := NewBroadcastQueue(func(ctx context.Context, ev realtime.BroadcastEvent) error {
		if ev.Event == "bad" {
			return errors.New("transport said no")
		}
		sent <- ev
		return nil
	}, clock, testDispatchInterval)
	defer q.Close()

	q.Enqueue(event("bad"))
	q.Enqueue(event("good"))

	// The failed event is skipped, not retried; the next one still goes out.
	clock.BlockUntil(1)
	clock.Advance(testDispatchInterval)
	clock.BlockUntil(1)
	clock.Advance(testDispatchInterval)

	select {
	case got := <-sent:
		assert.Equal(t, "good", got.Event)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send after failure")
	}
}

func TestBroadcastQueueRestartsAfterDrain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sent := make(chan realtime.BroadcastEvent, 8)
	q := NewBroadcastQueue(func(ctx context.Context, ev realtime.BroadcastEvent) error {
		sent <- ev
		return nil
	}, clock, testDispatchInterval)
	defer q.Close()

	q.Enqueue(event("first"))
	clock.BlockUntil(1)
	clock.Advance(testDispatchInterval)
	require.Equal(t, "first", (<-sent).Event)

	clock.BlockUntil(1)
	clock.Advance(testDispatchInterval)
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.running
	}, time.Second, 5*time.Millisecond)

	// A fresh enqueue starts a new timer.
	q.Enqueue(event("second"))
	clock.BlockUntil(1)
	clock.Advance(testDispatchInterval)
	require.Equal(t, "second", (<-sent).Event)
}

func TestBroadcastQueueCloseDropsPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sent := make(chan realtime.BroadcastEvent, 8)
	q := NewBroadcastQueue(func(ctx context.Context, ev realtime.BroadcastEvent) error {
		sent <- ev
		return nil
	}, clock, testDispatchInterval)

	q.Enqueue(event("doomed"))
	q.Close()

	clock.Advance(testDispatchInterval * 3)
	time.Sleep(50 * time.Millisecond)

	select {
	case ev := <-sent:
		t.Fatalf("unexpected send after close: %q", ev.Event)
	default:
	}

	// Enqueue after close is a no-op.
	q.Enqueue(event("late"))
	q.mu.Lock()
	assert.Empty(t, q.queue)
	assert.False(t, q.running)
	q.mu.Unlock()
}
