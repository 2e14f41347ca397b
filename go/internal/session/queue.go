package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quandaryhq/quandary/go/internal/realtime"
)

// BroadcastQueue serializes locally-originated ephemeral events and relays
// them through the channel no faster than one per dispatch interval. Events
// go out in enqueue order; a failed send is reported and skipped, never
// retried. At most one dispatch timer exists at any time: enqueueing onto an
// idle queue starts it, and it stops itself once the queue drains.
type BroadcastQueue struct {
	send     func(ctx context.Context, event realtime.BroadcastEvent) error
	clock    clockwork.Clock
	interval time.Duration

	mu      sync.Mutex
	queue   []realtime.BroadcastEvent
	running bool
	stop    chan struct{}
	closed  bool
}

// NewBroadcastQueue creates an idle queue that sends through fn.
func NewBroadcastQueue(fn func(ctx context.Context, event realtime.BroadcastEvent) error, clock clockwork.Clock, interval time.Duration) *BroadcastQueue {
	return &BroadcastQueue{
		send:     fn,
		clock:    clock,
		interval: interval,
	}
}

// Enqueue appends an event and starts the dispatch timer if it is idle.
func (q *BroadcastQueue) Enqueue(event realtime.BroadcastEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.queue = append(q.queue, event)
	if q.running {
		return
	}
	q.running = true
	q.stop = make(chan struct{})
	go q.dispatch(q.stop)
}

// dispatch pops and sends the oldest queued event on every tick until the
// queue drains.
func (q *BroadcastQueue) dispatch(stop chan struct{}) {
	ticker := q.clock.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			event, ok := q.pop()
			if !ok {
				return
			}
			if err := q.send(context.Background(), event); err != nil {
				log.Error().
					Err(err).
					Str("event", event.Event).
					Msg("failed to send broadcast")
			}
		}
	}
}

// pop removes the queue head. When the queue is empty it marks the timer
// stopped and reports false so the dispatch loop exits.
func (q *BroadcastQueue) pop() (realtime.BroadcastEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		q.running = false
		return realtime.BroadcastEvent{}, false
	}
	event := q.queue[0]
	q.queue = q.queue[1:]
	return event, true
}

// Close drops queued events and stops the dispatch timer.
func (q *BroadcastQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.queue = nil
	if q.running {
		close(q.stop)
		q.running = false
	}
}
