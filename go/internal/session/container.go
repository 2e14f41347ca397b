package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quandaryhq/quandary/go/internal/realtime"
)

// SubscribeFunc opens a realtime channel for one session. The container owns
// the returned channel and closes it on teardown or forced resubscription.
type SubscribeFunc func(ctx context.Context, sessionID uuid.UUID) (realtime.Channel, error)

// Deps are the collaborators a container needs.
type Deps struct {
	Subscribe SubscribeFunc
	Repo      Repository
	Notifier  Notifier
	Clock     clockwork.Clock
	Config    Config

	// MessageSink receives confirmed chat-message inserts, already
	// de-duplicated by row id. Optional.
	MessageSink func(change realtime.RowChange)
}

// Container binds one session's store, presence reconciler, broadcast queue,
// and convergence engine to a realtime channel subscription. It lives from
// page mount to unmount; Close tears down every timer and the channel
// synchronously.
type Container struct {
	store    *Store
	presence *PresenceReconciler
	queue    *BroadcastQueue
	engine   *Engine
	deps     Deps

	mu      sync.Mutex
	channel realtime.Channel
	closed  bool
	done    chan struct{}

	seenMu       sync.Mutex
	seenMessages map[uuid.UUID]bool
}

// Open subscribes to the session's channel, wires every event source into
// the store, and announces presence. The caller must Close the container.
func Open(ctx context.Context, currentUser User, record Record, deps Deps) (*Container, error) {
	store := NewStore(currentUser, record)

	c := &Container{
		store:        store,
		deps:         deps,
		done:         make(chan struct{}),
		seenMessages: make(map[uuid.UUID]bool),
	}

	c.presence = NewPresenceReconciler(store, deps.Notifier, deps.Clock, deps.Config.LeaveDebounce)
	c.queue = NewBroadcastQueue(c.sendEvent, deps.Clock, deps.Config.DispatchInterval)
	c.engine = NewEngine(store, deps.Repo, c.queue, deps.Notifier)

	channel, err := deps.Subscribe(ctx, record.ID)
	if err != nil {
		c.presence.Close()
		c.queue.Close()
		return nil, fmt.Errorf("subscribe session channel: %w", err)
	}
	c.bind(channel)

	if err := c.trackWithRetry(ctx); err != nil {
		log.Warn().Err(err).Msg("presence tracking failed, forcing resubscribe")
		if err := c.resubscribe(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}

	go c.heartbeat()

	log.Info().
		Str("session_id", record.ID.String()).
		Str("user_id", currentUser.ID).
		Msg("session container opened")
	return c, nil
}

// Store exposes the session state for projections.
func (c *Container) Store() *Store { return c.store }

// Engine exposes the convergence operations for the presentation layer.
func (c *Container) Engine() *Engine { return c.engine }

// bind registers all inbound callbacks on a channel. Callbacks read current
// state through the store, so a single registration stays correct for the
// channel's whole lifetime.
func (c *Container) bind(channel realtime.Channel) {
	c.mu.Lock()
	c.channel = channel
	c.mu.Unlock()

	channel.OnPresenceSync(func(snapshot []realtime.PresenceMeta) {
		c.presence.Sync(snapshot)
	})

	channel.OnRowChange(realtime.TableSessions, c.handleSessionChange)
	channel.OnRowChange(realtime.TableMessages, c.handleMessageChange)

	channel.OnBroadcast(realtime.EventToast, c.handleToast)
	channel.OnBroadcast(realtime.EventTypingState, c.handleTypingState)
	channel.OnBroadcast(realtime.EventPing, func(json.RawMessage) {
		// Keep-alive only; carries no state.
	})
}

func (c *Container) handleSessionChange(change realtime.RowChange) {
	if change.Kind != realtime.ChangeUpdate && change.Kind != realtime.ChangeInsert {
		return
	}
	patch, err := ParseRecordPatch(change.New)
	if err != nil {
		log.Error().Err(err).Msg("undecodable session row change")
		return
	}
	if err := c.store.Apply(RecordUpdated{Patch: &patch}); err != nil {
		log.Error().Err(err).Msg("failed to apply session row change")
	}
}

// handleMessageChange forwards confirmed chat-message inserts, dropping
// redelivered ids. The channel guarantees nothing beyond at-most-once per
// call, and a resubscribe can replay recent inserts.
func (c *Container) handleMessageChange(change realtime.RowChange) {
	if change.Kind != realtime.ChangeInsert || c.deps.MessageSink == nil {
		return
	}
	c.seenMu.Lock()
	if c.seenMessages[change.RowID] {
		c.seenMu.Unlock()
		return
	}
	c.seenMessages[change.RowID] = true
	c.seenMu.Unlock()

	c.deps.MessageSink(change)
}

func (c *Container) handleToast(payload json.RawMessage) {
	var toast realtime.Toast
	if err := json.Unmarshal(payload, &toast); err != nil {
		log.Error().Err(err).Msg("undecodable toast broadcast")
		return
	}
	if toast.DontShowToUserID == c.store.State().CurrentUser.ID {
		return
	}
	c.deps.Notifier.Notify(toast.Status, toast.Title, toast.Description)
}

func (c *Container) handleTypingState(payload json.RawMessage) {
	var state realtime.TypingState
	if err := json.Unmarshal(payload, &state); err != nil {
		log.Error().Err(err).Msg("undecodable typing broadcast")
		return
	}
	if err := c.store.Apply(TypingStateChanged{UserID: state.UserID, IsTyping: state.IsTyping}); err != nil {
		log.Error().Err(err).Msg("failed to apply typing state")
	}
}

// SetTyping applies the local user's typing state and relays it to the rest
// of the group through the queue.
func (c *Container) SetTyping(isTyping bool) error {
	userID := c.store.State().CurrentUser.ID
	if err := c.store.Apply(TypingStateChanged{UserID: userID, IsTyping: isTyping}); err != nil {
		return err
	}
	event, err := realtime.NewTypingEvent(realtime.TypingState{UserID: userID, IsTyping: isTyping})
	if err != nil {
		return err
	}
	c.queue.Enqueue(event)
	return nil
}

// ShareToast shows a notice locally and relays it to everyone else.
func (c *Container) ShareToast(status realtime.ToastStatus, title, description string) error {
	state := c.store.State()
	c.deps.Notifier.Notify(status, title, description)

	event, err := realtime.NewToastEvent(realtime.Toast{
		Status:           status,
		Title:            title,
		Description:      description,
		DontShowToUserID: state.CurrentUser.ID,
	})
	if err != nil {
		return err
	}
	c.queue.Enqueue(event)
	return nil
}

// sendEvent relays one queued event through whichever channel is currently
// bound.
func (c *Container) sendEvent(ctx context.Context, event realtime.BroadcastEvent) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("session channel closed")
	}
	return channel.Send(ctx, event)
}

// trackWithRetry announces presence with a bounded number of jittered
// retries.
func (c *Container) trackWithRetry(ctx context.Context) error {
	state := c.store.State()
	meta := realtime.PresenceMeta{UserID: state.CurrentUser.ID, Name: state.CurrentUser.Name}

	var lastErr error
	for attempt := 0; attempt < c.deps.Config.TrackAttempts; attempt++ {
		if attempt > 0 {
			base := c.deps.Config.TrackRetryBase
			delay := base*time.Duration(attempt) + time.Duration(rand.Int63n(int64(base)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.deps.Clock.After(delay):
			}
		}

		c.mu.Lock()
		channel := c.channel
		c.mu.Unlock()

		if err := channel.Track(ctx, meta); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("presence track failed")
			continue
		}
		return nil
	}
	return fmt.Errorf("track presence after %d attempts: %w", c.deps.Config.TrackAttempts, lastErr)
}

// resubscribe replaces the channel with a fresh subscription after a
// terminal transport failure.
func (c *Container) resubscribe(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.deps.Clock.After(c.deps.Config.ResubscribeDelay):
	}

	c.mu.Lock()
	old := c.channel
	c.channel = nil
	sessionID := c.store.State().Record.ID
	c.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to close stale channel")
		}
	}

	channel, err := c.deps.Subscribe(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("resubscribe session channel: %w", err)
	}
	c.bind(channel)

	if err := c.trackWithRetry(ctx); err != nil {
		return err
	}

	log.Info().Str("session_id", sessionID.String()).Msg("channel resubscribed")
	return nil
}

// heartbeat sends a ping broadcast on a fixed interval to keep the transport
// connection alive.
func (c *Container) heartbeat() {
	ticker := c.deps.Clock.NewTicker(c.deps.Config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			if err := c.sendEvent(context.Background(), realtime.NewPingEvent()); err != nil {
				log.Warn().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

// Close tears the container down: every pending presence timer, the dispatch
// timer, and the heartbeat stop, and the channel is unsubscribed. Close is
// idempotent.
func (c *Container) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channel := c.channel
	c.channel = nil
	close(c.done)
	c.mu.Unlock()

	c.presence.Close()
	c.queue.Close()

	if channel != nil {
		if err := channel.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe channel")
		}
	}

	log.Info().
		Str("session_id", c.store.State().Record.ID.String()).
		Msg("session container closed")
}
