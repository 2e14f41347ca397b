package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quandaryhq/quandary/go/internal/realtime"
)

// Notifier surfaces membership changes and transient notices to the local
// user. The presentation layer implements it.
type Notifier interface {
	Notify(status realtime.ToastStatus, title, description string)
}

// PresenceReconciler turns raw membership snapshots into store updates.
// Joins apply immediately; leaves are debounced so a transient disconnect or
// tab reload never flashes a leave/rejoin to the rest of the group.
type PresenceReconciler struct {
	store      *Store
	notifier   Notifier
	clock      clockwork.Clock
	leaveDelay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRemoval
	present map[string]bool
	closed  bool
}

type pendingRemoval struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// NewPresenceReconciler creates a reconciler bound to one store. All timer
// state lives here and is cleared on Close.
func NewPresenceReconciler(store *Store, notifier Notifier, clock clockwork.Clock, leaveDelay time.Duration) *PresenceReconciler {
	return &PresenceReconciler{
		store:      store,
		notifier:   notifier,
		clock:      clock,
		leaveDelay: leaveDelay,
		pending:    make(map[string]*pendingRemoval),
		present:    make(map[string]bool),
	}
}

// Sync reconciles a fresh membership snapshot against current state. The
// transport supplies no deltas, so joins and leaves are computed by diffing
// de-duplicated previous vs. new snapshots by id.
func (r *PresenceReconciler) Sync(snapshot []realtime.PresenceMeta) {
	state := r.store.State()
	current := state.Users

	incoming := make([]User, 0, len(snapshot))
	for _, meta := range snapshot {
		incoming = append(incoming, User{ID: meta.UserID, Name: meta.Name})
	}
	incoming = dedupeUsers(incoming)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	r.present = make(map[string]bool, len(incoming))
	for _, u := range incoming {
		r.present[u.ID] = true
	}

	var joined []User
	next := make([]User, 0, len(current)+len(incoming))
	known := make(map[string]bool, len(current))

	for _, u := range current {
		known[u.ID] = true
		if r.present[u.ID] {
			// Still here. A pending removal means this is a silent rejoin.
			r.cancelRemovalLocked(u.ID)
			next = append(next, u)
			continue
		}
		// Gone from the snapshot: keep the user and debounce the removal.
		if _, ok := r.pending[u.ID]; !ok {
			r.scheduleRemovalLocked(u)
		}
		next = append(next, u)
	}

	for _, u := range incoming {
		if known[u.ID] {
			continue
		}
		next = append(next, u)
		joined = append(joined, u)
	}
	r.mu.Unlock()

	if err := r.store.Apply(UsersUpdated{Users: next}); err != nil {
		log.Error().Err(err).Msg("failed to apply presence snapshot")
		return
	}

	for _, u := range joined {
		if u.ID == state.CurrentUser.ID {
			continue
		}
		r.notifier.Notify(realtime.ToastInfo, u.Name+" joined the session", "")
	}
}

// scheduleRemovalLocked arms the pending-removal timer for one user. The
// caller holds r.mu.
func (r *PresenceReconciler) scheduleRemovalLocked(u User) {
	removal := &pendingRemoval{
		timer:  r.clock.NewTimer(r.leaveDelay),
		cancel: make(chan struct{}),
	}
	r.pending[u.ID] = removal

	go func() {
		select {
		case <-removal.timer.Chan():
			r.finishRemoval(u)
		case <-removal.cancel:
		}
	}()

	log.Debug().
		Str("user_id", u.ID).
		Dur("delay", r.leaveDelay).
		Msg("scheduled debounced removal")
}

// cancelRemovalLocked disarms a pending removal, if any. The caller holds
// r.mu.
func (r *PresenceReconciler) cancelRemovalLocked(userID string) {
	removal, ok := r.pending[userID]
	if !ok {
		return
	}
	delete(r.pending, userID)
	stopAndDrainTimer(removal.timer)
	close(removal.cancel)
	log.Debug().Str("user_id", userID).Msg("rejoined within debounce window")
}

// finishRemoval removes a user whose debounce timer fired while they were
// still absent.
func (r *PresenceReconciler) finishRemoval(u User) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.pending[u.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, u.ID)
	if r.present[u.ID] {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	state := r.store.State()
	next := make([]User, 0, len(state.Users))
	for _, existing := range state.Users {
		if existing.ID != u.ID {
			next = append(next, existing)
		}
	}
	if err := r.store.Apply(UsersUpdated{Users: next}); err != nil {
		log.Error().Err(err).Msg("failed to apply debounced removal")
		return
	}

	if u.ID != state.CurrentUser.ID {
		r.notifier.Notify(realtime.ToastInfo, u.Name+" left the session", "")
	}
	log.Debug().Str("user_id", u.ID).Msg("user removed after debounce")
}

// Close cancels every pending removal timer. No removals or notifications
// happen after Close returns.
func (r *PresenceReconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, removal := range r.pending {
		stopAndDrainTimer(removal.timer)
		close(removal.cancel)
		delete(r.pending, id)
	}
}

// stopAndDrainTimer stops a timer and drains its channel so the waiting
// goroutine never leaks, per the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
