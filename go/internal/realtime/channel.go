package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Channel multiplexes the three remote event sources for one session:
// presence membership, row changes, and named broadcasts. Delivery is
// at-most-once per callback invocation; consumers handle their own
// idempotence.
type Channel interface {
	// OnPresenceSync registers a callback invoked with the full membership
	// snapshot on every change. The transport supplies no deltas.
	OnPresenceSync(fn func(snapshot []PresenceMeta))

	// OnBroadcast registers a callback for one named broadcast event.
	OnBroadcast(event string, fn func(payload json.RawMessage))

	// OnRowChange registers a callback for changes to one table, filtered to
	// this channel's session.
	OnRowChange(table string, fn func(change RowChange))

	// Track announces this client's presence payload to the channel.
	Track(ctx context.Context, meta PresenceMeta) error

	// Send relays an ephemeral broadcast to all other subscribers.
	Send(ctx context.Context, event BroadcastEvent) error

	// Unsubscribe closes the channel. A purposeful close is not an error.
	Unsubscribe() error
}

// PresenceMeta is the payload tracked for one present identity.
type PresenceMeta struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// ChangeKind is the type of row change delivered on a channel.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// RowChange is one confirmed change to a persisted row.
type RowChange struct {
	Kind  ChangeKind      `json:"kind"`
	Table string          `json:"table"`
	RowID uuid.UUID       `json:"row_id"`
	New   json.RawMessage `json:"new,omitempty"`
}

// Tables carrying row changes this core reacts to.
const (
	TableSessions = "sessions"
	TableMessages = "messages"
)

// Broadcast event names produced and consumed by the core.
const (
	EventToast       = "toast"
	EventTypingState = "typing_state_changed"
	EventPing        = "ping"
)

// BroadcastEvent is a named ephemeral message relayed to other subscribers.
type BroadcastEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ToastStatus is the severity of a toast notice.
type ToastStatus string

const (
	ToastInfo    ToastStatus = "info"
	ToastSuccess ToastStatus = "success"
	ToastWarning ToastStatus = "warning"
	ToastError   ToastStatus = "error"
)

// Toast is a transient notice shown to other participants. The sender
// excludes themself via DontShowToUserID since they already saw the local
// equivalent.
type Toast struct {
	Status           ToastStatus `json:"status"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	DontShowToUserID string      `json:"dont_show_to_user_id,omitempty"`
}

// TypingState reports that a user started or stopped typing.
type TypingState struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// NewToastEvent builds a toast broadcast.
func NewToastEvent(toast Toast) (BroadcastEvent, error) {
	return marshalEvent(EventToast, toast)
}

// NewTypingEvent builds a typing-indicator broadcast.
func NewTypingEvent(state TypingState) (BroadcastEvent, error) {
	return marshalEvent(EventTypingState, state)
}

// NewPingEvent builds the keep-alive heartbeat. It carries no state and is
// ignored by receivers.
func NewPingEvent() BroadcastEvent {
	return BroadcastEvent{Event: EventPing}
}

func marshalEvent(name string, payload any) (BroadcastEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return BroadcastEvent{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return BroadcastEvent{Event: name, Payload: data}, nil
}
