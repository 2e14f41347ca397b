package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsReadTimeout   = 60 * time.Second
	wsMaxMessage    = 1 << 16
	wsJoinEvent     = "phx_join"
	wsLeaveEvent    = "phx_leave"
	wsReplyEvent    = "phx_reply"
	wsBroadcast     = "broadcast"
	wsPresenceState = "presence_state"
	wsPresenceDiff  = "presence_diff"
	wsPresenceTrack = "presence_track"
	wsRowChange     = "row_change"
)

// wsMessage is the phoenix-style envelope every frame uses.
type wsMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     uint64          `json:"ref,omitempty"`
}

type wsPresenceDiffPayload struct {
	Joins  map[string]PresenceMeta `json:"joins"`
	Leaves map[string]PresenceMeta `json:"leaves"`
}

// wsChannel is a Channel over one multiplexed websocket connection, joined
// to the topic for a single session.
type wsChannel struct {
	conn  *websocket.Conn
	topic string

	writeMu sync.Mutex
	nextRef uint64

	mu           sync.Mutex
	presenceSync []func(snapshot []PresenceMeta)
	broadcasts   map[string][]func(payload json.RawMessage)
	rowChanges   map[string][]func(change RowChange)
	presence     map[string]PresenceMeta
	order        []string
	closed       bool
}

// SubscribeWebsocket dials the realtime endpoint and joins the session's
// topic.
func SubscribeWebsocket(ctx context.Context, cfg Config, sessionID uuid.UUID) (Channel, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if cfg.APIKey != "" {
		q := endpoint.Query()
		q.Set("apikey", cfg.APIKey)
		endpoint.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	conn.SetReadLimit(wsMaxMessage)

	ch := &wsChannel{
		conn:       conn,
		topic:      "session:" + sessionID.String(),
		broadcasts: make(map[string][]func(payload json.RawMessage)),
		rowChanges: make(map[string][]func(change RowChange)),
		presence:   make(map[string]PresenceMeta),
	}

	if err := ch.write(wsMessage{Topic: ch.topic, Event: wsJoinEvent}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join session topic: %w", err)
	}

	go ch.readPump()

	log.Info().Str("topic", ch.topic).Msg("realtime channel joined")
	return ch, nil
}

func (ch *wsChannel) OnPresenceSync(fn func(snapshot []PresenceMeta)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.presenceSync = append(ch.presenceSync, fn)
}

func (ch *wsChannel) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcasts[event] = append(ch.broadcasts[event], fn)
}

func (ch *wsChannel) OnRowChange(table string, fn func(change RowChange)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.rowChanges[table] = append(ch.rowChanges[table], fn)
}

func (ch *wsChannel) Track(ctx context.Context, meta PresenceMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal presence meta: %w", err)
	}
	return ch.write(wsMessage{Topic: ch.topic, Event: wsPresenceTrack, Payload: payload})
}

func (ch *wsChannel) Send(ctx context.Context, event BroadcastEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	return ch.write(wsMessage{Topic: ch.topic, Event: wsBroadcast, Payload: payload})
}

// Unsubscribe leaves the topic and closes the connection. The read pump sees
// the close and exits; a purposeful close is not an error.
func (ch *wsChannel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	if err := ch.write(wsMessage{Topic: ch.topic, Event: wsLeaveEvent}); err != nil {
		log.Debug().Err(err).Msg("leave message not sent")
	}
	return ch.conn.Close()
}

// write serializes one frame. gorilla/websocket allows a single concurrent
// writer, so all writes go through here.
func (ch *wsChannel) write(msg wsMessage) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	ch.nextRef++
	msg.Ref = ch.nextRef

	ch.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ch.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Event, err)
	}
	return nil
}

// readPump decodes inbound frames and dispatches them to the registered
// callbacks until the connection closes.
func (ch *wsChannel) readPump() {
	defer ch.conn.Close()

	for {
		ch.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		var msg wsMessage
		if err := ch.conn.ReadJSON(&msg); err != nil {
			ch.mu.Lock()
			closed := ch.closed
			ch.mu.Unlock()
			if !closed && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("topic", ch.topic).Msg("unexpected realtime close")
			}
			return
		}
		if msg.Topic != ch.topic {
			continue
		}
		ch.dispatch(msg)
	}
}

func (ch *wsChannel) dispatch(msg wsMessage) {
	switch msg.Event {
	case wsReplyEvent:
		// Join/track acknowledgements.

	case wsPresenceState:
		var state map[string]PresenceMeta
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			log.Error().Err(err).Msg("undecodable presence state")
			return
		}
		ch.mu.Lock()
		ch.presence = make(map[string]PresenceMeta, len(state))
		ch.order = ch.order[:0]
		for key, meta := range state {
			ch.presence[key] = meta
			ch.order = append(ch.order, key)
		}
		ch.mu.Unlock()
		ch.emitPresence()

	case wsPresenceDiff:
		var diff wsPresenceDiffPayload
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			log.Error().Err(err).Msg("undecodable presence diff")
			return
		}
		ch.mu.Lock()
		for key := range diff.Leaves {
			delete(ch.presence, key)
		}
		for key, meta := range diff.Joins {
			if _, known := ch.presence[key]; !known {
				ch.order = append(ch.order, key)
			}
			ch.presence[key] = meta
		}
		ch.mu.Unlock()
		ch.emitPresence()

	case wsRowChange:
		var change RowChange
		if err := json.Unmarshal(msg.Payload, &change); err != nil {
			log.Error().Err(err).Msg("undecodable row change")
			return
		}
		ch.mu.Lock()
		callbacks := ch.rowChanges[change.Table]
		ch.mu.Unlock()
		for _, fn := range callbacks {
			fn(change)
		}

	case wsBroadcast:
		var event BroadcastEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			log.Error().Err(err).Msg("undecodable broadcast")
			return
		}
		ch.mu.Lock()
		callbacks := ch.broadcasts[event.Event]
		ch.mu.Unlock()
		for _, fn := range callbacks {
			fn(event.Payload)
		}

	default:
		log.Debug().Str("event", msg.Event).Msg("ignoring unhandled frame")
	}
}

// emitPresence delivers the current membership snapshot, in join order, to
// every presence-sync callback.
func (ch *wsChannel) emitPresence() {
	ch.mu.Lock()
	snapshot := make([]PresenceMeta, 0, len(ch.presence))
	kept := ch.order[:0]
	for _, key := range ch.order {
		meta, ok := ch.presence[key]
		if !ok {
			continue
		}
		kept = append(kept, key)
		snapshot = append(snapshot, meta)
	}
	ch.order = kept
	callbacks := ch.presenceSync
	ch.mu.Unlock()

	for _, fn := range callbacks {
		fn(snapshot)
	}
}
