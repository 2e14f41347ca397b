package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	natsReconnectWait     = 2 * time.Second
	presenceRepublishTick = 3 * time.Second
	presenceTTL           = 10 * time.Second
)

// RowChangeSource feeds confirmed row changes into a channel that has no
// native change stream of its own. The Postgres LISTEN/NOTIFY feed in
// sessiondb implements it.
type RowChangeSource interface {
	Changes() <-chan RowChange
	Close() error
}

// natsPresence is one presence announcement on the presence subject.
type natsPresence struct {
	Meta PresenceMeta `json:"meta"`
	Gone bool         `json:"gone,omitempty"`
}

type presenceEntry struct {
	meta PresenceMeta
	seen time.Time
}

// natsChannel is a Channel over plain NATS subjects. Presence is emulated:
// every subscriber republishes its tracked payload on a fixed tick and
// entries expire after a TTL, so a crashed peer disappears within seconds.
type natsChannel struct {
	nc        *nats.Conn
	sessionID uuid.UUID
	rows      RowChangeSource
	done      chan struct{}

	mu           sync.Mutex
	presenceSync []func(snapshot []PresenceMeta)
	broadcasts   map[string][]func(payload json.RawMessage)
	rowChanges   map[string][]func(change RowChange)
	members      map[string]presenceEntry
	order        []string
	tracked      *PresenceMeta
	closed       bool

	subs []*nats.Subscription
}

// SubscribeNATS connects to a NATS server and joins the session's subjects.
// rows may be nil when no row-change feed is available.
func SubscribeNATS(ctx context.Context, url string, sessionID uuid.UUID, rows RowChangeSource) (Channel, error) {
	opts := []nats.Option{
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	ch := &natsChannel{
		nc:         nc,
		sessionID:  sessionID,
		rows:       rows,
		done:       make(chan struct{}),
		broadcasts: make(map[string][]func(payload json.RawMessage)),
		rowChanges: make(map[string][]func(change RowChange)),
		members:    make(map[string]presenceEntry),
	}

	broadcastSub, err := nc.Subscribe(ch.subject("broadcast"), ch.handleBroadcastMsg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe broadcast subject: %w", err)
	}
	presenceSub, err := nc.Subscribe(ch.subject("presence"), ch.handlePresenceMsg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe presence subject: %w", err)
	}
	ch.subs = []*nats.Subscription{broadcastSub, presenceSub}

	go ch.presenceLoop()
	if rows != nil {
		go ch.rowLoop()
	}

	log.Info().Str("session_id", sessionID.String()).Msg("NATS session channel joined")
	return ch, nil
}

func (ch *natsChannel) subject(kind string) string {
	return fmt.Sprintf("session.%s.%s", ch.sessionID, kind)
}

func (ch *natsChannel) OnPresenceSync(fn func(snapshot []PresenceMeta)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.presenceSync = append(ch.presenceSync, fn)
}

func (ch *natsChannel) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcasts[event] = append(ch.broadcasts[event], fn)
}

func (ch *natsChannel) OnRowChange(table string, fn func(change RowChange)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.rowChanges[table] = append(ch.rowChanges[table], fn)
}

func (ch *natsChannel) Track(ctx context.Context, meta PresenceMeta) error {
	ch.mu.Lock()
	ch.tracked = &meta
	ch.mu.Unlock()
	return ch.publishPresence(natsPresence{Meta: meta})
}

func (ch *natsChannel) Send(ctx context.Context, event BroadcastEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := ch.nc.Publish(ch.subject("broadcast"), data); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

func (ch *natsChannel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	tracked := ch.tracked
	ch.mu.Unlock()

	close(ch.done)

	if tracked != nil {
		if err := ch.publishPresence(natsPresence{Meta: *tracked, Gone: true}); err != nil {
			log.Debug().Err(err).Msg("presence leave not published")
		}
	}
	for _, sub := range ch.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Msg("failed to unsubscribe subject")
		}
	}
	if ch.rows != nil {
		if err := ch.rows.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close row-change source")
		}
	}
	ch.nc.Close()
	return nil
}

func (ch *natsChannel) publishPresence(p natsPresence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := ch.nc.Publish(ch.subject("presence"), data); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

func (ch *natsChannel) handleBroadcastMsg(msg *nats.Msg) {
	var event BroadcastEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Error().Err(err).Msg("undecodable broadcast message")
		return
	}
	ch.mu.Lock()
	callbacks := ch.broadcasts[event.Event]
	ch.mu.Unlock()
	for _, fn := range callbacks {
		fn(event.Payload)
	}
}

func (ch *natsChannel) handlePresenceMsg(msg *nats.Msg) {
	var p natsPresence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		log.Error().Err(err).Msg("undecodable presence message")
		return
	}

	ch.mu.Lock()
	changed := false
	if p.Gone {
		if _, ok := ch.members[p.Meta.UserID]; ok {
			delete(ch.members, p.Meta.UserID)
			changed = true
		}
	} else {
		if _, ok := ch.members[p.Meta.UserID]; !ok {
			ch.order = append(ch.order, p.Meta.UserID)
			changed = true
		}
		ch.members[p.Meta.UserID] = presenceEntry{meta: p.Meta, seen: time.Now()}
	}
	ch.mu.Unlock()

	if changed {
		ch.emitPresence()
	}
}

// presenceLoop republishes our own presence and expires peers that stopped
// announcing theirs.
func (ch *natsChannel) presenceLoop() {
	ticker := time.NewTicker(presenceRepublishTick)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			ch.mu.Lock()
			tracked := ch.tracked
			ch.mu.Unlock()
			if tracked != nil {
				if err := ch.publishPresence(natsPresence{Meta: *tracked}); err != nil {
					log.Warn().Err(err).Msg("presence republish failed")
				}
			}
			if ch.expireStale() {
				ch.emitPresence()
			}
		}
	}
}

func (ch *natsChannel) expireStale() bool {
	cutoff := time.Now().Add(-presenceTTL)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	changed := false
	for id, entry := range ch.members {
		if entry.seen.Before(cutoff) {
			delete(ch.members, id)
			changed = true
		}
	}
	return changed
}

func (ch *natsChannel) rowLoop() {
	for {
		select {
		case <-ch.done:
			return
		case change, ok := <-ch.rows.Changes():
			if !ok {
				return
			}
			ch.mu.Lock()
			callbacks := ch.rowChanges[change.Table]
			ch.mu.Unlock()
			for _, fn := range callbacks {
				fn(change)
			}
		}
	}
}

// emitPresence delivers the membership snapshot, in first-seen order.
func (ch *natsChannel) emitPresence() {
	ch.mu.Lock()
	snapshot := make([]PresenceMeta, 0, len(ch.members))
	kept := ch.order[:0]
	for _, id := range ch.order {
		entry, ok := ch.members[id]
		if !ok {
			continue
		}
		kept = append(kept, id)
		snapshot = append(snapshot, entry.meta)
	}
	ch.order = kept
	callbacks := ch.presenceSync
	ch.mu.Unlock()

	for _, fn := range callbacks {
		fn(snapshot)
	}
}
