package sessiondb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/quandaryhq/quandary/go/internal/realtime"
)

// ListenerConfig tunes the Postgres LISTEN/NOTIFY row-change feed.
type ListenerConfig struct {
	DatabaseURL   string
	NotifyChannel string
	PingInterval  time.Duration
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
}

// DefaultListenerConfig returns production defaults. DatabaseURL must be
// filled in by the caller.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel: "session_changes",
		PingInterval:  90 * time.Second,
		MinReconnect:  10 * time.Second,
		MaxReconnect:  time.Minute,
	}
}

// changeNotification is the payload a session_changes trigger emits.
type changeNotification struct {
	Table     string          `json:"table"`
	Kind      string          `json:"kind"`
	SessionID uuid.UUID       `json:"session_id"`
	RowID     uuid.UUID       `json:"row_id"`
	Record    json.RawMessage `json:"record"`
}

// ChangeFeed adapts session_changes notifications into realtime row changes
// for one session. It implements realtime.RowChangeSource for transports
// that have no native change stream.
type ChangeFeed struct {
	listener  *pq.Listener
	sessionID uuid.UUID
	cfg       ListenerConfig
	out       chan realtime.RowChange
	cancel    context.CancelFunc
}

// NewChangeFeed starts listening for row changes scoped to one session.
func NewChangeFeed(sessionID uuid.UUID, cfg ListenerConfig) (*ChangeFeed, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	feed := &ChangeFeed{
		listener:  l,
		sessionID: sessionID,
		cfg:       cfg,
		out:       make(chan realtime.RowChange, 64),
		cancel:    cancel,
	}
	go feed.run(ctx)

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Str("session_id", sessionID.String()).
		Msg("listening for row changes")
	return feed, nil
}

// Changes returns the feed of row changes for the session. The channel
// closes when the feed is closed.
func (f *ChangeFeed) Changes() <-chan realtime.RowChange {
	return f.out
}

// Close stops the feed and closes the underlying listener.
func (f *ChangeFeed) Close() error {
	f.cancel()
	return f.listener.Close()
}

func (f *ChangeFeed) run(ctx context.Context) {
	defer close(f.out)

	pingTicker := time.NewTicker(f.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-f.listener.Notify:
			if note == nil {
				// nil notification means the connection was lost and the
				// listener is reconnecting.
				continue
			}
			if err := f.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := f.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (f *ChangeFeed) handleNotification(ctx context.Context, extra string) error {
	var note changeNotification
	if err := json.Unmarshal([]byte(extra), &note); err != nil {
		return fmt.Errorf("invalid notification payload: %w", err)
	}
	if note.SessionID != f.sessionID {
		return nil
	}

	change := realtime.RowChange{
		Kind:  realtime.ChangeKind(note.Kind),
		Table: note.Table,
		RowID: note.RowID,
		New:   note.Record,
	}

	select {
	case f.out <- change:
	default:
		log.Warn().
			Str("table", note.Table).
			Msg("row-change buffer full, dropping change")
	}
	return nil
}
