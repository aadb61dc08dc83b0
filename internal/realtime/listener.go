package realtime

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// NotifyHandler receives the payload of a Postgres notification
type NotifyHandler func(payload string)

// Listener forwards Postgres LISTEN/NOTIFY channels to handlers.
// It reconnects on connection loss until its context is cancelled.
type Listener struct {
	connStr  string
	handlers map[string]NotifyHandler
}

// NewListener creates a listener for the given channel handlers.
// Returns nil when there is nothing to listen for.
func NewListener(connStr string, handlers map[string]NotifyHandler) *Listener {
	if connStr == "" || len(handlers) == 0 {
		log.Warn().Msg("Cannot create database listener: no connection string or handlers")
		return nil
	}
	return &Listener{
		connStr:  connStr,
		handlers: handlers,
	}
}

// BusHandler publishes a source_changed event for each notification
func BusHandler(bus *Bus) NotifyHandler {
	return func(sourceID string) {
		if sourceID == "" {
			return
		}
		bus.Publish(Event{Type: EventSourceChanged, SourceID: sourceID})
	}
}

// Start listens until ctx is cancelled
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Database listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Database listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Database listener event error")
		}
	})
	defer listener.Close()

	for channel := range l.handlers {
		if err := listener.Listen(channel); err != nil {
			return err
		}
	}

	log.Info().Int("channels", len(l.handlers)).Msg("Database listener started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			if n == nil {
				// Connection lost, reconnect
				return nil
			}
			if handle, ok := l.handlers[n.Channel]; ok {
				handle(n.Extra)
			}

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

// CanUseListen reports whether a connection string can hold a LISTEN session.
// Transaction-mode poolers drop them.
func CanUseListen(connStr string) bool {
	if strings.Contains(connStr, "pooler") {
		return false
	}
	// PgBouncer
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}

// StartListener runs a listener in the background when the connection supports it.
// It reports whether one was started; callers fall back to polling otherwise.
func StartListener(ctx context.Context, connStr string, handlers map[string]NotifyHandler) bool {
	if !CanUseListen(connStr) {
		log.Info().Msg("Connection pooler detected, realtime updates use polling only")
		return false
	}
	l := NewListener(connStr, handlers)
	if l == nil {
		return false
	}
	go l.Start(ctx)
	return true
}
