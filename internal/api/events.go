package api

import (
	"net/http"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/realtime"
	"github.com/gorilla/websocket"
)

// EventStatusSnapshot is the first message on every events connection
const EventStatusSnapshot = "status_snapshot"

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Any origin, matching the CORS headers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SourceEvents handles GET /v1/sources/{id}/events. The connection opens with the
// current status, then streams bus events for the source. Events are best-effort;
// clients that reconnect should rely on the snapshot rather than replay.
func (h *Handler) SourceEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		ServiceUnavailable(w, r, "Realtime events are not enabled")
		return
	}

	sourceID := r.PathValue("id")

	// Subscribe before reading the snapshot so nothing published after it is missed
	sub := h.Events.Subscribe(sourceID, realtime.DefaultBuffer)
	defer sub.Unsubscribe()

	status, err := h.Sources.GetStatus(r.Context(), sourceID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := loggerWithRequest(r)
		logger.Warn().Err(err).Msg("Failed to upgrade events connection")
		return
	}
	defer conn.Close()

	logger := loggerWithRequest(r).With().Str("source_id", sourceID).Logger()
	logger.Debug().Msg("Events subscriber connected")

	if err := writeEvent(conn, realtime.Event{
		Type:      EventStatusSnapshot,
		SourceID:  sourceID,
		Data:      status,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return
	}

	// The read loop only services control frames and notices the client leaving
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("Events subscriber read failed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug().Err(err).Msg("Events subscriber write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			logger.Debug().Msg("Events subscriber disconnected")
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev realtime.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
