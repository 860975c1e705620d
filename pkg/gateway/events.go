package gateway

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

func (s *Service) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(s.opts.AllowedOrigins) == 0 {
				return true
			}
			return slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
		},
	}
}

// handleEvents streams lifecycle events as JSON text frames. With
// ?failures=1 only failure events are sent.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	failuresOnly := r.URL.Query().Get("failures") == "1"

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.deps.Events.SubscribeEvents(r.Context(), 64)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if failuresOnly && !event.Type.Failure() {
				continue
			}
			if err := s.writeEvent(conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Service) writeEvent(conn *websocket.Conn, event bus.Event) error {
	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		s.log.Error("Failed to encode lifecycle event", "event_type", string(event.Type), "error", err)
		return nil
	}

	return conn.WriteMessage(websocket.TextMessage, payload)
}
