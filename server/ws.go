package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shelfware/bindery/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Authentication happens in middleware; the stream carries no secrets
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleJobEvents streams job update events to a WebSocket client. Each
// message is one JSON-encoded state.Event. Events are advisory; a client
// that reconnects should re-read job status via the REST endpoints.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger.Debugw("Job event subscriber connected", "remote", conn.RemoteAddr())

	events := s.store.Subscribe(r.Context())

	// Reader goroutine drains control frames and detects disconnects
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debugw("Job event subscriber dropped", "error", err)
				return
			}
		}
	}
}
