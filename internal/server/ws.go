package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards connect from arbitrary origins on localhost.
	CheckOrigin: func(*http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// handleLiveEvents upgrades the connection and relays fan-out messages as
// JSON text frames until either side goes away. A write failure counts as a
// disconnect and lazily unsubscribes the observer.
func (s *Server) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	s.logger.Info("live-event subscriber connected",
		slog.String("remote_addr", r.RemoteAddr))

	// Drain inbound frames so close handshakes and pings are processed; the
	// read side failing tells us the peer is gone.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("live-event write failed, dropping subscriber",
					slog.String("error", err.Error()))
				return
			}
		case <-peerGone:
			s.logger.Info("live-event subscriber disconnected",
				slog.String("remote_addr", r.RemoteAddr))
			return
		case <-sub.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
