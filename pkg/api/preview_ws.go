package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/akiranaka1984/sns-orchestrator/pkg/logging"
	"github.com/akiranaka1984/sns-orchestrator/pkg/preview"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// handlePreviewWS upgrades the connection and streams broadcaster messages.
// Step events, frames, and idle heartbeats all arrive as JSON; frame bytes
// are base64 in the "imageBase64" field.
func (s *Server) handlePreviewWS(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(logging.CategoryAPI, "ws_upgrade_failed", err.Error(), map[string]any{
			"account_id": accountID,
		})
		return
	}

	sub := s.orch.Broadcaster().Subscribe(accountID)
	s.logger.Info(logging.CategoryAPI, "preview_connected", "", map[string]any{
		"account_id":    accountID,
		"subscriber_id": sub.ID,
		"remote_addr":   r.RemoteAddr,
	})

	go s.previewWritePump(conn, sub)
	go s.previewReadPump(conn, sub)
}

// previewWritePump is the only writer on the connection. It drains the
// subscriber channel and keeps the connection alive with pings.
func (s *Server) previewWritePump(conn *websocket.Conn, sub *preview.Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.orch.Broadcaster().Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				// Torn down by the broadcaster; tell the client why.
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber lagged"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// previewReadPump discards client messages and detects disconnects.
func (s *Server) previewReadPump(conn *websocket.Conn, sub *preview.Subscriber) {
	defer func() {
		s.orch.Broadcaster().Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
