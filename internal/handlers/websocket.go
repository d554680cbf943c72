package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS layer for browser requests
		return true
	},
}

// HandleWebSocket relays a session's events over a WebSocket connection. The
// client only needs to read; any inbound frame other than a close is ignored.
// Query params: session_id (default "default")
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := sessionParam(r)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only watches for the peer going away
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = m.Stream(ctx, sessionID, func(ev models.Event) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("websocket stream ended", "stream", m.Name(), "session", sessionID, "error", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
