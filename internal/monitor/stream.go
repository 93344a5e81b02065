package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// streamHandler serves GET /status/stream: a WebSocket that pushes the
// same document GET /status returns, once per tick, until the client
// disconnects. This is additive to spec.md §4.9 (see SPEC_FULL.md §4's
// justification for wiring gorilla/websocket), not a replacement for the
// one-shot /status responder.
type streamHandler struct {
	provider StatusProvider
	logger   *slog.Logger
}

var upgrader = gorillaws.Upgrader{
	// No browser dashboard ships with this broker, and the monitor port has
	// no auth (spec.md's Non-goals), so any origin may open the stream.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("status stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Drain and discard anything the client sends; the protocol is
	// server-push only, but without a reader the peer's TCP window fills
	// and a disconnect would go undetected.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(h.provider.StatusJSON())
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		}
	}
}
