package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// RegisterWebSocket registers the /api/v1/research/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/research/ws", h.handleWS)
}

// handleWS streams session events over a WebSocket. Same parameters as the
// SSE endpoint; each event is one JSON message.
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID, sub, attached, ok := h.resolveSession(w, r)
	if !ok {
		return
	}
	defer h.streams.Unsubscribe(sessionID, sub)

	filter := parseEventFilter(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var lastID uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	// Same replay discipline as the SSE handler: attached clients get the
	// backlog (local ring or mirror), and a replayed terminal event closes
	// the connection.
	var replayedTo uint64
	if attached || lastID > 0 {
		finished := false
		for _, ev := range h.streams.Replay(r.Context(), sessionID, lastID) {
			if ev.Seq > replayedTo {
				replayedTo = ev.Seq
			}
			if filter.keep(ev) {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
			if ev.Type.Terminal() {
				finished = true
			}
		}
		if finished {
			return
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump (discard client messages).
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			if ev.Seq <= replayedTo || !filter.keep(ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
