package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/streaming"
	"github.com/loomworks/deepresearch/internal/tasks"
)

// StreamingHandler serves SSE and WebSocket endpoints for session events.
type StreamingHandler struct {
	streams *streaming.Manager
	manager *tasks.Manager
	logger  *zap.Logger
}

func NewStreamingHandler(streams *streaming.Manager, manager *tasks.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{streams: streams, manager: manager, logger: logger}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/research/stream", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// resolveSession resolves which session a streaming client wants: either an
// existing session via session_id (attached reports true), or a fresh run
// started from a query parameter. For fresh runs the subscription is created
// before the engine launches so the first events are never missed.
func (h *StreamingHandler) resolveSession(w http.ResponseWriter, r *http.Request) (sessionID string, sub *streaming.Subscription, attached, ok bool) {
	sessionID = r.URL.Query().Get("session_id")
	if sessionID != "" {
		return sessionID, h.streams.Subscribe(sessionID), true, true
	}

	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		http.Error(w, `{"error":"session_id or query required"}`, http.StatusBadRequest)
		return "", nil, false, false
	}

	req := tasks.StartRequest{
		Query:    query,
		Depth:    r.URL.Query().Get("depth"),
		Provider: r.URL.Query().Get("provider"),
		Model:    r.URL.Query().Get("model"),
	}
	if s := r.URL.Query().Get("max_iterations"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			req.MaxIterations = n
		}
	}

	sessionID = h.manager.StartStreamed(req, func(id string) {
		sub = h.streams.Subscribe(id)
	})
	return sessionID, sub, false, true
}

// eventFilter restricts which event types a client receives. Terminal events
// always pass so filtered streams still end cleanly.
type eventFilter map[streaming.EventType]bool

func parseEventFilter(r *http.Request) eventFilter {
	raw := strings.TrimSpace(r.URL.Query().Get("types"))
	if raw == "" {
		return nil
	}
	f := make(eventFilter)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[streaming.EventType(t)] = true
		}
	}
	return f
}

func (f eventFilter) keep(evt streaming.Event) bool {
	if f == nil {
		return true
	}
	switch evt.Type {
	case streaming.EventCompleted, streaming.EventCancelled, streaming.EventError:
		return true
	}
	return f[evt.Type]
}

// handleSSE streams session events via Server-Sent Events.
//
//	GET /api/v1/research/stream?session_id=<id>
//	GET /api/v1/research/stream?query=<q>&depth=<d>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID, sub, attached, ok := h.resolveSession(w, r)
	if !ok {
		return
	}
	defer h.streams.Unsubscribe(sessionID, sub)

	filter := parseEventFilter(r)

	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, ": connected to session %s\n\n", sessionID)
	flusher.Flush()

	ctx := r.Context()

	// Attached clients always replay the backlog since lastID (the local
	// ring, or the redis mirror when the session ran elsewhere). A replayed
	// terminal event means the session already finished: end the stream
	// instead of waiting for events that will never arrive.
	var replayedTo uint64
	if attached || lastID > 0 {
		finished := false
		for _, ev := range h.streams.Replay(ctx, sessionID, lastID) {
			if ev.Seq > replayedTo {
				replayedTo = ev.Seq
			}
			if filter.keep(ev) {
				writeSSE(w, ev)
			}
			if ev.Type.Terminal() {
				finished = true
			}
		}
		flusher.Flush()
		if finished {
			return
		}
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sessionID))
			return
		case evt, open := <-sub.C():
			if !open {
				// Terminal event delivered; the sequence is complete.
				return
			}
			if evt.Seq <= replayedTo {
				// Already sent during replay.
				continue
			}
			if filter.keep(evt) {
				writeSSE(w, evt)
				flusher.Flush()
			}
		case <-hb.C:
			// Keep connections alive through proxies.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(evt.Marshal()))
}
