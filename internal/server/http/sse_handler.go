package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"trellis/internal/broadcast"
	"trellis/internal/logging"
)

// clientBufferSize bounds the per-connection event channel. A client that
// cannot drain this many events is treated as dead.
const clientBufferSize = 100

// sseConnection adapts one SSE client to the broadcaster's Connection
// interface. Send never blocks; a full buffer marks the connection dead so
// the broadcaster prunes it.
type sseConnection struct {
	events chan broadcast.Event
}

func newSSEConnection() *sseConnection {
	return &sseConnection{events: make(chan broadcast.Event, clientBufferSize)}
}

func (c *sseConnection) Send(event broadcast.Event) error {
	select {
	case c.events <- event:
		return nil
	default:
		return fmt.Errorf("client buffer full")
	}
}

// SSEHandler handles Server-Sent Events connections.
type SSEHandler struct {
	broadcaster *broadcast.Broadcaster
	logger      logging.Logger
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(broadcaster *broadcast.Broadcaster) *SSEHandler {
	return &SSEHandler{
		broadcaster: broadcaster,
		logger:      logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleStream handles an SSE connection for real-time task status events.
func (h *SSEHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	// CORS headers are handled by middleware.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	h.logger.Info("SSE connection established for session: %s", sessionID)

	conn := newSSEConnection()
	if err := h.broadcaster.Subscribe(sessionID, conn); err != nil {
		h.logger.Error("Failed to subscribe session %s: %v", sessionID, err)
		http.Error(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer h.broadcaster.Unsubscribe(sessionID, conn)

	// Stream events until the client disconnects. Keep-alives arrive as
	// regular events from the broadcaster and go out as SSE comments.
	for {
		select {
		case event := <-conn.events:
			if event.Type == broadcast.EventKeepAlive {
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					h.logger.Debug("SSE keepalive write failed for session %s: %v", sessionID, err)
					return
				}
				flusher.Flush()
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("Failed to serialize event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				h.logger.Error("Failed to send SSE message: %v", err)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			h.logger.Info("SSE connection closed for session: %s", sessionID)
			return
		}
	}
}
