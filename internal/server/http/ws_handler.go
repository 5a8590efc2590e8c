package http

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trellis/internal/broadcast"
	"trellis/internal/logging"
)

// wsWriteTimeout bounds each frame write so a stalled peer surfaces as a
// write error instead of a blocked goroutine.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are handled by the CORS middleware layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConnection adapts one WebSocket client to the broadcaster's Connection
// interface. Send never blocks: events go into a buffered channel that a
// dedicated write pump drains, so a stalled peer cannot hold up the
// broadcaster. A full buffer or a closed pump marks the connection dead.
type wsConnection struct {
	conn   *websocket.Conn
	events chan broadcast.Event
	done   chan struct{}
	once   sync.Once
}

func newWSConnection(conn *websocket.Conn) *wsConnection {
	return &wsConnection{
		conn:   conn,
		events: make(chan broadcast.Event, clientBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *wsConnection) Send(event broadcast.Event) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case c.events <- event:
		return nil
	default:
		return fmt.Errorf("client buffer full")
	}
}

// writePump serializes all frame writes; gorilla conns allow a single
// concurrent writer. Exits on write failure or close.
func (c *wsConnection) writePump(logger logging.Logger, sessionID string) {
	for {
		select {
		case event := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				logger.Debug("WebSocket write failed for session %s: %v", sessionID, err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConnection) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WSHandler handles WebSocket connections for task status streaming.
type WSHandler struct {
	broadcaster *broadcast.Broadcaster
	logger      logging.Logger
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(broadcaster *broadcast.Broadcaster) *WSHandler {
	return &WSHandler{
		broadcaster: broadcaster,
		logger:      logging.NewComponentLogger("WSHandler"),
	}
}

// HandleStream upgrades the request and streams task status events until the
// client goes away.
func (h *WSHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	h.logger.Info("WebSocket connection established for session: %s", sessionID)

	conn := newWSConnection(ws)
	defer conn.close()

	if err := h.broadcaster.Subscribe(sessionID, conn); err != nil {
		h.logger.Error("Failed to subscribe session %s: %v", sessionID, err)
		return
	}
	defer h.broadcaster.Unsubscribe(sessionID, conn)

	go conn.writePump(h.logger, sessionID)

	// Events are pushed through the pump; the read loop only exists to
	// notice the close handshake and control frames. closing the conn on
	// write failure unblocks ReadMessage as well.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			h.logger.Info("WebSocket connection closed for session: %s", sessionID)
			return
		}
	}
}
