package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellis/internal/broadcast"
)

func TestSSEStreamRequiresSessionID(t *testing.T) {
	bc := broadcast.NewBroadcaster(broadcast.Config{KeepAliveInterval: -1})
	handler := NewSSEHandler(bc)

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	rec := httptest.NewRecorder()
	handler.HandleStream(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEStreamReplaysBacklog(t *testing.T) {
	bc := broadcast.NewBroadcaster(broadcast.Config{KeepAliveInterval: -1})
	handler := NewSSEHandler(bc)

	// Events published before any subscriber land in the backlog.
	bc.Publish("sess-1", broadcast.NewEvent(broadcast.EventTaskQueued, map[string]any{"task_id": "task-000001"}))
	bc.Publish("sess-1", broadcast.NewEvent(broadcast.EventTaskCompleted, map[string]any{"status": "completed"}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/stream?session_id=sess-1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.HandleStream(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	// Connected frame first, then the replayed backlog in publish order.
	queuedAt := strings.Index(body, "event: task.queued")
	completedAt := strings.Index(body, "event: task.completed")
	require.Contains(t, body, "event: connection.established")
	require.GreaterOrEqual(t, queuedAt, 0)
	require.GreaterOrEqual(t, completedAt, 0)
	assert.Less(t, strings.Index(body, "event: connection.established"), queuedAt)
	assert.Less(t, queuedAt, completedAt)
	assert.Contains(t, body, "task-000001")
}

func TestSSEKeepAliveWrittenAsComment(t *testing.T) {
	bc := broadcast.NewBroadcaster(broadcast.Config{KeepAliveInterval: 10 * time.Millisecond})
	handler := NewSSEHandler(bc)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/stream?session_id=sess-ka", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.HandleStream(rec, req)

	assert.Contains(t, rec.Body.String(), ": keepalive")
}

func TestWSStreamDeliversEvents(t *testing.T) {
	bc := broadcast.NewBroadcaster(broadcast.Config{KeepAliveInterval: -1})
	handler := NewWSHandler(bc)

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleStream))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session_id=sess-ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var connected broadcast.Event
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, broadcast.EventConnectionEstablished, connected.Type)

	assert.Eventually(t, func() bool {
		return bc.SubscriberCount("sess-ws") == 1
	}, time.Second, 5*time.Millisecond)

	bc.Publish("sess-ws", broadcast.NewEvent(broadcast.EventTaskStarted, map[string]any{"task_id": "task-000007"}))

	var started broadcast.Event
	require.NoError(t, conn.ReadJSON(&started))
	assert.Equal(t, broadcast.EventTaskStarted, started.Type)
	assert.Equal(t, "task-000007", started.Data["task_id"])
}

func TestWSSendNeverBlocks(t *testing.T) {
	bc := broadcast.NewBroadcaster(broadcast.Config{KeepAliveInterval: -1})

	// A connection whose pump never runs stands in for a peer that stopped
	// reading. Its buffer fills and publishing must stay fast.
	conn := newWSConnection(nil)
	require.NoError(t, bc.Subscribe("sess-stall", conn))

	for i := 0; i < clientBufferSize; i++ {
		bc.Publish("sess-stall", broadcast.NewEvent(broadcast.EventTaskIteration, map[string]any{"iteration": i}))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		bc.Publish("sess-stall", broadcast.NewEvent(broadcast.EventTaskCompleted, nil))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}

	// The failed send pruned the connection.
	assert.Equal(t, 0, bc.SubscriberCount("sess-stall"))
	assert.Error(t, conn.Send(broadcast.NewEvent(broadcast.EventTaskCompleted, nil)))
}

func TestWSStreamRequiresSessionID(t *testing.T) {
	bc := broadcast.NewBroadcaster(broadcast.Config{KeepAliveInterval: -1})
	handler := NewWSHandler(bc)

	req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	rec := httptest.NewRecorder()
	handler.HandleStream(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
