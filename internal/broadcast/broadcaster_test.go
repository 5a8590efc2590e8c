package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trellis/internal/metrics"
)

// fakeConn records received events and can be told to fail writes.
type fakeConn struct {
	mu     sync.Mutex
	events []Event
	dead   bool
}

func (c *fakeConn) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return errors.New("connection closed")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(Config{KeepAliveInterval: -1})
}

func TestSubscribeDeliversConnectionEstablished(t *testing.T) {
	b := newTestBroadcaster()
	conn := &fakeConn{}

	require.NoError(t, b.Subscribe("s1", conn))

	events := conn.received()
	require.Len(t, events, 1)
	assert.Equal(t, EventConnectionEstablished, events[0].Type)
	assert.Equal(t, "s1", events[0].Data["session_id"])
	assert.Equal(t, 1, b.SubscriberCount("s1"))
}

func TestPublishToLiveSubscribers(t *testing.T) {
	b := newTestBroadcaster()
	first := &fakeConn{}
	second := &fakeConn{}
	require.NoError(t, b.Subscribe("s1", first))
	require.NoError(t, b.Subscribe("s1", second))

	b.Publish("s1", NewEvent(EventTaskStarted, nil))

	for _, conn := range []*fakeConn{first, second} {
		events := conn.received()
		require.Len(t, events, 2)
		assert.Equal(t, EventTaskStarted, events[1].Type)
	}
}

func TestBacklogBound(t *testing.T) {
	b := newTestBroadcaster()

	// Publish more than the cap with zero subscribers.
	for i := 0; i < maxBacklogEvents+50; i++ {
		b.Publish("s1", NewEvent(EventTaskIteration, map[string]any{"seq": i}))
	}

	assert.Equal(t, maxBacklogEvents, b.BacklogLen("s1"))

	conn := &fakeConn{}
	require.NoError(t, b.Subscribe("s1", conn))

	events := conn.received()
	require.Len(t, events, maxBacklogEvents+1) // connected + backlog

	// Exactly the most recent 200, in order.
	for i, event := range events[1:] {
		assert.Equal(t, 50+i, event.Data["seq"])
	}
}

func TestFlushThenLiveOrdering(t *testing.T) {
	b := newTestBroadcaster()
	for i := 0; i < 5; i++ {
		b.Publish("s1", NewEvent(EventTaskIteration, map[string]any{"seq": i}))
	}

	conn := &fakeConn{}
	require.NoError(t, b.Subscribe("s1", conn))
	b.Publish("s1", NewEvent(EventTaskCompleted, nil))

	events := conn.received()
	require.Len(t, events, 7) // connected + 5 buffered + 1 live
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, events[i+1].Data["seq"])
	}
	assert.Equal(t, EventTaskCompleted, events[6].Type)

	// Backlog is cleared after a full flush.
	assert.Equal(t, 0, b.BacklogLen("s1"))
}

func TestFullFlushNotCountedAsDropped(t *testing.T) {
	b := newTestBroadcaster()
	for i := 0; i < 5; i++ {
		b.Publish("s1", NewEvent(EventTaskIteration, map[string]any{"seq": i}))
	}

	before := testutil.ToFloat64(metrics.EventsDropped)

	conn := &fakeConn{}
	require.NoError(t, b.Subscribe("s1", conn))
	require.Len(t, conn.received(), 6) // connected + 5 buffered

	assert.Equal(t, 0, b.BacklogLen("s1"))
	assert.Equal(t, before, testutil.ToFloat64(metrics.EventsDropped),
		"delivered backlog events must not count as dropped")
}

func TestFlushFailureStopsAndDropsConnection(t *testing.T) {
	b := newTestBroadcaster()
	for i := 0; i < 4; i++ {
		b.Publish("s1", NewEvent(EventTaskIteration, map[string]any{"seq": i}))
	}

	// Allow connected + first backlog event, then fail mid-flush.
	conn := &failAfterConn{allow: 2}
	err := b.Subscribe("s1", conn)
	require.Error(t, err)

	assert.Equal(t, 0, b.SubscriberCount("s1"))
	// Events 2 and 3 were never attempted and stay buffered; the attempted
	// ones are not re-buffered.
	assert.Equal(t, 2, b.BacklogLen("s1"))
}

// failAfterConn accepts a fixed number of Sends, then fails forever.
type failAfterConn struct {
	mu     sync.Mutex
	allow  int
	events []Event
}

func (c *failAfterConn) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allow <= 0 {
		return errors.New("write failed")
	}
	c.allow--
	c.events = append(c.events, event)
	return nil
}

func TestDeadConnectionIsolation(t *testing.T) {
	b := newTestBroadcaster()
	healthy1 := &fakeConn{}
	failing := &fakeConn{}
	healthy2 := &fakeConn{}
	require.NoError(t, b.Subscribe("s1", healthy1))
	require.NoError(t, b.Subscribe("s1", failing))
	require.NoError(t, b.Subscribe("s1", healthy2))

	failing.mu.Lock()
	failing.dead = true
	failing.mu.Unlock()

	b.Publish("s1", NewEvent(EventTaskStarted, nil))

	assert.Len(t, healthy1.received(), 2)
	assert.Len(t, healthy2.received(), 2)
	// The failing connection was removed from the live set.
	assert.Equal(t, 2, b.SubscriberCount("s1"))
}

func TestUnsubscribeRemovesEmptyEntry(t *testing.T) {
	b := newTestBroadcaster()
	conn := &fakeConn{}
	require.NoError(t, b.Subscribe("s1", conn))
	b.Unsubscribe("s1", conn)

	assert.Equal(t, 0, b.SubscriberCount("s1"))

	// Publishing after the last unsubscribe buffers again.
	b.Publish("s1", NewEvent(EventTaskCompleted, nil))
	assert.Equal(t, 1, b.BacklogLen("s1"))
}

func TestSubscribeDeadOnAttach(t *testing.T) {
	b := newTestBroadcaster()
	conn := &fakeConn{dead: true}

	err := b.Subscribe("s1", conn)
	require.Error(t, err)
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestKeepAlivePushesAndPrunes(t *testing.T) {
	b := NewBroadcaster(Config{KeepAliveInterval: 10 * time.Millisecond})
	conn := &fakeConn{}
	require.NoError(t, b.Subscribe("s1", conn))

	assert.Eventually(t, func() bool {
		for _, event := range conn.received() {
			if event.Type == EventKeepAlive {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no keepalive received")

	conn.mu.Lock()
	conn.dead = true
	conn.mu.Unlock()

	assert.Eventually(t, func() bool {
		return b.SubscriberCount("s1") == 0
	}, time.Second, 5*time.Millisecond, "dead connection not pruned by keepalive")
}

func TestBacklogTTLEviction(t *testing.T) {
	b := NewBroadcaster(Config{KeepAliveInterval: -1, BacklogTTL: 20 * time.Millisecond})
	before := testutil.ToFloat64(metrics.EventsDropped)
	b.Publish("s1", NewEvent(EventTaskQueued, nil))
	require.Equal(t, 1, b.BacklogLen("s1"))

	assert.Eventually(t, func() bool {
		return b.BacklogLen("s1") == 0
	}, time.Second, 10*time.Millisecond, "backlog not evicted after TTL")

	// A genuine TTL eviction does count its undelivered events.
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.EventsDropped) == before+1
	}, time.Second, 10*time.Millisecond, "TTL eviction not counted as dropped")
}

func TestCrossSessionIsolation(t *testing.T) {
	b := newTestBroadcaster()
	conn := &fakeConn{}
	require.NoError(t, b.Subscribe("s1", conn))

	b.Publish("s2", NewEvent(EventTaskStarted, nil))

	require.Len(t, conn.received(), 1)
	assert.Equal(t, 1, b.BacklogLen("s2"))
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := newTestBroadcaster()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", n%4)
			for j := 0; j < 50; j++ {
				b.Publish(session, NewEvent(EventTaskIteration, map[string]any{"seq": j}))
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := &fakeConn{}
			_ = b.Subscribe(fmt.Sprintf("s%d", n), conn)
		}(i)
	}

	wg.Wait()
}
