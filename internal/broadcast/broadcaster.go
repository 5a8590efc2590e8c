package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"trellis/internal/logging"
	"trellis/internal/metrics"
)

const (
	// maxBacklogEvents caps the per-session backlog; older events are dropped
	// beyond it. Status streams are best-effort progress indicators, not an
	// audit log.
	maxBacklogEvents = 200

	// maxBacklogSessions bounds how many subscriber-less sessions may hold a
	// backlog at once.
	maxBacklogSessions = 512

	defaultKeepAliveInterval = 30 * time.Second
	defaultBacklogTTL        = time.Hour
)

// Connection is one live subscriber. A write failure means the connection is
// dead and must be dropped.
type Connection interface {
	Send(Event) error
}

// Config tunes the broadcaster. Zero values select defaults.
type Config struct {
	// KeepAliveInterval is the period between liveness signals to live
	// connections. Negative disables keep-alives (used in tests).
	KeepAliveInterval time.Duration
	// BacklogTTL evicts backlogs that no subscriber ever drained.
	BacklogTTL time.Duration
}

// backlogEntry is one session's buffered events. drained marks entries whose
// events were handed to a subscriber, so clearing them does not count as an
// eviction of undelivered events.
type backlogEntry struct {
	events  []Event
	drained bool
}

// Broadcaster routes task status events to live subscriber connections keyed
// by session id, buffering events for sessions with no current subscriber.
//
// Backlogs live in an expirable LRU: a task that finishes with a non-empty
// backlog and no subscriber would otherwise hold that memory forever.
type Broadcaster struct {
	mu        sync.Mutex
	conns     map[string][]Connection
	backlogs  *expirable.LRU[string, backlogEntry]
	keepAlive map[string]chan struct{}

	keepAliveInterval time.Duration
	logger            logging.Logger
}

// NewBroadcaster creates a broadcaster with the given configuration.
func NewBroadcaster(cfg Config) *Broadcaster {
	interval := cfg.KeepAliveInterval
	if interval == 0 {
		interval = defaultKeepAliveInterval
	}
	ttl := cfg.BacklogTTL
	if ttl <= 0 {
		ttl = defaultBacklogTTL
	}

	logger := logging.NewComponentLogger("Broadcaster")
	onEvict := func(sessionID string, entry backlogEntry) {
		if entry.drained {
			return
		}
		metrics.EventsDropped.Add(float64(len(entry.events)))
		logger.Info("Evicted backlog for session %s (%d undelivered events)", sessionID, len(entry.events))
	}

	return &Broadcaster{
		conns:             make(map[string][]Connection),
		backlogs:          expirable.NewLRU[string, backlogEntry](maxBacklogSessions, onEvict, ttl),
		keepAlive:         make(map[string]chan struct{}),
		keepAliveInterval: interval,
		logger:            logger,
	}
}

// Subscribe registers a connection for a session. The connection immediately
// receives a synthetic connection.established event, then any buffered
// backlog in original order. A write failure at any point drops the
// connection; unattempted backlog events stay buffered for the next
// subscriber, attempted ones are not re-buffered.
func (b *Broadcaster) Subscribe(sessionID string, conn Connection) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	established := NewEvent(EventConnectionEstablished, map[string]any{"session_id": sessionID})
	if err := conn.Send(established); err != nil {
		return fmt.Errorf("subscriber dead on attach: %w", err)
	}

	b.conns[sessionID] = append(b.conns[sessionID], conn)
	metrics.ActiveConnections.Inc()
	b.logger.Info("Subscriber attached to session %s (total: %d)", sessionID, len(b.conns[sessionID]))

	if entry, ok := b.backlogs.Get(sessionID); ok {
		events := entry.events
		for i, event := range events {
			if err := conn.Send(event); err != nil {
				remaining := events[i+1:]
				if len(remaining) > 0 {
					b.backlogs.Add(sessionID, backlogEntry{events: append([]Event(nil), remaining...)})
				} else {
					b.clearBacklogLocked(sessionID)
				}
				b.removeConnLocked(sessionID, conn)
				return fmt.Errorf("backlog flush failed after %d/%d events: %w", i, len(events), err)
			}
			metrics.EventsSent.Inc()
		}
		b.clearBacklogLocked(sessionID)
		b.logger.Debug("Flushed %d buffered events to new subscriber for session %s", len(events), sessionID)
	}

	b.ensureKeepAliveLocked(sessionID)
	return nil
}

// Unsubscribe removes a connection from the session's live set.
func (b *Broadcaster) Unsubscribe(sessionID string, conn Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeConnLocked(sessionID, conn)
}

// Publish delivers event to every live connection for the session, or buffers
// it when none exist. Connections whose write fails are pruned after the
// broadcast pass; a single failing subscriber never prevents delivery to the
// others.
func (b *Broadcaster) Publish(sessionID string, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.conns[sessionID]) == 0 {
		b.bufferLocked(sessionID, event)
		return
	}
	b.sendToAllLocked(sessionID, event)
}

// SubscriberCount returns the number of live connections for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[sessionID])
}

// BacklogLen returns the number of buffered events for a session.
func (b *Broadcaster) BacklogLen(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, _ := b.backlogs.Get(sessionID)
	return len(entry.events)
}

// clearBacklogLocked removes a backlog whose events were already attempted
// against a subscriber. Replacing the entry with a drained marker first keeps
// the eviction callback from counting delivered events as dropped
// (expirable.LRU.Remove invokes the callback; Add on an existing key does
// not).
func (b *Broadcaster) clearBacklogLocked(sessionID string) {
	b.backlogs.Add(sessionID, backlogEntry{drained: true})
	b.backlogs.Remove(sessionID)
}

func (b *Broadcaster) bufferLocked(sessionID string, event Event) {
	entry, _ := b.backlogs.Get(sessionID)
	events := append(entry.events, event)
	if len(events) > maxBacklogEvents {
		dropped := len(events) - maxBacklogEvents
		events = events[dropped:]
		metrics.EventsDropped.Add(float64(dropped))
		b.logger.Warn("Backlog full for session %s, dropped %d oldest event(s)", sessionID, dropped)
	}
	b.backlogs.Add(sessionID, backlogEntry{events: events})
	metrics.EventsBuffered.Inc()
}

func (b *Broadcaster) sendToAllLocked(sessionID string, event Event) {
	var dead []Connection
	for _, conn := range b.conns[sessionID] {
		if err := conn.Send(event); err != nil {
			b.logger.Warn("Dropping dead subscriber for session %s: %v", sessionID, err)
			metrics.EventsDropped.Inc()
			dead = append(dead, conn)
			continue
		}
		metrics.EventsSent.Inc()
	}
	for _, conn := range dead {
		b.removeConnLocked(sessionID, conn)
	}
}

func (b *Broadcaster) removeConnLocked(sessionID string, conn Connection) {
	conns := b.conns[sessionID]
	for i, c := range conns {
		if c == conn {
			b.conns[sessionID] = append(conns[:i], conns[i+1:]...)
			metrics.ActiveConnections.Dec()
			break
		}
	}

	// No connections may linger with zero size.
	if len(b.conns[sessionID]) == 0 {
		delete(b.conns, sessionID)
		if stop, ok := b.keepAlive[sessionID]; ok {
			close(stop)
			delete(b.keepAlive, sessionID)
		}
	}
}

func (b *Broadcaster) ensureKeepAliveLocked(sessionID string) {
	if b.keepAliveInterval < 0 {
		return
	}
	if _, ok := b.keepAlive[sessionID]; ok {
		return
	}
	stop := make(chan struct{})
	b.keepAlive[sessionID] = stop
	go b.keepAliveLoop(sessionID, stop)
}

// keepAliveLoop pushes periodic no-op liveness signals to a session's live
// connections, pruning any whose write fails. It exits when the session's
// connection set empties.
func (b *Broadcaster) keepAliveLoop(sessionID string, stop chan struct{}) {
	ticker := time.NewTicker(b.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			if len(b.conns[sessionID]) > 0 {
				b.sendToAllLocked(sessionID, NewEvent(EventKeepAlive, nil))
			}
			b.mu.Unlock()
		}
	}
}
