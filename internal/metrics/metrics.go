// Package metrics registers the prometheus instruments exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsSent counts status events delivered to live subscribers.
	EventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trellis_events_sent_total",
		Help: "Status events delivered to live subscriber connections.",
	})

	// EventsBuffered counts events appended to a session backlog.
	EventsBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trellis_events_buffered_total",
		Help: "Status events buffered because no subscriber was attached.",
	})

	// EventsDropped counts events lost to backlog overflow, eviction, or dead
	// connections.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trellis_events_dropped_total",
		Help: "Status events dropped due to backlog overflow or dead connections.",
	})

	// ActiveConnections tracks currently attached subscriber connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trellis_active_connections",
		Help: "Currently attached subscriber connections.",
	})

	// TasksFinished counts terminal task transitions by status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_tasks_finished_total",
		Help: "Delegated tasks that reached a terminal state.",
	}, []string{"status"})
)

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
