package http

import (
	"net/http"

	"trellis/internal/broadcast"
	"trellis/internal/logging"
	"trellis/internal/metrics"
	"trellis/internal/server/app"
)

// NewRouter creates the HTTP router with all endpoints.
func NewRouter(coordinator *app.Coordinator, broadcaster *broadcast.Broadcaster, environment string) http.Handler {
	logger := logging.NewComponentLogger("Router")

	apiHandler := NewAPIHandler(coordinator)
	sseHandler := NewSSEHandler(broadcaster)
	wsHandler := NewWSHandler(broadcaster)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks", apiHandler.HandleTasks)
	mux.HandleFunc("/api/tasks/recent", apiHandler.HandleRecentTasks)
	mux.HandleFunc("/api/tasks/", apiHandler.HandleTaskByID)
	mux.HandleFunc("/api/stream", sseHandler.HandleStream)
	mux.HandleFunc("/api/ws", wsHandler.HandleStream)
	mux.HandleFunc("/health", apiHandler.HandleHealth)
	mux.Handle("/metrics", metrics.Handler())

	var handler http.Handler = mux
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware(environment)(handler)
	return handler
}
