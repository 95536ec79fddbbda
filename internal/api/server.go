package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sashakarcz/leasereaper/internal/events"
	"github.com/sashakarcz/leasereaper/internal/logger"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

// Store is the subset of the datastore the observability endpoints read
type Store interface {
	Health(ctx context.Context) error
	Summary(ctx context.Context) (storage.Summary, error)
	Stats() sql.DBStats
}

// Server exposes health, metrics and the live event stream
type Server struct {
	store       Store
	broadcaster *events.Broadcaster
	gatherer    prometheus.Gatherer
	httpServer  *http.Server
	port        int
	metricsPath string
}

// Config holds API server configuration
type Config struct {
	Port        int
	MetricsPath string
	// Gatherer defaults to the process-wide registry
	Gatherer prometheus.Gatherer
}

// New creates a new API server
func New(cfg Config, store Store, broadcaster *events.Broadcaster) *Server {
	g := cfg.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		store:       store,
		broadcaster: broadcaster,
		gatherer:    g,
		port:        cfg.Port,
		metricsPath: path,
	}
}

// Handler returns the routed endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/activity/stream", s.handleActivityStream)
	mux.Handle(s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start starts the API server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Int("port", s.port).
		Msg("Starting API server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop stops the API server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}

	logger.Info().Msg("API server stopped")
	return nil
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string         `json:"status"`
	Database DatabaseHealth `json:"database"`
	Devices  *DeviceCounts  `json:"devices,omitempty"`
	Time     string         `json:"time"`
	Details  map[string]any `json:"details,omitempty"`
}

// DatabaseHealth represents database health status
type DatabaseHealth struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	MaxConns    int    `json:"max_conns"`
}

// DeviceCounts mirrors the registry summary
type DeviceCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Released int `json:"released"`
	Excluded int `json:"excluded"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	health := HealthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
	}

	if err := s.store.Health(ctx); err != nil {
		health.Status = "unhealthy"
		health.Database.Status = "unhealthy"
		health.Details = map[string]any{"database_error": err.Error()}
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}

	stats := s.store.Stats()
	health.Database = DatabaseHealth{
		Status:      "healthy",
		Connections: stats.InUse,
		MaxConns:    stats.MaxOpenConnections,
	}

	if sum, err := s.store.Summary(ctx); err != nil {
		health.Details = map[string]any{"summary_error": err.Error()}
	} else {
		health.Devices = &DeviceCounts{
			Total:    sum.Total,
			Active:   sum.Active,
			Inactive: sum.Inactive,
			Released: sum.Released,
			Excluded: sum.Excluded,
		}
	}

	writeJSON(w, http.StatusOK, health)
}

// formatSSE frames an event as one server-sent event message
func formatSSE(event *events.Event) ([]byte, error) {
	data, err := events.Encode(event)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("id: %s\ndata: %s\n\n", event.ID, data)), nil
}

// handleActivityStream streams engine events as server-sent events
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broadcaster == nil {
		http.Error(w, "Activity stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.broadcaster.Subscribe(50)
	defer s.broadcaster.Unsubscribe(sub)

	ctx := r.Context()

	data, _ := formatSSE(&events.Event{
		ID:        "init",
		Timestamp: time.Now().UTC(),
		Type:      "connection",
		Message:   "Connected to activity stream",
	})
	w.Write(data)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			data, err := formatSSE(event)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to format SSE event")
				continue
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
