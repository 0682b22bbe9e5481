package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/streaming-asr-service/internal/config"
	"github.com/skypro1111/streaming-asr-service/internal/metrics"
	"github.com/skypro1111/streaming-asr-service/internal/session"
)

// Server serves the streaming WebSocket endpoint and the HTTP monitoring
// API on a single listener
type Server struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	manager  *session.Manager
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	startTime time.Time
}

// NewServer creates the combined WebSocket and monitoring server
func NewServer(cfg *config.Config, logger *slog.Logger, manager *session.Manager, m *metrics.Metrics) *Server {
	s := &Server{
		logger:  logger,
		config:  cfg,
		manager: manager,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Handler:     mux,
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Streaming endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Monitoring endpoints
	mux.HandleFunc("/healthz", s.withMetrics("/healthz", s.handleHealth))
	mux.HandleFunc("/sessions", s.withMetrics("/sessions", s.handleSessions))
	mux.HandleFunc("/sessions/", s.withMetrics("/sessions/{id}", s.handleSessionDetail))
	mux.HandleFunc("/config", s.withMetrics("/config", s.handleConfig))
	mux.HandleFunc("/stats", s.withMetrics("/stats", s.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", s.withMetrics("/", s.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		s.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("Starting server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server...")

	return s.server.Shutdown(ctx)
}

// Handler exposes the route mux for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth implements the /healthz endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	gateStats := s.manager.GateStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": map[string]interface{}{
			"name":    "streaming-asr-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"sessions": map[string]interface{}{
				"status":       "running",
				"active_count": s.manager.ActiveCount(),
				"max_sessions": s.manager.MaxSessions(),
			},
			"admission_gate": map[string]interface{}{
				"capacity":  gateStats.Capacity,
				"in_flight": gateStats.InFlight,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := s.manager.Snapshot()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Path[len("/sessions/"):]
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, exists := s.manager.Get(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.Info())
}

// handleConfig implements the /config endpoint
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Sanitized configuration; the engine API key is intentionally omitted
	sanitized := map[string]interface{}{
		"server": map[string]interface{}{
			"port":              s.config.Server.Port,
			"bind_address":      s.config.Server.BindAddress,
			"max_sessions":      s.config.Server.MaxSessions,
			"idle_grace_period": s.config.Server.IdleGracePeriod,
			"read_limit":        s.config.Server.ReadLimit,
		},
		"audio": map[string]interface{}{
			"sample_rate":         s.config.Audio.SampleRate,
			"channels":            s.config.Audio.Channels,
			"bit_depth":           s.config.Audio.BitDepth,
			"buffer_max_duration": s.config.Audio.BufferMaxDuration,
		},
		"endpointing": map[string]interface{}{
			"energy_threshold":  s.config.Endpointing.EnergyThreshold,
			"silence_threshold": s.config.Endpointing.SilenceThreshold,
			"use_vad":           s.config.Endpointing.UseVAD,
		},
		"session": map[string]interface{}{
			"default_language":       s.config.Session.DefaultLanguage,
			"default_chunk_duration": s.config.Session.DefaultChunkDuration,
			"max_chunk_duration":     s.config.Session.MaxChunkDuration,
			"retain_context":         s.config.Session.RetainContext,
			"max_inference_failures": s.config.Session.MaxInferenceFailures,
		},
		"engine": map[string]interface{}{
			"endpoint":       s.config.Engine.Endpoint,
			"timeout":        s.config.Engine.Timeout,
			"max_retries":    s.config.Engine.MaxRetries,
			"max_concurrent": s.config.Engine.MaxConcurrent,
			"model":          s.config.Engine.Model,
		},
		"logging": map[string]interface{}{
			"level":  s.config.Logging.Level,
			"format": s.config.Logging.Format,
			"output": s.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitized)
}

// handleStats implements the /stats endpoint
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	gateStats := s.manager.GateStats()

	stats := map[string]interface{}{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": s.manager.ActiveCount(),
			"max_sessions": s.manager.MaxSessions(),
		},
		"admission_gate": gateStats,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Streaming ASR Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /ws":            "Streaming recognition WebSocket",
			"GET /":              "API documentation",
			"GET /healthz":       "Service health check",
			"GET /sessions":      "List all active sessions",
			"GET /sessions/{id}": "Get detailed session information",
			"GET /config":        "Get service configuration",
			"GET /stats":         "Get service statistics",
			"GET /metrics":       "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
