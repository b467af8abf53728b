// Package monitor implements the operator HTTP API: health, version,
// the running listener table, capture queries and a live WebSocket
// event stream. It is meant for a trusted network and binds to
// loopback by default.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/mirage/internal/capture"
	"github.com/nugget/mirage/internal/connwatch"
	"github.com/nugget/mirage/internal/events"
	"github.com/nugget/mirage/internal/honeypot"
	"github.com/nugget/mirage/internal/memory"
)

// Query limits for /v1/captures/recent.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// DefaultSummaryHours is the window for /v1/captures/summary.
const DefaultSummaryHours = 24

// ListenerSource reports the running listeners. Implemented by
// [honeypot.Orchestrator].
type ListenerSource interface {
	Snapshot() []honeypot.ListenerStatus
}

// HealthSource reports dependency health. Implemented by
// [connwatch.Manager].
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// CaptureStore answers capture queries. Implemented by
// [capture.SQLiteStore].
type CaptureStore interface {
	Recent(ctx context.Context, limit int) ([]capture.Interaction, error)
	Session(ctx context.Context, sessionID string) ([]capture.Interaction, error)
	Summary(ctx context.Context, start, end time.Time) (*capture.Summary, error)
	SummaryByListener(ctx context.Context, start, end time.Time) (map[string]*capture.Summary, error)
}

// SessionSource exposes live conversation memory. Implemented by
// [backend.Service].
type SessionSource interface {
	History(sessionID string) ([]memory.Message, error)
}

// Sources are the data behind the API. Any field may be nil; the
// matching endpoints then report 503.
type Sources struct {
	Listeners ListenerSource
	Health    HealthSource
	Captures  CaptureStore
	Sessions  SessionSource
	Bus       *events.Bus
	// Stats returns free-form component counters for /v1/stats.
	Stats func() map[string]any
}

// Server is the monitor HTTP server.
type Server struct {
	address string
	port    int
	src     Sources
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a monitor server. It does not listen until
// [Server.Start].
func NewServer(address string, port int, src Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		src:     src,
		logger:  logger.With("component", "monitor"),
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(address, strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/listeners", s.handleListeners)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	mux.HandleFunc("GET /v1/captures/recent", s.handleRecent)
	mux.HandleFunc("GET /v1/captures/summary", s.handleSummary)
	mux.HandleFunc("GET /v1/captures/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleLiveSession)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start serves until [Server.Shutdown] is called or the listener
// fails. Request contexts derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	s.logger.Info("starting monitor API", "address", s.address, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor API: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

// intParam parses a positive integer query parameter, falling back to
// def when absent or invalid.
func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
