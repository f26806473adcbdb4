package healthcheck

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
	"go.uber.org/zap"
)

// Version is stamped at build time.
var Version = "dev"

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Server serves liveness, readiness, metrics and any extra handler (the webhook).
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *zap.Logger

	mu           sync.RWMutex
	checks       map[string]Check
	checkTimeout time.Duration
}

// HealthResponse is the response structure for health check endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates a server listening on the given port.
func NewServer(port string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux:          mux,
		logger:       logger,
		checks:       make(map[string]Check),
		checkTimeout: 2 * time.Second,
	}

	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Handle mounts an additional handler on the shared mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.logger.Info("Registering handler", zap.String("pattern", pattern))
	s.mux.Handle(pattern, handler)
}

// AddReadinessCheck registers a named dependency probe for /ready.
func (s *Server) AddReadinessCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{
		Status:  "UP",
		Version: Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
	defer cancel()

	status, code := "READY", http.StatusOK
	details := map[string]string{"timestamp": utils.FormatISO8601(utils.Now())}
	for _, name := range names {
		s.mu.RLock()
		check := s.checks[name]
		s.mu.RUnlock()

		if err := check(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			details[name] = "DOWN"
			status, code = "NOT_READY", http.StatusServiceUnavailable
			continue
		}
		details[name] = "UP"
	}

	utils.WriteJSONResponse(w, code, HealthResponse{Status: status, Details: details})
}
