package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covertsh/covert/internal/config"
	"github.com/covertsh/covert/internal/version"
)

// ReadyCheck reports whether the server is ready to accept logical requests.
// The core server wires this to its Ready method, which does not consult the
// storage pool's seal state.
type ReadyCheck func(ctx context.Context) error

// Server holds the HTTP server dependencies and the outer chi router. Domain
// routes (the "/v1" logical-request pipeline) are mounted onto Router after
// construction.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	ready     ReadyCheck
	startedAt time.Time
}

// NewServer creates an HTTP server with global middleware and the
// unauthenticated health/metrics endpoints.
func NewServer(cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry, ready ReadyCheck) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		ready:     ready,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "X-Vault-Token", "Content-Type", "X-Request-ID", "X-Covert-Namespace"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// Mount attaches a handler (typically the /v1 logical-request pipeline) at
// the given path prefix.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.Router.Mount(pattern, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	if err := s.ready(r.Context()); err != nil {
		s.Logger.Error("readiness check failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the process-level version/uptime shape Status returns.
// The sys/status response is built separately by the system backend and
// does not use it.
type statusResponse struct {
	Version       string `json:"version"`
	CommitSHA     string `json:"commit_sha"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Status returns process-level version/uptime information, with uptime
// measured from NewServer.
func (s *Server) Status() statusResponse {
	uptime := time.Since(s.startedAt)
	return statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}
}
