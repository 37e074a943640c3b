package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"codepair/internal/auth"
	"codepair/internal/config"
	"codepair/internal/jobs"
	"codepair/internal/monitor"
	"codepair/internal/ratelimit"
	"codepair/internal/session"
	"codepair/internal/storage"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the components the HTTP surface exposes. Queue, Executor,
// Limiter, Executions, Results and Gateway may be nil.
type Deps struct {
	Registry   *session.Registry
	Queue      *jobs.Queue
	Executor   *jobs.Executor
	Verifier   *auth.Verifier
	Limiter    ratelimit.Limiter
	Executions ExecutionLog
	Results    *storage.ResultWriter
	Gateway    http.Handler
	Metrics    *monitor.Metrics
	Checks     map[string]HealthCheck
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	deps       Deps
	startTime  time.Time
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	handlers := &Handlers{
		registry:   deps.Registry,
		queue:      deps.Queue,
		executor:   deps.Executor,
		limiter:    deps.Limiter,
		executions: deps.Executions,
		results:    deps.Results,
		metrics:    deps.Metrics,
	}

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /jobs", handlers.HandleSubmitJob)
	apiMux.HandleFunc("GET /jobs/{id}", handlers.HandleGetJob)
	apiMux.HandleFunc("DELETE /jobs/{id}", handlers.HandleCancelJob)
	apiMux.HandleFunc("GET /jobs/{id}/events", handlers.HandleJobEvents)
	apiMux.HandleFunc("GET /sessions/{id}", handlers.HandleGetSession)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	if deps.Gateway != nil {
		apiMux.Handle("GET /ws", deps.Gateway)
	}

	var authedAPI http.Handler = RateLimitMiddleware(deps.Limiter, "api")(apiMux)
	authedAPI = AuthMiddleware(deps.Verifier)(authedAPI)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:        cfg.Address(),
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WebSocket connections outlive any per-request write timeout; the
		// gateway sets its own write deadlines.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// WebSocket connections are not tracked and must be drained by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status: "ok",
		Checks: make(map[string]bool, len(s.deps.Checks)),
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Registry != nil {
		resp.Sessions = s.deps.Registry.Len()
	}
	if s.deps.Queue != nil {
		resp.Jobs = s.deps.Queue.Len()
	}

	for name, check := range s.deps.Checks {
		ok := check(ctx)
		resp.Checks[name] = ok
		if !ok {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
