// Package api serves the orchestrator's HTTP interface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/engine"
	"github.com/sells-group/orchestrator/internal/events"
	"github.com/sells-group/orchestrator/internal/metrics"
	"github.com/sells-group/orchestrator/internal/monitoring"
	"github.com/sells-group/orchestrator/internal/store"
)

// Options wires the server's collaborators. Engine and Repo are required.
type Options struct {
	Engine      *engine.Engine
	Repo        store.Repository
	Alerts      *monitoring.AlertManager
	Hub         *events.Hub
	Metrics     *metrics.Metrics
	CORSOrigins []string
	Now         func() time.Time
}

// Server holds the HTTP handlers.
type Server struct {
	engine  *engine.Engine
	repo    store.Repository
	alerts  *monitoring.AlertManager
	hub     *events.Hub
	metrics *metrics.Metrics
	origins []string
	now     func() time.Time
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		engine:  opts.Engine,
		repo:    opts.Repo,
		alerts:  opts.Alerts,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		origins: opts.CORSOrigins,
		now:     opts.Now,
	}
	if s.alerts == nil {
		s.alerts = monitoring.NewAlertManager(opts.Repo)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Get("/{workflowID}", s.getWorkflow)
			r.Get("/{workflowID}/history", s.workflowHistory)
			r.Post("/{workflowID}/runs", s.triggerRun)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{runID}", s.getRun)
			r.Get("/{runID}/status", s.runStatus)
			r.Get("/{runID}/watch", s.watchRun)
			r.Post("/{runID}/{action}", s.controlRun)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.listAlerts)
			r.Post("/{alertID}/acknowledge", s.acknowledgeAlert)
			r.Post("/{alertID}/resolve", s.resolveAlert)
		})
		r.Get("/providers", s.listProviders)
	})

	return r
}

// observe logs each request and records it in Prometheus under its route
// pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
		}
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
