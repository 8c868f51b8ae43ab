package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"printforge/internal/health"
	"printforge/internal/job"
	"printforge/internal/notify"
	"printforge/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Notifier      *notify.Notifier
	HealthChecker *health.Checker
	Metrics       *observability.Metrics
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Notifier, cfg.HealthChecker)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// Job endpoints - auth required
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Post("/v1/jobs", handler.SubmitJob)
		r.Get("/v1/jobs", handler.ListJobs)
		r.Get("/v1/jobs/{jobID}", handler.GetJob)
		r.Get("/v1/jobs/{jobID}/events", handler.WatchJob)
	})

	return r
}
