package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/contamx/contamx/internal/audit/http"
	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/observability"
	"github.com/contamx/contamx/internal/orchestrator"
	"github.com/contamx/contamx/internal/reconcile"
	"github.com/contamx/contamx/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	// Tenant resolves the scope for every /api/v1 route.
	Tenant func(http.Handler) http.Handler

	LedgerHandler    *ledger.Handler
	IngestHandler    *ingest.Handler
	ReconcileHandler *reconcile.Handler
	SyncHandler      *orchestrator.Handler
	AuditHandler     *audithttp.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with ContaMX defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.Tenant != nil {
			r.Use(params.Tenant)
		}
		if params.LedgerHandler != nil {
			params.LedgerHandler.MountRoutes(r)
		}
		if params.IngestHandler != nil {
			params.IngestHandler.MountRoutes(r)
		}
		if params.ReconcileHandler != nil {
			params.ReconcileHandler.MountRoutes(r)
		}
		if params.SyncHandler != nil {
			params.SyncHandler.MountRoutes(r)
		}
		params.AuditHandler.MountRoutes(r)
	})

	return r
}
