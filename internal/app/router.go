package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/studioledger/studioledger/internal/aging"
	"github.com/studioledger/studioledger/internal/documents"
	"github.com/studioledger/studioledger/internal/observability"
	"github.com/studioledger/studioledger/internal/payments"
	"github.com/studioledger/studioledger/internal/periods"
	"github.com/studioledger/studioledger/internal/platform/httpx"
	"github.com/studioledger/studioledger/internal/rbac"
	"github.com/studioledger/studioledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	DocumentHandler    *documents.Handler
	PaymentHandler     *payments.Handler
	PeriodHandler      *periods.Handler
	AgingHandler       *aging.Handler
	AgingCache         *aging.Cache
	JobHandler         *jobs.Handler
	PermissionsHandler *rbac.PermissionsHandler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with ledger defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	// set before mounting so every sub-router inherits them
	r.NotFound(httpx.NotFound)
	r.MethodNotAllowed(httpx.MethodNotAllowed)

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

	r.Group(func(r chi.Router) {
		if params.AgingCache != nil {
			r.Use(params.AgingCache.InvalidateOnWrite)
		}
		if params.DocumentHandler != nil {
			if params.PaymentHandler != nil {
				params.DocumentHandler.Extend(params.PaymentHandler.MountDocumentRoutes)
			}
			params.DocumentHandler.MountRoutes(r)
		}
		if params.PaymentHandler != nil {
			params.PaymentHandler.MountRoutes(r)
		}
		if params.PeriodHandler != nil {
			params.PeriodHandler.MountRoutes(r)
		}
		if params.AgingHandler != nil {
			params.AgingHandler.MountRoutes(r)
		}
		if params.PermissionsHandler != nil {
			params.PermissionsHandler.MountRoutes(r)
		}
	})

	return r
}
