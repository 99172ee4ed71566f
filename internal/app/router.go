package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fresco-retail/fresco/internal/allocation"
	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/campaign"
	"github.com/fresco-retail/fresco/internal/observability"
	"github.com/fresco-retail/fresco/internal/platform/httpx"
	"github.com/fresco-retail/fresco/internal/pricing"
	"github.com/fresco-retail/fresco/jobs"
)

// RouterParams aggregates the handlers mounted on the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	Metrics           *observability.Metrics
	BatchHandler      *batch.Handler
	AllocationHandler *allocation.Handler
	CampaignHandler   *campaign.Handler
	PricingHandler    *pricing.Handler
	JobHandler        *jobs.Handler
}

// NewRouter builds the chi router with the default middleware stack.
func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Logger: p.Logger, Config: p.Config, Metrics: p.Metrics}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())

	if p.BatchHandler != nil {
		r.Route("/batches", p.BatchHandler.MountRoutes)
	}
	if p.AllocationHandler != nil {
		r.Route("/allocations", p.AllocationHandler.MountRoutes)
	}
	if p.CampaignHandler != nil {
		r.Route("/campaigns", p.CampaignHandler.MountRoutes)
	}
	if p.PricingHandler != nil {
		r.Route("/price-changes", p.PricingHandler.MountRoutes)
	}
	if p.JobHandler != nil {
		r.Route("/jobs", p.JobHandler.MountRoutes)
	}

	return r
}
