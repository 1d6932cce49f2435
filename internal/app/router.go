package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/assetgate/internal/audit/http"
	"github.com/odyssey-erp/assetgate/internal/gateway"
	"github.com/odyssey-erp/assetgate/internal/observability"
	"github.com/odyssey-erp/assetgate/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Authenticate   func(http.Handler) http.Handler
	GatewayHandler *gateway.Handler
	AuditHandler   *audithttp.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with gateway defaults.
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

	requestTimeout := 30 * time.Second
	ingestTimeout := time.Hour
	if params.Config != nil {
		if params.Config.AppRequestTimeout > 0 {
			requestTimeout = params.Config.AppRequestTimeout
		}
		if params.Config.AppIngestTimeout > 0 {
			ingestTimeout = params.Config.AppIngestTimeout
		}
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if params.Authenticate != nil {
			api.Use(params.Authenticate)
		}
		api.Group(func(g chi.Router) {
			g.Use(chimw.Timeout(requestTimeout))
			if params.GatewayHandler != nil {
				params.GatewayHandler.MountRoutes(g)
			}
			if params.AuditHandler != nil {
				params.AuditHandler.MountRoutes(g)
			}
			if params.JobHandler != nil {
				g.Route("/jobs", params.JobHandler.MountRoutes)
			}
		})
		api.Group(func(g chi.Router) {
			g.Use(ExtendDeadlines(ingestTimeout, params.Logger), chimw.Timeout(ingestTimeout))
			if params.GatewayHandler != nil {
				params.GatewayHandler.MountStreamingRoutes(g)
			}
		})
	})

	return r
}
