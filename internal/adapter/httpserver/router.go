package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/observability"
)

// NewRouter assembles the full HTTP surface.
func NewRouter(deps Deps) http.Handler {
	s := NewServer(deps)
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(CorrelationID)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog)
	r.Use(SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(middleware.Timeout(deps.Cfg.HTTPWriteTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(deps.Cfg.CORSAllowOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", correlationHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(deps.Cfg.RateLimitPerMin, time.Minute))

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", s.createInstance)
			r.Get("/", s.listInstances)
			r.Get("/{id}", s.getInstance)
			r.Post("/{id}/start", s.startInstance)
			r.Post("/{id}/stop", s.stopInstance)
			r.Delete("/{id}", s.deleteInstance)
			r.Post("/{id}/last-used", s.updateLastUsed)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/auto-stop/trigger", s.triggerAutoStop)
			r.Get("/auto-stop/stats", s.autoStopStats)
			r.Post("/stop-all", s.stopAll)
			r.Post("/sync", s.triggerSync)
			r.Post("/migration/trigger", s.triggerMigration)
			r.Get("/cache/stats", s.cacheStats)
			r.Post("/cache/clear", s.cacheClear)
			r.Post("/hard-reset", s.hardReset)
		})
	})

	return r
}
