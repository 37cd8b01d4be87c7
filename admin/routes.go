package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/telemetry"
)

// NewRouter builds the admin router. /health and /metrics stay open; every
// other route requires token when it is set.
func NewRouter(h *AdminHandlers, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(TokenAuth(token))
		r.Get("/stats", h.handleStats)
		r.Get("/records/{key}", h.handleRecord)
		r.Get("/sync", h.handleSyncPage)
		r.Post("/migrate", h.handleMigrate)

		r.Route("/devices/{device}", func(r chi.Router) {
			r.Get("/entries", h.handleDeviceEntries)
			r.Delete("/", h.handleRemoveDevice)
		})

		r.Route("/publisher", func(r chi.Router) {
			r.Get("/events", h.handlePublishedEvents)
			r.Get("/sinks/{sink}", h.handleSinkCursor)
		})
	})
	return r
}
