package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rootkit0/AgroSense-API/internal/telemetry"
)

// NewRouter wires the full HTTP surface: public health/login/ws, API-key
// gated device endpoints, and bearer-token gated admin endpoints.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Post("/auth/login", h.Login)
	r.Get("/ws", h.HandleWebSocket)

	// Device-facing endpoints, API key via X-API-Key header or ?k=.
	r.Group(func(r chi.Router) {
		r.Use(h.auth.APIKeyMiddleware)

		for _, family := range telemetry.Families {
			r.Post("/sensors/"+familyPath(family), h.Ingest(family))
		}
		r.Get("/devices/{deviceID}/resolve", h.ResolveDevice)
		r.Get("/tenants/{tenantID}/sensors/{sensorID}/readings", h.GetReadings)
		r.Get("/tenants/{tenantID}/sensors/{sensorID}/dailyAgg", h.GetDailyAgg)

		r.Post("/maintenance/purge-readings", h.PurgeReadings)
		r.Post("/maintenance/recompute-tenant-stats", h.RecomputeTenantStats)
		r.Post("/maintenance/recompute-all-tenant-stats", h.RecomputeAllTenantStats)
	})

	// Admin endpoints, bearer token, role-gated per handler.
	r.Group(func(r chi.Router) {
		r.Use(h.auth.JWTMiddleware)

		r.Post("/tenants/{tenantID}/sensors", h.CreateSensor)
		r.Post("/tenants/{tenantID}/sensors/{sensorID}/configs:publish", h.PublishConfig)
		r.Post("/tenants/{tenantID}/sensors/{sensorID}/configs/{ver}:republish", h.RepublishConfig)
	})

	return r
}

// familyPath maps a family name onto its URL segment (npk -> npk,
// soil_moisture -> soil-moisture).
func familyPath(f telemetry.Family) string {
	return strings.ReplaceAll(string(f), "_", "-")
}
