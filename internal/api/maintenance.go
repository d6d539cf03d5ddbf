// internal/api/maintenance.go
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rootkit0/AgroSense-API/internal/model"
)

// PurgeReadings deletes raw readings past retention, one bounded batch per
// call; operators run it on a schedule.
func (h *Handler) PurgeReadings(w http.ResponseWriter, r *http.Request) {
	olderThanDays := queryInt(r, "olderThanDays", 30, 1, 3650)
	batchSize := queryInt(r, "batchSize", 500, 1, 500)
	dryRun := r.URL.Query().Get("dryRun") == "true"

	cutoff := h.Now().UTC().AddDate(0, 0, -olderThanDays)
	n, err := h.store.PurgeReadings(r.Context(), cutoff, batchSize, dryRun)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if dryRun {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "dry_run",
			"cutoff":      cutoff.Format(time.RFC3339),
			"wouldDelete": n,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"cutoff":  cutoff.Format(time.RFC3339),
		"deleted": n,
	})
}

func (h *Handler) RecomputeTenantStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		badRequest(w, h.log, "tenantId required")
		return
	}
	staleHours := queryInt(r, "staleHours", 2, 1, 168)
	lowBatt := queryInt(r, "lowBatt", 20, 1, 100)

	if err := h.recomputeStats(r.Context(), tenantID, staleHours, lowBatt); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tenantId": tenantID})
}

func (h *Handler) RecomputeAllTenantStats(w http.ResponseWriter, r *http.Request) {
	staleHours := queryInt(r, "staleHours", 2, 1, 168)
	lowBatt := queryInt(r, "lowBatt", 20, 1, 100)

	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	done := make([]string, 0, len(tenants))
	for _, tenantID := range tenants {
		if err := h.recomputeStats(r.Context(), tenantID, staleHours, lowBatt); err != nil {
			writeError(w, h.log, err)
			return
		}
		done = append(done, tenantID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "tenants": done})
}

func (h *Handler) recomputeStats(ctx context.Context, tenantID string, staleHours, lowBatt int) error {
	now := h.Now().UTC()
	staleCutoff := now.Add(-time.Duration(staleHours) * time.Hour)

	sensors, err := h.store.ListSensors(ctx, tenantID)
	if err != nil {
		return err
	}
	var stats model.TenantStats
	stats.StaleMs = int64(staleHours) * 60 * 60 * 1000
	for _, s := range sensors {
		stats.Sensors.Total++
		if !s.Status.LastSeenAt.IsZero() && !s.Status.LastSeenAt.Before(staleCutoff) {
			stats.Sensors.Active++
		}
		if s.Status.BatteryPct != nil && *s.Status.BatteryPct < float64(lowBatt) {
			stats.Sensors.BatteryLow++
		}
	}
	stats.Sensors.Stale = stats.Sensors.Total - stats.Sensors.Active

	alerts, err := h.store.ListOpenAlerts(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		stats.Alerts.Open++
		if a.Severity == "critical" {
			stats.Alerts.CriticalOpen++
		}
	}

	return h.store.PutTenantStats(ctx, tenantID, stats)
}
