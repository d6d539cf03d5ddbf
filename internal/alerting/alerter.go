// internal/alerting/alerter.go
package alerting

import (
	"context"
	"log/slog"

	"github.com/rootkit0/AgroSense-API/internal/model"
	"github.com/rootkit0/AgroSense-API/internal/store"
	"github.com/rootkit0/AgroSense-API/internal/websocket"
)

// Alerter persists detected alerts into the tenant's alerts collection and
// fans them out to live dashboard clients. Alert delivery never fails an
// ingest: failures are logged and dropped.
type Alerter struct {
	store store.Store
	hub   *websocket.Hub
	log   *slog.Logger
}

func NewAlerter(st store.Store, hub *websocket.Hub, log *slog.Logger) *Alerter {
	if log == nil {
		log = slog.Default()
	}
	return &Alerter{store: st, hub: hub, log: log}
}

func (a *Alerter) Process(ctx context.Context, tenantID string, alerts []model.Alert) {
	for _, alert := range alerts {
		if err := a.store.CreateAlert(ctx, tenantID, alert); err != nil {
			a.log.Error("failed to store alert", "tenantId", tenantID, "metric", alert.Metric, "error", err)
			continue
		}
		a.log.Warn("alert raised",
			"tenantId", tenantID, "sensorId", alert.SensorID,
			"metric", alert.Metric, "value", alert.Value, "severity", alert.Severity)
		if a.hub != nil {
			a.hub.BroadcastAlert(alert)
		}
	}
}
