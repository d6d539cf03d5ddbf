// internal/ingest/engine.go
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rootkit0/AgroSense-API/internal/alerting"
	"github.com/rootkit0/AgroSense-API/internal/anomaly"
	"github.com/rootkit0/AgroSense-API/internal/device"
	"github.com/rootkit0/AgroSense-API/internal/model"
	"github.com/rootkit0/AgroSense-API/internal/store"
	"github.com/rootkit0/AgroSense-API/internal/telemetry"
	"github.com/rootkit0/AgroSense-API/internal/websocket"
)

// Engine runs the ingestion pipeline for one telemetry batch: resolve the
// device to its tenant-scoped sensor, reconstruct per-sample timestamps,
// merge-write raw minute buckets, fold daily aggregates, then apply the
// last-write-wins sensor summary. The engine never retries internally; a
// failed call is safe to resubmit because bucket ids are deterministic.
type Engine struct {
	store     store.Store
	resolver  *device.Resolver
	detector  *anomaly.Detector
	alerter   *alerting.Alerter
	hub       *websocket.Hub
	retention time.Duration
	log       *slog.Logger

	// now is swappable so tests can pin the batch receipt time.
	Now func() time.Time
}

func NewEngine(st store.Store, resolver *device.Resolver, detector *anomaly.Detector, alerter *alerting.Alerter, hub *websocket.Hub, retentionDays int, log *slog.Logger) *Engine {
	if retentionDays <= 0 {
		retentionDays = 60
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     st,
		resolver:  resolver,
		detector:  detector,
		alerter:   alerter,
		hub:       hub,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log,
		Now:       time.Now,
	}
}

// Result is the ingest response body.
type Result struct {
	Status              string   `json:"status"`
	TenantID            string   `json:"tenantId"`
	SensorID            string   `json:"sensorId"`
	Type                string   `json:"type"`
	Ingested            int      `json:"ingested"`
	UpdatedDailyAggDays []string `json:"updatedDailyAggDays"`
}

// Event is the live-feed payload broadcast per ingested batch.
type Event struct {
	TenantID string             `json:"tenantId"`
	SensorID string             `json:"sensorId"`
	DeviceID string             `json:"deviceId"`
	Type     string             `json:"type"`
	TS       time.Time          `json:"ts"`
	Values   map[string]float64 `json:"values"`
}

func (e *Engine) IngestBatch(ctx context.Context, family telemetry.Family, batch telemetry.Batch) (*Result, error) {
	if len(batch.Samples) == 0 {
		return nil, fmt.Errorf("%w: samples empty", telemetry.ErrInvalid)
	}

	entry, err := e.resolver.Resolve(ctx, batch.DeviceID)
	if err != nil {
		return nil, err
	}

	now := e.Now().UTC()
	interval := batch.IntervalSec
	if interval <= 0 {
		interval = telemetry.DefaultIntervalSec
	}
	buckets := telemetry.Bucketize(now, interval, len(batch.Samples))

	meta := model.ReadingMeta{
		DeviceID:    entry.DeviceID,
		BatteryPct:  batch.BatteryPct,
		RSSI:        batch.RSSI,
		IntervalSec: interval,
		LastType:    string(family),
		Lat:         batch.Lat,
		Lon:         batch.Lon,
	}

	// Per-day fold payloads; a batch can straddle midnight UTC.
	daily := make(map[string]store.DailyFold)
	var lastTS time.Time
	var lastValues map[string]float64

	for i, values := range batch.Samples {
		b := buckets[i]
		upd := store.ReadingUpdate{
			TS:        b.TS,
			Values:    values,
			Meta:      meta,
			ExpiresAt: b.TS.Add(e.retention),
		}
		if err := e.store.MergeReading(ctx, entry.TenantID, entry.SensorID, b.BucketID, upd); err != nil {
			return nil, err
		}

		dayID := telemetry.DayID(b.TS)
		fold, ok := daily[dayID]
		if !ok {
			fold = store.DailyFold{Day: telemetry.DayStart(b.TS), Buckets: make(map[string]map[string]float64)}
		}
		merged := fold.Buckets[b.BucketID]
		if merged == nil {
			merged = make(map[string]float64, len(values))
			fold.Buckets[b.BucketID] = merged
		}
		// Samples collapsing into the same minute: last value wins, same as
		// the raw merge-write.
		for k, v := range values {
			merged[k] = v
		}
		daily[dayID] = fold

		lastTS, lastValues = b.TS, values
	}

	updatedDays := make([]string, 0, len(daily))
	for dayID := range daily {
		updatedDays = append(updatedDays, dayID)
	}
	sort.Strings(updatedDays)
	for _, dayID := range updatedDays {
		if err := e.store.FoldDailyAggregate(ctx, entry.TenantID, entry.SensorID, dayID, daily[dayID]); err != nil {
			return nil, err
		}
	}

	status := store.StatusUpdate{
		Status: model.SensorStatus{
			BatteryPct: batch.BatteryPct,
			RSSI:       batch.RSSI,
			LastSeenAt: now,
			LastLat:    batch.Lat,
			LastLon:    batch.Lon,
		},
		LastReading: &model.LastReading{TS: lastTS, Values: lastValues, Type: string(family)},
	}
	if err := e.store.UpdateSensorStatus(ctx, entry.TenantID, entry.SensorID, status); err != nil {
		return nil, err
	}

	if e.detector != nil && e.alerter != nil {
		if alerts := e.detector.Check(entry.SensorID, entry.DeviceID, lastTS, lastValues); len(alerts) > 0 {
			e.alerter.Process(ctx, entry.TenantID, alerts)
		}
	}
	if e.hub != nil {
		e.hub.BroadcastTelemetry(Event{
			TenantID: entry.TenantID,
			SensorID: entry.SensorID,
			DeviceID: entry.DeviceID,
			Type:     string(family),
			TS:       lastTS,
			Values:   lastValues,
		})
	}

	e.log.Debug("batch ingested",
		"tenantId", entry.TenantID, "sensorId", entry.SensorID,
		"type", family, "samples", len(batch.Samples), "days", updatedDays)

	return &Result{
		Status:              "success",
		TenantID:            entry.TenantID,
		SensorID:            entry.SensorID,
		Type:                string(family),
		Ingested:            len(batch.Samples),
		UpdatedDailyAggDays: updatedDays,
	}, nil
}
