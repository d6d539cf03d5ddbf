// internal/device/resolver.go
package device

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rootkit0/AgroSense-API/internal/model"
	"github.com/rootkit0/AgroSense-API/internal/store"
)

const cacheKeyPrefix = "device:index:"

// Resolver maps a hardware identifier to its (tenant, sensor, field) identity.
// Lookup order: redis cache, then the store's index collection, then a
// fallback scan over sensor documents. A fallback hit repairs both layers so
// subsequent calls are O(1). The cache is optional; a nil client degrades to
// store-only resolution.
type Resolver struct {
	store store.Store
	cache *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

func NewResolver(st store.Store, cache *redis.Client, ttl time.Duration, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Resolver{store: st, cache: cache, ttl: ttl, log: log}
}

// NormalizeHardwareID canonicalizes a hardware id the way the index stores it.
func NormalizeHardwareID(hw string) string {
	return strings.ToUpper(strings.TrimSpace(hw))
}

// Resolve returns the live index entry for a hardware id, or
// store.ErrNotFound when neither the index nor the fallback scan knows it.
func (r *Resolver) Resolve(ctx context.Context, hardwareID string) (*model.IndexEntry, error) {
	hw := NormalizeHardwareID(hardwareID)

	if entry := r.cacheGet(ctx, hw); entry != nil {
		return entry, nil
	}

	entry, err := r.store.GetIndexEntry(ctx, hw)
	if err == nil {
		r.cacheSet(ctx, entry)
		return entry, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Cold or stale index: scan sensor documents by hardware id and repair.
	tenantID, sensor, err := r.store.FindSensorByDevice(ctx, hw)
	if err != nil {
		return nil, err
	}
	repaired := &model.IndexEntry{
		DeviceID: hw,
		TenantID: tenantID,
		SensorID: sensor.ID,
		FieldID:  sensor.FieldID,
	}
	// Repair writes carry an identical payload for the same sensor, so a
	// concurrent resolution of the same id is harmless.
	if err := r.store.PutIndexEntry(ctx, *repaired); err != nil {
		return nil, err
	}
	r.log.Info("device index repaired", "deviceId", hw, "tenantId", tenantID, "sensorId", sensor.ID)
	r.cacheSet(ctx, repaired)
	return repaired, nil
}

func (r *Resolver) cacheGet(ctx context.Context, hw string) *model.IndexEntry {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, cacheKeyPrefix+hw).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("device index cache read failed", "deviceId", hw, "error", err)
		}
		return nil
	}
	var e model.IndexEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil
	}
	return &e
}

func (r *Resolver) cacheSet(ctx context.Context, entry *model.IndexEntry) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// Cache failures never fail a resolve; the store remains authoritative.
	if err := r.cache.Set(ctx, cacheKeyPrefix+entry.DeviceID, raw, r.ttl).Err(); err != nil {
		r.log.Warn("device index cache write failed", "deviceId", entry.DeviceID, "error", err)
	}
}
