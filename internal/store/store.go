// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rootkit0/AgroSense-API/internal/model"
)

var (
	// ErrNotFound is returned for missing documents and unresolved keys.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a create hits an existing key or a
	// uniqueness assumption is violated.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable is returned when the backing store failed, including
	// an exhausted optimistic-retry loop.
	ErrUnavailable = errors.New("store: unavailable")
)

// ReadingUpdate is one merge-write into a minute-bucketed reading document.
// Values are merged key-by-key; Meta, TS and ExpiresAt overwrite.
type ReadingUpdate struct {
	TS        time.Time
	Values    map[string]float64
	Meta      model.ReadingMeta
	ExpiresAt time.Time
}

// DailyFold carries every bucket of one batch that falls on one calendar day.
// Buckets maps bucketID -> metric -> value.
type DailyFold struct {
	Day     time.Time
	Buckets map[string]map[string]float64
}

// StatusUpdate is the last-write-wins sensor summary applied after the
// per-sample writes of a batch.
type StatusUpdate struct {
	Status      model.SensorStatus
	LastReading *model.LastReading
}

// ConfigVersion is one immutable published configuration document.
type ConfigVersion struct {
	Ver              int        `json:"ver"`
	CC               string     `json:"cc"`
	JSON             string     `json:"json"`
	CreatedByUID     string     `json:"createdByUid,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	PublishedAt      time.Time  `json:"publishedAt"`
	RepublishedAt    *time.Time `json:"republishedAt,omitempty"`
	RepublishedByUID string     `json:"republishedByUid,omitempty"`
}

// Store is the tenant-scoped document store boundary. Implementations must
// provide per-document atomicity; FoldDailyAggregate must additionally
// guarantee that the seen-set check and the statistic update are not split
// by a concurrent fold of the same bucket.
type Store interface {
	// Device index.
	GetIndexEntry(ctx context.Context, deviceID string) (*model.IndexEntry, error)
	PutIndexEntry(ctx context.Context, entry model.IndexEntry) error

	// Sensors. CreateSensor claims the hardware id in the device index and
	// creates the sensor document together; ErrConflict if the id is taken.
	CreateSensor(ctx context.Context, tenantID string, s *model.Sensor) error
	GetSensor(ctx context.Context, tenantID, sensorID string) (*model.Sensor, error)
	ListSensors(ctx context.Context, tenantID string) ([]*model.Sensor, error)
	ListTenants(ctx context.Context) ([]string, error)
	// FindSensorByDevice is the fallback scan used to repair a cold index.
	// ErrConflict if the device id matches more than one sensor.
	FindSensorByDevice(ctx context.Context, deviceID string) (tenantID string, s *model.Sensor, err error)
	UpdateSensorStatus(ctx context.Context, tenantID, sensorID string, upd StatusUpdate) error

	// Raw readings.
	MergeReading(ctx context.Context, tenantID, sensorID, bucketID string, upd ReadingUpdate) error
	QueryReadings(ctx context.Context, tenantID, sensorID string, from, to time.Time, limit int) ([]model.Reading, error)
	PurgeReadings(ctx context.Context, olderThan time.Time, limit int, dryRun bool) (int, error)

	// Daily aggregates.
	FoldDailyAggregate(ctx context.Context, tenantID, sensorID, dayID string, fold DailyFold) error
	QueryDailyAggregates(ctx context.Context, tenantID, sensorID string, from time.Time, limit int) ([]model.DailyAggregate, error)

	// Config versions. NextConfigVersion atomically allocates the next
	// version, stores the canonical document and updates the sensor's
	// activeConfig pointer.
	NextConfigVersion(ctx context.Context, tenantID, sensorID, cc, canonicalJSON, uid string) (int, error)
	GetConfigVersion(ctx context.Context, tenantID, sensorID string, ver int) (*ConfigVersion, error)
	MarkConfigRepublished(ctx context.Context, tenantID, sensorID string, ver int, uid string) error

	// Alerts and tenant stats.
	CreateAlert(ctx context.Context, tenantID string, a model.Alert) error
	ListOpenAlerts(ctx context.Context, tenantID string) ([]model.Alert, error)
	PutTenantStats(ctx context.Context, tenantID string, stats model.TenantStats) error
}
