// internal/model/model.go
package model

import "time"

// IndexEntry maps a hardware identifier to its owning tenant and sensor.
// At most one live mapping exists per hardware id.
type IndexEntry struct {
	DeviceID  string    `json:"deviceId"`
	TenantID  string    `json:"tenantId"`
	SensorID  string    `json:"sensorId"`
	FieldID   string    `json:"fieldId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SensorStatus holds the last-write-wins health fields updated on every ingest.
type SensorStatus struct {
	BatteryPct *float64  `json:"batteryPct,omitempty"`
	RSSI       *float64  `json:"rssi,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	LastLat    *float64  `json:"lastLat,omitempty"`
	LastLon    *float64  `json:"lastLon,omitempty"`
}

// LastReading summarises the most recent sample written for a sensor.
type LastReading struct {
	TS     time.Time          `json:"ts"`
	Values map[string]float64 `json:"values"`
	Type   string             `json:"type"`
}

// ActiveConfig points at the currently published configuration version.
type ActiveConfig struct {
	Ver       int       `json:"ver"`
	CC        string    `json:"cc,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Sensor struct {
	ID           string             `json:"sensorId"`
	Name         string             `json:"name"`
	FieldID      string             `json:"fieldId,omitempty"`
	HardwareID   string             `json:"hardwareId"`
	Location     map[string]float64 `json:"location,omitempty"`
	Status       SensorStatus       `json:"status"`
	LastReading  *LastReading       `json:"lastReading,omitempty"`
	ActiveConfig ActiveConfig       `json:"activeConfig"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// ReadingMeta is overwritten wholesale by the most recent batch that touches
// a bucket.
type ReadingMeta struct {
	DeviceID    string   `json:"deviceId"`
	BatteryPct  *float64 `json:"batteryPct,omitempty"`
	RSSI        *float64 `json:"rssi,omitempty"`
	IntervalSec int      `json:"intervalSec"`
	LastType    string   `json:"lastType"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
}

// Reading is one minute-bucketed raw document. Values from different metric
// families sharing the bucket coexist in the values map.
type Reading struct {
	BucketID  string             `json:"id"`
	TS        time.Time          `json:"ts"`
	Values    map[string]float64 `json:"values"`
	Meta      ReadingMeta        `json:"meta"`
	ExpiresAt time.Time          `json:"expiresAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

type Alert struct {
	ID        string    `json:"id"`
	SensorID  string    `json:"sensorId"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Status    string    `json:"status"`
	Severity  string    `json:"severity"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	AlertOpen   = "open"
	AlertClosed = "closed"
)

// TenantStats is the denormalized per-tenant summary document.
type TenantStats struct {
	Sensors struct {
		Total      int `json:"total"`
		Active     int `json:"active"`
		Stale      int `json:"stale"`
		BatteryLow int `json:"batteryLow"`
	} `json:"sensors"`
	Alerts struct {
		Open         int `json:"open"`
		CriticalOpen int `json:"criticalOpen"`
	} `json:"alerts"`
	StaleMs   int64     `json:"staleMs"`
	UpdatedAt time.Time `json:"updatedAt"`
}
