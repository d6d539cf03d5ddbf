// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rootkit0/AgroSense-API/internal/model"
)

// Memory is an in-process Store used by tests and single-node development.
// One mutex gives it the per-document atomicity the interface requires.
type Memory struct {
	mu       sync.RWMutex
	index    map[string]model.IndexEntry
	sensors  map[string]map[string]*model.Sensor
	readings map[string]map[string]map[string]*model.Reading
	aggs     map[string]map[string]map[string]*model.DailyAggregate
	configs  map[string]map[string]map[int]*ConfigVersion
	alerts   map[string][]model.Alert
	stats    map[string]model.TenantStats

	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		index:    make(map[string]model.IndexEntry),
		sensors:  make(map[string]map[string]*model.Sensor),
		readings: make(map[string]map[string]map[string]*model.Reading),
		aggs:     make(map[string]map[string]map[string]*model.DailyAggregate),
		configs:  make(map[string]map[string]map[int]*ConfigVersion),
		alerts:   make(map[string][]model.Alert),
		stats:    make(map[string]model.TenantStats),
		Now:      time.Now,
	}
}

func (m *Memory) GetIndexEntry(_ context.Context, deviceID string) (*model.IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.index[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (m *Memory) PutIndexEntry(_ context.Context, entry model.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.UpdatedAt = m.Now()
	m.index[entry.DeviceID] = entry
	return nil
}

func (m *Memory) CreateSensor(_ context.Context, tenantID string, s *model.Sensor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.index[s.HardwareID]; taken {
		return ErrConflict
	}
	if m.sensors[tenantID] == nil {
		m.sensors[tenantID] = make(map[string]*model.Sensor)
	}
	now := m.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.sensors[tenantID][s.ID] = &cp
	m.index[s.HardwareID] = model.IndexEntry{
		DeviceID:  s.HardwareID,
		TenantID:  tenantID,
		SensorID:  s.ID,
		FieldID:   s.FieldID,
		UpdatedAt: now,
	}
	return nil
}

func (m *Memory) GetSensor(_ context.Context, tenantID, sensorID string) (*model.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sensors[tenantID][sensorID]
	if s == nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSensors(_ context.Context, tenantID string) ([]*model.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Sensor, 0, len(m.sensors[tenantID]))
	for _, s := range m.sensors[tenantID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListTenants(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sensors))
	for t := range m.sensors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) FindSensorByDevice(_ context.Context, deviceID string) (string, *model.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var foundTenant string
	var found *model.Sensor
	for tenantID, sensors := range m.sensors {
		for _, s := range sensors {
			if s.HardwareID != deviceID {
				continue
			}
			if found != nil {
				return "", nil, ErrConflict
			}
			cp := *s
			foundTenant, found = tenantID, &cp
		}
	}
	if found == nil {
		return "", nil, ErrNotFound
	}
	return foundTenant, found, nil
}

func (m *Memory) UpdateSensorStatus(_ context.Context, tenantID, sensorID string, upd StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sensors[tenantID][sensorID]
	if s == nil {
		return ErrNotFound
	}
	s.Status = upd.Status
	if upd.LastReading != nil {
		s.LastReading = upd.LastReading
	}
	s.UpdatedAt = m.Now()
	return nil
}

func (m *Memory) MergeReading(_ context.Context, tenantID, sensorID, bucketID string, upd ReadingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buckets := m.sensorReadings(tenantID, sensorID)
	r := buckets[bucketID]
	if r == nil {
		r = &model.Reading{BucketID: bucketID, Values: make(map[string]float64)}
		buckets[bucketID] = r
	}
	for k, v := range upd.Values {
		r.Values[k] = v
	}
	r.TS = upd.TS
	r.Meta = upd.Meta
	r.ExpiresAt = upd.ExpiresAt
	r.UpdatedAt = m.Now()
	return nil
}

func (m *Memory) QueryReadings(_ context.Context, tenantID, sensorID string, from, to time.Time, limit int) ([]model.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Reading
	for _, r := range m.readings[tenantID][sensorID] {
		if r.TS.Before(from) || r.TS.After(to) {
			continue
		}
		// Detach the values map; a later merge into the same bucket must not
		// mutate a snapshot already handed to a caller.
		cp := *r
		cp.Values = make(map[string]float64, len(r.Values))
		for k, v := range r.Values {
			cp.Values[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.After(out[j].TS) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PurgeReadings(_ context.Context, olderThan time.Time, limit int, dryRun bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tenantID, sensors := range m.readings {
		for sensorID, buckets := range sensors {
			for bucketID, r := range buckets {
				if !r.TS.Before(olderThan) {
					continue
				}
				if limit > 0 && n >= limit {
					return n, nil
				}
				n++
				if !dryRun {
					delete(m.readings[tenantID][sensorID], bucketID)
				}
			}
		}
	}
	return n, nil
}

func (m *Memory) FoldDailyAggregate(_ context.Context, tenantID, sensorID, dayID string, fold DailyFold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aggs[tenantID] == nil {
		m.aggs[tenantID] = make(map[string]map[string]*model.DailyAggregate)
	}
	if m.aggs[tenantID][sensorID] == nil {
		m.aggs[tenantID][sensorID] = make(map[string]*model.DailyAggregate)
	}
	agg := m.aggs[tenantID][sensorID][dayID]
	if agg == nil {
		agg = &model.DailyAggregate{DayID: dayID, Day: fold.Day}
		m.aggs[tenantID][sensorID][dayID] = agg
	}
	changed := false
	for bucketID, values := range fold.Buckets {
		if agg.Fold(bucketID, values) {
			changed = true
		}
	}
	if changed {
		agg.UpdatedAt = m.Now()
	}
	return nil
}

func (m *Memory) QueryDailyAggregates(_ context.Context, tenantID, sensorID string, from time.Time, limit int) ([]model.DailyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.DailyAggregate
	for _, a := range m.aggs[tenantID][sensorID] {
		if a.Day.Before(from) {
			continue
		}
		out = append(out, *a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) NextConfigVersion(_ context.Context, tenantID, sensorID, cc, canonicalJSON, uid string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sensors[tenantID][sensorID]
	if s == nil {
		return 0, ErrNotFound
	}
	now := m.Now()
	ver := s.ActiveConfig.Ver + 1
	if m.configs[tenantID] == nil {
		m.configs[tenantID] = make(map[string]map[int]*ConfigVersion)
	}
	if m.configs[tenantID][sensorID] == nil {
		m.configs[tenantID][sensorID] = make(map[int]*ConfigVersion)
	}
	m.configs[tenantID][sensorID][ver] = &ConfigVersion{
		Ver:          ver,
		CC:           cc,
		JSON:         canonicalJSON,
		CreatedByUID: uid,
		CreatedAt:    now,
		PublishedAt:  now,
	}
	s.ActiveConfig = model.ActiveConfig{Ver: ver, CC: cc, UpdatedAt: now}
	s.UpdatedAt = now
	return ver, nil
}

func (m *Memory) GetConfigVersion(_ context.Context, tenantID, sensorID string, ver int) (*ConfigVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.configs[tenantID][sensorID][ver]
	if c == nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) MarkConfigRepublished(_ context.Context, tenantID, sensorID string, ver int, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.configs[tenantID][sensorID][ver]
	if c == nil {
		return ErrNotFound
	}
	now := m.Now()
	c.RepublishedAt = &now
	c.RepublishedByUID = uid
	return nil
}

func (m *Memory) CreateAlert(_ context.Context, tenantID string, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.Now()
	}
	m.alerts[tenantID] = append(m.alerts[tenantID], a)
	return nil
}

func (m *Memory) ListOpenAlerts(_ context.Context, tenantID string) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Alert
	for _, a := range m.alerts[tenantID] {
		if a.Status == model.AlertOpen {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) PutTenantStats(_ context.Context, tenantID string, stats model.TenantStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats.UpdatedAt = m.Now()
	m.stats[tenantID] = stats
	return nil
}

// TenantStats reads back the stats document; used by tests.
func (m *Memory) TenantStats(tenantID string) (model.TenantStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[tenantID]
	return s, ok
}

func (m *Memory) sensorReadings(tenantID, sensorID string) map[string]*model.Reading {
	if m.readings[tenantID] == nil {
		m.readings[tenantID] = make(map[string]map[string]*model.Reading)
	}
	if m.readings[tenantID][sensorID] == nil {
		m.readings[tenantID][sensorID] = make(map[string]*model.Reading)
	}
	return m.readings[tenantID][sensorID]
}
