// internal/model/aggregate.go
package model

import "time"

// MetricAgg is one metric's rolling daily statistic. Seen lists the minute
// buckets already folded in, so a retried batch cannot count a bucket twice.
type MetricAgg struct {
	Min   float64         `json:"min"`
	Max   float64         `json:"max"`
	Sum   float64         `json:"sum"`
	Count int64           `json:"count"`
	Seen  map[string]bool `json:"seen"`
}

// DailyAggregate is one calendar day (UTC) of rolled-up statistics for a
// sensor. Each metric keeps its own seen set.
type DailyAggregate struct {
	DayID     string                `json:"id"`
	Day       time.Time             `json:"day"`
	Metrics   map[string]*MetricAgg `json:"metrics"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// Fold applies one bucket's metric values to the aggregate. A (bucket, metric)
// pair that was already folded is skipped. Returns true if any statistic
// changed, so a store backend can avoid a write on a pure retry.
func (a *DailyAggregate) Fold(bucketID string, values map[string]float64) bool {
	if a.Metrics == nil {
		a.Metrics = make(map[string]*MetricAgg)
	}
	changed := false
	for name, v := range values {
		m := a.Metrics[name]
		if m == nil {
			m = &MetricAgg{Min: v, Max: v, Seen: make(map[string]bool)}
			a.Metrics[name] = m
		}
		if m.Seen == nil {
			m.Seen = make(map[string]bool)
		}
		if m.Seen[bucketID] {
			continue
		}
		m.Seen[bucketID] = true
		if m.Count == 0 || v < m.Min {
			m.Min = v
		}
		if m.Count == 0 || v > m.Max {
			m.Max = v
		}
		m.Sum += v
		m.Count++
		changed = true
	}
	return changed
}

// Clone deep-copies the aggregate so an optimistic-concurrency writer can fold
// into a scratch copy and retry from the stored state on conflict.
func (a *DailyAggregate) Clone() *DailyAggregate {
	out := &DailyAggregate{
		DayID:     a.DayID,
		Day:       a.Day,
		Metrics:   make(map[string]*MetricAgg, len(a.Metrics)),
		UpdatedAt: a.UpdatedAt,
	}
	for name, m := range a.Metrics {
		cp := &MetricAgg{Min: m.Min, Max: m.Max, Sum: m.Sum, Count: m.Count, Seen: make(map[string]bool, len(m.Seen))}
		for b := range m.Seen {
			cp.Seen[b] = true
		}
		out.Metrics[name] = cp
	}
	return out
}
