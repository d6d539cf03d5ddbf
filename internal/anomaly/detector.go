// internal/anomaly/detector.go
package anomaly

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rootkit0/AgroSense-API/internal/config"
	"github.com/rootkit0/AgroSense-API/internal/model"
)

// Detector checks canonical metric values against configured thresholds.
type Detector struct {
	rules map[string]config.Rule
}

func NewDetector(rules map[string]config.Rule) *Detector {
	return &Detector{rules: rules}
}

// Check returns one open alert per metric whose value falls outside its
// configured range. Metrics without a rule are skipped.
func (d *Detector) Check(sensorID, deviceID string, ts time.Time, values map[string]float64) []model.Alert {
	var alerts []model.Alert
	for metric, value := range values {
		rule, ok := d.rules[metric]
		if !ok {
			continue
		}
		if value >= rule.Min && value <= rule.Max {
			continue
		}
		severity := rule.Severity
		if severity == "" {
			severity = "warning"
		}
		alerts = append(alerts, model.Alert{
			ID:        uuid.NewString(),
			SensorID:  sensorID,
			DeviceID:  deviceID,
			Status:    model.AlertOpen,
			Severity:  severity,
			Metric:    metric,
			Value:     value,
			Message:   fmt.Sprintf("%s value %.2f outside range [%.2f, %.2f]", metric, value, rule.Min, rule.Max),
			CreatedAt: ts,
		})
	}
	return alerts
}
