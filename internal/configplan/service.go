// internal/configplan/service.go
package configplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/rootkit0/AgroSense-API/internal/device"
	"github.com/rootkit0/AgroSense-API/internal/store"
)

var hex6 = regexp.MustCompile(`^[0-9A-F]{6}$`)

// ConfigTopic is the retained channel carrying the canonical plan bytes.
func ConfigTopic(hardwareID string) string {
	return "/sensors/config/" + hardwareID
}

// MetaTopic is the retained channel carrying {ver, cc}; it is always
// published after the plan itself.
func MetaTopic(hardwareID string) string {
	return "/sensors/config-meta/" + hardwareID
}

// Service validates, versions, stores and publishes configuration plans.
type Service struct {
	store store.Store
	pub   Publisher
	log   *slog.Logger
}

func NewService(st store.Store, pub Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, pub: pub, log: log}
}

type PublishResult struct {
	Ver         int    `json:"ver"`
	CC          string `json:"cc"`
	ConfigTopic string `json:"config"`
	MetaTopic   string `json:"meta"`
}

// Publish canonicalizes rawPlan, allocates the next version, stores the
// canonical bytes and emits the retained pair. Any failure before the first
// publish sends nothing; the meta message is never emitted without the plan.
func (s *Service) Publish(ctx context.Context, tenantID, sensorID, uid string, rawPlan []byte) (*PublishResult, error) {
	if _, err := ParseAndValidate(rawPlan); err != nil {
		return nil, err
	}
	hw, err := s.sensorHardwareID(ctx, tenantID, sensorID)
	if err != nil {
		return nil, err
	}

	canonical, err := Canonicalize(rawPlan)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	cc := ChecksumHex(canonical)

	ver, err := s.store.NextConfigVersion(ctx, tenantID, sensorID, cc, string(canonical), uid)
	if err != nil {
		return nil, err
	}
	if err := s.publishPair(hw, canonical, ver, cc); err != nil {
		return nil, err
	}
	s.log.Info("config published", "tenantId", tenantID, "sensorId", sensorID, "ver", ver, "cc", cc)
	return &PublishResult{Ver: ver, CC: cc, ConfigTopic: ConfigTopic(hw), MetaTopic: MetaTopic(hw)}, nil
}

// Republish re-emits a stored version's exact canonical bytes and checksum.
func (s *Service) Republish(ctx context.Context, tenantID, sensorID string, ver int, uid string) (*PublishResult, error) {
	hw, err := s.sensorHardwareID(ctx, tenantID, sensorID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.GetConfigVersion(ctx, tenantID, sensorID, ver)
	if err != nil {
		return nil, err
	}
	if err := s.publishPair(hw, []byte(cfg.JSON), cfg.Ver, cfg.CC); err != nil {
		return nil, err
	}
	if err := s.store.MarkConfigRepublished(ctx, tenantID, sensorID, ver, uid); err != nil {
		return nil, err
	}
	s.log.Info("config republished", "tenantId", tenantID, "sensorId", sensorID, "ver", ver)
	return &PublishResult{Ver: cfg.Ver, CC: cfg.CC, ConfigTopic: ConfigTopic(hw), MetaTopic: MetaTopic(hw)}, nil
}

func (s *Service) sensorHardwareID(ctx context.Context, tenantID, sensorID string) (string, error) {
	sensor, err := s.store.GetSensor(ctx, tenantID, sensorID)
	if err != nil {
		return "", err
	}
	hw := device.NormalizeHardwareID(sensor.HardwareID)
	if !hex6.MatchString(hw) {
		return "", fmt.Errorf("sensor %s/%s has invalid hardwareId %q", tenantID, sensorID, sensor.HardwareID)
	}
	return hw, nil
}

func (s *Service) publishPair(hw string, plan []byte, ver int, cc string) error {
	if s.pub == nil {
		return errors.New("config publisher unavailable")
	}
	// Plan first. A consumer must never observe meta pointing at a plan
	// payload that has not landed.
	if err := s.pub.PublishRetained(ConfigTopic(hw), plan); err != nil {
		return err
	}
	meta := fmt.Sprintf(`{"ver":%d,"cc":%q}`, ver, cc)
	return s.pub.PublishRetained(MetaTopic(hw), []byte(meta))
}
