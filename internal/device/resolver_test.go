package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rootkit0/AgroSense-API/internal/model"
	"github.com/rootkit0/AgroSense-API/internal/store"
)

// coldIndexStore simulates an index that lost entries for some devices,
// forcing the resolver down the fallback-scan path.
type coldIndexStore struct {
	*store.Memory
	missing map[string]bool
}

func (s *coldIndexStore) GetIndexEntry(ctx context.Context, deviceID string) (*model.IndexEntry, error) {
	if s.missing[deviceID] {
		// Wrapped like a real backend would return it.
		return nil, fmt.Errorf("index lookup %s: %w", deviceID, store.ErrNotFound)
	}
	return s.Memory.GetIndexEntry(ctx, deviceID)
}

func (s *coldIndexStore) PutIndexEntry(ctx context.Context, entry model.IndexEntry) error {
	delete(s.missing, entry.DeviceID)
	return s.Memory.PutIndexEntry(ctx, entry)
}

func seedSensor(t *testing.T, m *store.Memory, tenantID, sensorID, hw string) {
	t.Helper()
	err := m.CreateSensor(context.Background(), tenantID, &model.Sensor{
		ID:         sensorID,
		HardwareID: hw,
		FieldID:    "field-1",
	})
	if err != nil {
		t.Fatalf("seed sensor: %v", err)
	}
}

func TestResolveIndexHit(t *testing.T) {
	m := store.NewMemory()
	seedSensor(t, m, "t1", "s1", "A1B2C3")
	r := NewResolver(m, nil, 0, nil)

	entry, err := r.Resolve(context.Background(), " a1b2c3 ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.TenantID != "t1" || entry.SensorID != "s1" || entry.FieldID != "field-1" {
		t.Errorf("entry = %+v, want t1/s1/field-1", entry)
	}
}

func TestResolveRepairsColdIndex(t *testing.T) {
	m := store.NewMemory()
	seedSensor(t, m, "t1", "s1", "A1B2C3")
	cold := &coldIndexStore{Memory: m, missing: map[string]bool{"A1B2C3": true}}
	r := NewResolver(cold, nil, 0, nil)

	entry, err := r.Resolve(context.Background(), "A1B2C3")
	if err != nil {
		t.Fatalf("resolve via fallback: %v", err)
	}
	if entry.TenantID != "t1" || entry.SensorID != "s1" {
		t.Errorf("entry = %+v, want t1/s1", entry)
	}

	// The repair write must make the next lookup an index hit.
	if cold.missing["A1B2C3"] {
		t.Fatal("index entry was not repaired")
	}
	if _, err := r.Resolve(context.Background(), "A1B2C3"); err != nil {
		t.Fatalf("resolve after repair: %v", err)
	}
}

func TestResolveUnknownDevice(t *testing.T) {
	m := store.NewMemory()
	r := NewResolver(m, nil, 0, nil)

	_, err := r.Resolve(context.Background(), "FFFFFF")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestNormalizeHardwareID(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"a1b2c3", "A1B2C3"},
		{"  A1B2C3\n", "A1B2C3"},
		{"A1B2C3", "A1B2C3"},
	} {
		if got := NormalizeHardwareID(tc.in); got != tc.want {
			t.Errorf("NormalizeHardwareID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGenerateHardwareIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		hw, err := GenerateHardwareID()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(hw) != 6 {
			t.Fatalf("id %q has length %d, want 6", hw, len(hw))
		}
		for _, c := range hw {
			if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
				t.Fatalf("id %q contains non-uppercase-hex rune %q", hw, c)
			}
		}
		seen[hw] = true
	}
	if len(seen) < 2 {
		t.Error("generator returned the same id 32 times")
	}
}
