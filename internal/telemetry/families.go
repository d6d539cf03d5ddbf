// internal/telemetry/families.go
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid marks malformed batch input: unknown family, empty samples,
// missing required sample fields.
var ErrInvalid = errors.New("invalid telemetry input")

// Family is one of the closed set of sample schemas the firmware can report.
// Each family maps its short wire fields onto canonical metric keys; the
// bucketing, merge and aggregation pipeline is generic over the result.
type Family string

const (
	FamilyNPK            Family = "npk"
	FamilySoilMoisture   Family = "soil_moisture"
	FamilyFertirrigation Family = "fertirrigation"
	FamilyHygrometer     Family = "hygrometer"
	FamilyLeafWetness    Family = "leaf_wetness"
	FamilyRainGauge      Family = "rain_gauge"
	FamilyThermalStress  Family = "thermal_stress"
)

// Families lists every supported family, in route order.
var Families = []Family{
	FamilyNPK,
	FamilySoilMoisture,
	FamilyFertirrigation,
	FamilyHygrometer,
	FamilyLeafWetness,
	FamilyRainGauge,
	FamilyThermalStress,
}

// Batch is a decoded ingest submission: identity and link metadata from the
// envelope plus one canonical metric-value map per sample, oldest first.
type Batch struct {
	DeviceID    string
	Lat         *float64
	Lon         *float64
	BatteryPct  *float64
	RSSI        *float64
	IntervalSec int
	Samples     []map[string]float64
}

type npkSample struct {
	N *float64 `json:"n"`
	P *float64 `json:"p"`
	K *float64 `json:"k"`
}

type soilMoistSample struct {
	V *float64 `json:"v"`
}

type fertSample struct {
	EC *float64 `json:"ec"`
	ST *float64 `json:"st"`
}

type hygroSample struct {
	AT *float64 `json:"at"`
	RH *float64 `json:"rh"`
}

type leafSample struct {
	W  *bool    `json:"w"`
	WD *float64 `json:"wd"`
}

type rainSample struct {
	R  *float64 `json:"r"`
	RI *float64 `json:"ri"`
}

type thermalSample struct {
	TT *float64 `json:"tt"`
}

// DecodeSample converts one raw sample of the given family into canonical
// metric values. Optional wire fields that are absent produce no metric key.
func DecodeSample(f Family, raw json.RawMessage) (map[string]float64, error) {
	switch f {
	case FamilyNPK:
		var s npkSample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if s.N == nil || s.P == nil || s.K == nil {
			return nil, fmt.Errorf("%w: npk sample requires n, p, k", ErrInvalid)
		}
		return map[string]float64{
			"nitrogen_mgkg":   *s.N,
			"phosphorus_mgkg": *s.P,
			"potassium_mgkg":  *s.K,
		}, nil
	case FamilySoilMoisture:
		var s soilMoistSample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if s.V == nil {
			return nil, fmt.Errorf("%w: soil_moisture sample requires v", ErrInvalid)
		}
		return map[string]float64{"vwc_percent": *s.V}, nil
	case FamilyFertirrigation:
		var s fertSample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if s.EC == nil {
			return nil, fmt.Errorf("%w: fertirrigation sample requires ec", ErrInvalid)
		}
		vals := map[string]float64{"ec_mscm": *s.EC}
		if s.ST != nil {
			vals["solution_temp_c"] = *s.ST
		}
		return vals, nil
	case FamilyHygrometer:
		var s hygroSample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if s.AT == nil || s.RH == nil {
			return nil, fmt.Errorf("%w: hygrometer sample requires at, rh", ErrInvalid)
		}
		return map[string]float64{"air_temp_c": *s.AT, "rh_percent": *s.RH}, nil
	case FamilyLeafWetness:
		var s leafSample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if s.W == nil {
			return nil, fmt.Errorf("%w: leaf_wetness sample requires w", ErrInvalid)
		}
		wet := 0.0
		if *s.W {
			wet = 1.0
		}
		vals := map[string]float64{"wet": wet}
		if s.WD != nil {
			vals["wet_duration_s"] = *s.WD
		}
		return vals, nil
	case FamilyRainGauge:
		var s rainSample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if s.R == nil {
			return nil, fmt.Errorf("%w: rain_gauge sample requires r", ErrInvalid)
		}
		vals := map[string]float64{"rainfall_mm": *s.R}
		if s.RI != nil {
			vals["intensity_mm_h"] = *s.RI
		}
		return vals, nil
	case FamilyThermalStress:
		var s thermalSample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if s.TT == nil {
			return nil, fmt.Errorf("%w: thermal_stress sample requires tt", ErrInvalid)
		}
		return map[string]float64{"temperature_c": *s.TT}, nil
	}
	return nil, fmt.Errorf("%w: unsupported family %q", ErrInvalid, f)
}

// DecodeSamples decodes a whole samples array for one family.
func DecodeSamples(f Family, raws []json.RawMessage) ([]map[string]float64, error) {
	out := make([]map[string]float64, 0, len(raws))
	for i, raw := range raws {
		vals, err := DecodeSample(f, raw)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out = append(out, vals)
	}
	return out, nil
}
