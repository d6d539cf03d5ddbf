// internal/configplan/schema.go
package configplan

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPlan marks a plan that fails schema validation.
var ErrInvalidPlan = errors.New("invalid config plan")

// Firmware constraints for acquisition plans.
const (
	ChannelCount   = 3
	MaxFields      = 24
	MaxSteps       = 16
	MaxDecode      = 10
	MaxRegsPerStep = 32
	MaxFieldName   = 32
)

var decodeTypes = map[string]int{
	"u16":   1,
	"s16":   1,
	"u32be": 2,
	"s32be": 2,
	"f32be": 2,
}

type Channel struct {
	GPIO       int  `json:"gpio"`
	ActiveHigh bool `json:"active_high"`
	WarmupMs   int  `json:"warmup_ms"`
}

type Modbus struct {
	Addr      int `json:"addr"`
	Reg       int `json:"reg"`
	Count     int `json:"count"`
	TimeoutMs int `json:"timeout_ms"`
}

type Decode struct {
	Idx    int     `json:"idx"`
	Type   string  `json:"type"`
	RegOfs int     `json:"reg_ofs"`
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

type Step struct {
	Ch     int      `json:"ch"`
	Modbus Modbus   `json:"modbus"`
	Decode []Decode `json:"decode"`
}

// Plan is the typed view of an acquisition plan, used for validation only.
// Canonical bytes are derived from the submitted object, unknown keys
// included, so validation never alters what gets published.
type Plan struct {
	Ver      int       `json:"ver"`
	Channels []Channel `json:"channels"`
	Fields   []string  `json:"fields"`
	Steps    []Step    `json:"steps"`
}

// ParseAndValidate decodes a raw plan and checks the firmware constraints.
func ParseAndValidate(raw []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) Validate() error {
	if len(p.Channels) != ChannelCount {
		return fmt.Errorf("%w: channels must have length %d", ErrInvalidPlan, ChannelCount)
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("%w: fields empty", ErrInvalidPlan)
	}
	if len(p.Fields) > MaxFields {
		return fmt.Errorf("%w: too many fields", ErrInvalidPlan)
	}
	for _, name := range p.Fields {
		if len(name) == 0 || len(name) > MaxFieldName {
			return fmt.Errorf("%w: invalid field name %q", ErrInvalidPlan, name)
		}
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: steps empty", ErrInvalidPlan)
	}
	if len(p.Steps) > MaxSteps {
		return fmt.Errorf("%w: too many steps", ErrInvalidPlan)
	}
	for i, st := range p.Steps {
		if st.Ch < 0 || st.Ch >= ChannelCount {
			return fmt.Errorf("%w: step %d ch out of range", ErrInvalidPlan, i)
		}
		if st.Modbus.Count <= 0 || st.Modbus.Count > MaxRegsPerStep {
			return fmt.Errorf("%w: step %d modbus.count out of range", ErrInvalidPlan, i)
		}
		if len(st.Decode) == 0 || len(st.Decode) > MaxDecode {
			return fmt.Errorf("%w: step %d decode list size out of range", ErrInvalidPlan, i)
		}
		for j, d := range st.Decode {
			need, ok := decodeTypes[d.Type]
			if !ok {
				return fmt.Errorf("%w: step %d decode %d unknown type %q", ErrInvalidPlan, i, j, d.Type)
			}
			if d.Idx < 0 || d.Idx >= len(p.Fields) {
				return fmt.Errorf("%w: step %d decode %d idx out of range", ErrInvalidPlan, i, j)
			}
			if d.RegOfs < 0 || d.RegOfs+need > st.Modbus.Count {
				return fmt.Errorf("%w: step %d decode %d reg_ofs out of range", ErrInvalidPlan, i, j)
			}
		}
	}
	return nil
}
