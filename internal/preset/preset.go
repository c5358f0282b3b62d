// Package preset provides the per-phase VWC/EC targets. A preset is composed
// from a rockwool reference, an additive medium adjustment and an additive
// growth-stage adjustment; composed presets are values and never mutated.
package preset

import (
	"errors"
	"fmt"
	"time"

	"github.com/agsys/crop-steering/internal/model"
)

// MaxShotDuration is the absolute cap on a single irrigation shot
const MaxShotDuration = 600 * time.Second

// ErrInvalidPreset is returned when a preset violates Min < Target < Max
var ErrInvalidPreset = errors.New("invalid preset")

// Preset holds the targets for one phase
type Preset struct {
	Phase model.Phase `yaml:"-" json:"phase"`

	VWCTarget float64 `yaml:"vwc_target" json:"vwc_target"`
	VWCMin    float64 `yaml:"vwc_min" json:"vwc_min"`
	VWCMax    float64 `yaml:"vwc_max" json:"vwc_max"`
	ECTarget  float64 `yaml:"ec_target" json:"ec_target"`
	ECMin     float64 `yaml:"ec_min" json:"ec_min"`
	ECMax     float64 `yaml:"ec_max" json:"ec_max"`

	// Shot length: saturation shots in P1, maintenance shots in P2,
	// emergency shots in P3
	IrrigationDuration time.Duration `yaml:"irrigation_duration" json:"irrigation_duration"`

	// P1
	MaxShots         int           `yaml:"max_shots" json:"max_shots,omitempty"`
	WaitBetweenShots time.Duration `yaml:"wait_between_shots" json:"wait_between_shots,omitempty"`

	// P2
	HoldFraction        float64       `yaml:"hold_fraction" json:"hold_fraction,omitempty"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" json:"maintenance_interval,omitempty"`

	// P3
	TargetDrybackPercent       float64 `yaml:"target_dryback_percent" json:"target_dryback_percent,omitempty"`
	MinDrybackPercent          float64 `yaml:"min_dryback_percent" json:"min_dryback_percent,omitempty"`
	MaxDrybackPercent          float64 `yaml:"max_dryback_percent" json:"max_dryback_percent,omitempty"`
	EmergencyThresholdFraction float64 `yaml:"emergency_threshold_fraction" json:"emergency_threshold_fraction,omitempty"`
	MaxEmergencyShots          int     `yaml:"max_emergency_shots" json:"max_emergency_shots,omitempty"`
}

// Check verifies the ordering invariants of the preset
func (p Preset) Check() error {
	if !(p.VWCMin < p.VWCTarget && p.VWCTarget < p.VWCMax) {
		return fmt.Errorf("%w: %s VWC min %.1f < target %.1f < max %.1f does not hold",
			ErrInvalidPreset, p.Phase, p.VWCMin, p.VWCTarget, p.VWCMax)
	}
	if !(p.ECMin < p.ECTarget && p.ECTarget < p.ECMax) {
		return fmt.Errorf("%w: %s EC min %.2f < target %.2f < max %.2f does not hold",
			ErrInvalidPreset, p.Phase, p.ECMin, p.ECTarget, p.ECMax)
	}
	if p.IrrigationDuration < 0 || p.IrrigationDuration > MaxShotDuration {
		return fmt.Errorf("%w: %s irrigation duration %v outside 0-%v",
			ErrInvalidPreset, p.Phase, p.IrrigationDuration, MaxShotDuration)
	}

	switch p.Phase {
	case model.PhaseSaturation:
		if p.MaxShots <= 0 {
			return fmt.Errorf("%w: P1 max shots must be positive", ErrInvalidPreset)
		}
		if p.IrrigationDuration == 0 {
			return fmt.Errorf("%w: P1 irrigation duration must be set", ErrInvalidPreset)
		}
	case model.PhaseMaintenance:
		if p.HoldFraction <= 0 || p.HoldFraction > 1 {
			return fmt.Errorf("%w: P2 hold fraction %.2f outside (0,1]", ErrInvalidPreset, p.HoldFraction)
		}
	case model.PhaseNightDryback:
		if !(p.MinDrybackPercent < p.TargetDrybackPercent && p.TargetDrybackPercent < p.MaxDrybackPercent) {
			return fmt.Errorf("%w: P3 dryback min %.1f < target %.1f < max %.1f does not hold",
				ErrInvalidPreset, p.MinDrybackPercent, p.TargetDrybackPercent, p.MaxDrybackPercent)
		}
		if p.EmergencyThresholdFraction <= 0 || p.EmergencyThresholdFraction >= 1 {
			return fmt.Errorf("%w: P3 emergency threshold %.2f outside (0,1)", ErrInvalidPreset, p.EmergencyThresholdFraction)
		}
		if p.MaxEmergencyShots < 0 {
			return fmt.Errorf("%w: P3 max emergency shots negative", ErrInvalidPreset)
		}
	}
	return nil
}

// MediumAdjustment shifts the rockwool reference for another medium
type MediumAdjustment struct {
	VWCOffset      float64 `yaml:"vwc_offset" json:"vwc_offset"`
	ECOffset       float64 `yaml:"ec_offset" json:"ec_offset"`
	DurationFactor float64 `yaml:"duration_factor" json:"duration_factor"`
	DrybackOffset  float64 `yaml:"dryback_offset" json:"dryback_offset"`
}

// StageAdjustment shifts a preset for the plant's growth stage
type StageAdjustment struct {
	VWCOffset     float64
	ECOffset      float64
	DrybackOffset float64
}

// Compose builds a preset from a base and the two adjustments. The inputs
// are not modified. A result that breaks an ordering invariant is rejected.
func Compose(base Preset, m MediumAdjustment, s StageAdjustment) (Preset, error) {
	p := base

	vwc := m.VWCOffset + s.VWCOffset
	p.VWCMin = clampPercent(base.VWCMin + vwc)
	p.VWCTarget = clampPercent(base.VWCTarget + vwc)
	p.VWCMax = clampPercent(base.VWCMax + vwc)

	ec := m.ECOffset + s.ECOffset
	p.ECMin = base.ECMin + ec
	p.ECTarget = base.ECTarget + ec
	p.ECMax = base.ECMax + ec
	if p.ECMin < 0 {
		p.ECMin = 0
	}

	factor := m.DurationFactor
	if factor <= 0 {
		factor = 1
	}
	p.IrrigationDuration = time.Duration(float64(base.IrrigationDuration) * factor).Round(time.Millisecond)
	if p.IrrigationDuration > MaxShotDuration {
		p.IrrigationDuration = MaxShotDuration
	}

	if base.Phase == model.PhaseNightDryback {
		dry := m.DrybackOffset + s.DrybackOffset
		p.TargetDrybackPercent = base.TargetDrybackPercent + dry
		p.MinDrybackPercent = base.MinDrybackPercent + dry
		p.MaxDrybackPercent = base.MaxDrybackPercent + dry
		if p.MinDrybackPercent < 0 {
			p.MinDrybackPercent = 0
		}
	}

	if err := p.Check(); err != nil {
		return Preset{}, err
	}
	return p, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
