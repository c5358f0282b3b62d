package preset

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/substrate"
)

// DefaultBase returns the rockwool reference presets
func DefaultBase() map[model.Phase]Preset {
	return map[model.Phase]Preset{
		model.PhaseMonitoring: {
			Phase:  model.PhaseMonitoring,
			VWCMin: 55, VWCTarget: 60, VWCMax: 68,
			ECMin: 2.5, ECTarget: 3.0, ECMax: 3.5,
		},
		model.PhaseSaturation: {
			Phase:  model.PhaseSaturation,
			VWCMin: 55, VWCTarget: 65, VWCMax: 68,
			ECMin: 2.6, ECTarget: 3.0, ECMax: 3.4,
			IrrigationDuration: 60 * time.Second,
			MaxShots:           10,
			WaitBetweenShots:   15 * time.Minute,
		},
		model.PhaseMaintenance: {
			Phase:  model.PhaseMaintenance,
			VWCMin: 58, VWCTarget: 64, VWCMax: 68,
			ECMin: 2.6, ECTarget: 3.0, ECMax: 3.4,
			IrrigationDuration:  45 * time.Second,
			HoldFraction:        0.92,
			MaintenanceInterval: 30 * time.Minute,
		},
		model.PhaseNightDryback: {
			Phase:  model.PhaseNightDryback,
			VWCMin: 50, VWCTarget: 58, VWCMax: 68,
			ECMin: 2.8, ECTarget: 3.2, ECMax: 3.6,
			IrrigationDuration:         30 * time.Second,
			TargetDrybackPercent:       10,
			MinDrybackPercent:          8,
			MaxDrybackPercent:          12,
			EmergencyThresholdFraction: 0.85,
			MaxEmergencyShots:          2,
		},
	}
}

// DefaultMediumAdjustments returns the built-in offsets relative to rockwool
func DefaultMediumAdjustments() map[substrate.Medium]MediumAdjustment {
	return map[substrate.Medium]MediumAdjustment{
		substrate.Rockwool: {DurationFactor: 1.0},
		substrate.Coco:     {VWCOffset: -2, ECOffset: -0.2, DurationFactor: 1.1, DrybackOffset: 1},
		substrate.Soil:     {VWCOffset: -20, ECOffset: -1.0, DurationFactor: 1.5, DrybackOffset: 5},
		substrate.Perlite:  {VWCOffset: -10, ECOffset: -0.2, DurationFactor: 0.8, DrybackOffset: 2},
		substrate.Aero:     {ECOffset: -0.4, DurationFactor: 0.5},
		substrate.Water:    {ECOffset: -0.4, DurationFactor: 0.5},
		substrate.Custom:   {DurationFactor: 1.0},
	}
}

// StageAdjustmentFor returns the adjustment for a growth stage. Early
// generative weeks steer hard (drier, stronger), late weeks back off.
func StageAdjustmentFor(stage model.GrowthStage) StageAdjustment {
	if !stage.Generative {
		return StageAdjustment{VWCOffset: 2, ECOffset: -0.4, DrybackOffset: -3}
	}
	switch {
	case stage.Week <= 3:
		return StageAdjustment{VWCOffset: -2, ECOffset: 0.3, DrybackOffset: 3}
	case stage.Week <= 6:
		return StageAdjustment{ECOffset: 0.2}
	default:
		return StageAdjustment{VWCOffset: 1, ECOffset: -0.2, DrybackOffset: -1}
	}
}

// RecordSource looks up calibration records; model.ConfigStore satisfies it
type RecordSource interface {
	CalibrationRecord(medium string, phase model.Phase, bound model.Bound) (*model.CalibrationRecord, error)
}

// Provider composes presets on demand. Its tables are read-mostly and may
// be shared by every zone.
type Provider struct {
	mu    sync.RWMutex
	base  map[model.Phase]Preset
	media map[substrate.Medium]MediumAdjustment
}

// NewProvider creates a provider with the built-in tables
func NewProvider() *Provider {
	return &Provider{
		base:  DefaultBase(),
		media: DefaultMediumAdjustments(),
	}
}

// Base returns the reference preset of a phase
func (p *Provider) Base(phase model.Phase) Preset {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.base[phase]
}

// SetBase replaces the reference preset of a phase after checking it
func (p *Provider) SetBase(phase model.Phase, preset Preset) error {
	preset.Phase = phase
	if err := preset.Check(); err != nil {
		return err
	}
	p.mu.Lock()
	p.base[phase] = preset
	p.mu.Unlock()
	return nil
}

// SetMediumAdjustment replaces the adjustment for a medium
func (p *Provider) SetMediumAdjustment(m substrate.Medium, adj MediumAdjustment) error {
	if adj.DurationFactor <= 0 {
		return fmt.Errorf("%w: duration factor for %s must be positive", ErrInvalidPreset, m)
	}
	p.mu.Lock()
	p.media[m] = adj
	p.mu.Unlock()
	return nil
}

// Preset composes the preset of a phase for a medium and growth stage, then
// applies any calibration record for that phase. A record that would break
// the ordering invariant is ignored.
func (p *Provider) Preset(phase model.Phase, m substrate.Medium, stage model.GrowthStage, records RecordSource) (Preset, error) {
	p.mu.RLock()
	base, ok := p.base[phase]
	adj, known := p.media[m]
	if !known {
		adj = p.media[substrate.Rockwool]
	}
	p.mu.RUnlock()

	if !ok {
		return Preset{}, fmt.Errorf("no base preset for %s", phase)
	}

	composed, err := Compose(base, adj, StageAdjustmentFor(stage))
	if err != nil {
		return Preset{}, fmt.Errorf("failed to compose %s preset for %s: %w", phase, m, err)
	}
	if records == nil {
		return composed, nil
	}

	for _, bound := range []model.Bound{model.BoundMin, model.BoundMax} {
		rec, err := records.CalibrationRecord(string(m), phase, bound)
		if err != nil {
			log.Printf("Failed to read %s %s calibration record: %v", phase.Short(), bound, err)
			continue
		}
		if rec == nil {
			continue
		}
		candidate := composed
		if bound == model.BoundMax {
			candidate.VWCMax = rec.Value
		} else {
			candidate.VWCMin = rec.Value
		}
		if err := candidate.Check(); err != nil {
			log.Printf("Ignoring %s %s calibration %.1f%%: %v", phase.Short(), bound, rec.Value, err)
			continue
		}
		composed = candidate
	}
	return composed, nil
}
