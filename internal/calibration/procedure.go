// Package calibration runs guided max/min VWC calibrations: saturate or dry
// back, wait for the signal to settle, then average it into a record that
// overrides the preset bound.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agsys/crop-steering/internal/actuator"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/preset"
	"github.com/agsys/crop-steering/internal/substrate"
)

var (
	// ErrStabilizationTimeout is returned when VWC never settles
	ErrStabilizationTimeout = errors.New("VWC did not stabilize")
	// ErrCancelled is returned when a run is cancelled
	ErrCancelled = errors.New("calibration cancelled")
)

// Config holds calibration run parameters
type Config struct {
	MaxAttempts          int           `yaml:"max_attempts" validate:"min=1"`
	BaseSaturation       time.Duration `yaml:"base_saturation"`
	SaturationStep       time.Duration `yaml:"saturation_step"`
	DrybackWindow        time.Duration `yaml:"dryback_window"`
	StabilizationTimeout time.Duration `yaml:"stabilization_timeout"`
	CheckInterval        time.Duration `yaml:"check_interval"`
	Window               int           `yaml:"window" validate:"min=2"`
	Tolerance            float64       `yaml:"tolerance" validate:"gt=0"`
	CollectWindow        time.Duration `yaml:"collect_window"`
	CollectInterval      time.Duration `yaml:"collect_interval"`
}

// DefaultConfig returns the default calibration parameters
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          5,
		BaseSaturation:       60 * time.Second,
		SaturationStep:       30 * time.Second,
		DrybackWindow:        2 * time.Hour,
		StabilizationTimeout: 30 * time.Minute,
		CheckInterval:        30 * time.Second,
		Window:               6,
		Tolerance:            0.5,
		CollectWindow:        2 * time.Minute,
		CollectInterval:      10 * time.Second,
	}
}

// Sensor produces calibrated readings; substrate.Reader satisfies it
type Sensor interface {
	Read(ctx context.Context, m substrate.Medium) (substrate.CalibratedReading, error)
}

// RecordStore persists finished calibrations
type RecordStore interface {
	MediumType() (string, error)
	SaveCalibrationRecord(rec model.CalibrationRecord) error
}

// Procedure calibrates one zone
type Procedure struct {
	zone   string
	cfg    Config
	sensor Sensor
	act    *actuator.Actuator
	store  RecordStore
}

// NewProcedure creates a calibration procedure for a zone
func NewProcedure(zone string, cfg Config, sensor Sensor, act *actuator.Actuator, store RecordStore) *Procedure {
	return &Procedure{zone: zone, cfg: cfg, sensor: sensor, act: act, store: store}
}

// Run dispatches to RunMax or RunMin
func (p *Procedure) Run(ctx context.Context, phase model.Phase, bound model.Bound) (model.CalibrationRecord, error) {
	if bound == model.BoundMax {
		return p.RunMax(ctx, phase)
	}
	return p.RunMin(ctx, phase)
}

// RunMax saturates the substrate and records the VWC it settles at. Each
// attempt that fails to stabilize retries with a longer shot.
func (p *Procedure) RunMax(ctx context.Context, phase model.Phase) (model.CalibrationRecord, error) {
	lease, err := p.act.Lease("calibration")
	if err != nil {
		return model.CalibrationRecord{}, err
	}
	defer lease.Release(ctx)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		d := p.cfg.BaseSaturation + time.Duration(attempt-1)*p.cfg.SaturationStep
		if d > preset.MaxShotDuration {
			d = preset.MaxShotDuration
		}
		log.Printf("Zone %s: max calibration attempt %d/%d, saturating for %v", p.zone, attempt, p.cfg.MaxAttempts, d)

		if !lease.Irrigate(ctx, d, "calibration saturation") {
			if ctx.Err() != nil {
				return model.CalibrationRecord{}, ErrCancelled
			}
			return model.CalibrationRecord{}, fmt.Errorf("saturation shot failed on attempt %d", attempt)
		}

		stable, err := p.WaitForStabilization(ctx, p.cfg.StabilizationTimeout, p.cfg.CheckInterval)
		if err != nil {
			return model.CalibrationRecord{}, err
		}
		if stable {
			return p.finish(ctx, phase, model.BoundMax)
		}
	}
	return model.CalibrationRecord{}, fmt.Errorf("%w after %d saturation attempts", ErrStabilizationTimeout, p.cfg.MaxAttempts)
}

// RunMin lets the substrate dry back for the configured window and records
// the VWC it settles at. The actuator stays leased so nothing irrigates.
func (p *Procedure) RunMin(ctx context.Context, phase model.Phase) (model.CalibrationRecord, error) {
	lease, err := p.act.Lease("calibration")
	if err != nil {
		return model.CalibrationRecord{}, err
	}
	defer lease.Release(ctx)

	log.Printf("Zone %s: min calibration, drying back for %v", p.zone, p.cfg.DrybackWindow)
	if err := sleep(ctx, p.cfg.DrybackWindow); err != nil {
		return model.CalibrationRecord{}, err
	}

	stable, err := p.WaitForStabilization(ctx, p.cfg.StabilizationTimeout, p.cfg.CheckInterval)
	if err != nil {
		return model.CalibrationRecord{}, err
	}
	if !stable {
		return model.CalibrationRecord{}, fmt.Errorf("%w after %v dryback", ErrStabilizationTimeout, p.cfg.DrybackWindow)
	}
	return p.finish(ctx, phase, model.BoundMin)
}

func (p *Procedure) finish(ctx context.Context, phase model.Phase, bound model.Bound) (model.CalibrationRecord, error) {
	mean, readings, err := p.CollectAndAverage(ctx)
	if err != nil {
		return model.CalibrationRecord{}, err
	}
	rec := model.CalibrationRecord{
		Zone:        p.zone,
		Medium:      string(p.medium()),
		Phase:       phase,
		Bound:       bound,
		Value:       mean,
		Readings:    readings,
		CollectedAt: time.Now(),
	}
	if err := p.store.SaveCalibrationRecord(rec); err != nil {
		return rec, fmt.Errorf("failed to save calibration record: %w", err)
	}
	log.Printf("Zone %s: %s %s calibrated at %.2f%% from %d readings", p.zone, phase.Short(), bound, mean, len(readings))
	return rec, nil
}

// WaitForStabilization samples VWC every interval and reports true once the
// spread of the last Window samples is within Tolerance. It reports false
// when timeout passes first.
func (p *Procedure) WaitForStabilization(ctx context.Context, timeout, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	window := make([]float64, 0, p.cfg.Window)

	for {
		if vwc, ok := p.readVWC(ctx); ok {
			if len(window) == p.cfg.Window {
				window = window[1:]
			}
			window = append(window, vwc)
			if len(window) == p.cfg.Window && spread(window) <= p.cfg.Tolerance {
				log.Printf("Zone %s: VWC stable at %.2f%% (spread %.2f)", p.zone, vwc, spread(window))
				return true, nil
			}
		}

		if !time.Now().Add(interval).Before(deadline) {
			log.Printf("Zone %s: VWC not stable after %v", p.zone, timeout)
			return false, nil
		}
		if err := sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}

// CollectAndAverage samples VWC for the collect window and returns the mean
func (p *Procedure) CollectAndAverage(ctx context.Context) (float64, []float64, error) {
	end := time.Now().Add(p.cfg.CollectWindow)
	var readings []float64

	for {
		if vwc, ok := p.readVWC(ctx); ok {
			readings = append(readings, vwc)
		}
		if !time.Now().Add(p.cfg.CollectInterval).Before(end) {
			break
		}
		if err := sleep(ctx, p.cfg.CollectInterval); err != nil {
			return 0, nil, err
		}
	}

	if len(readings) == 0 {
		return 0, nil, errors.New("no VWC readings collected")
	}
	var sum float64
	for _, v := range readings {
		sum += v
	}
	return sum / float64(len(readings)), readings, nil
}

func (p *Procedure) readVWC(ctx context.Context) (float64, bool) {
	r, err := p.sensor.Read(ctx, p.medium())
	if err != nil {
		log.Printf("Zone %s: calibration read failed: %v", p.zone, err)
		return 0, false
	}
	return r.VWCPercent, r.Known
}

func (p *Procedure) medium() substrate.Medium {
	name, err := p.store.MediumType()
	if err != nil || name == "" {
		return substrate.Rockwool
	}
	return substrate.ParseMedium(name)
}

func spread(values []float64) float64 {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}
