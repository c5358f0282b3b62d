package substrate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agsys/crop-steering/internal/model"
)

// RawReading holds averaged but uncalibrated values for one evaluation
type RawReading struct {
	VWC          float64
	HasVWC       bool
	BulkEC       float64
	HasEC        bool
	TemperatureC float64
	HasTemp      bool
}

// CalibratedReading is the trustworthy view of a zone's substrate for one
// evaluation. Known is false when no VWC sample was available.
type CalibratedReading struct {
	VWCPercent   float64   `json:"vwc_percent"`
	BulkEC       float64   `json:"bulk_ec"`
	PoreEC       float64   `json:"pore_ec"`
	TemperatureC float64   `json:"temperature_c"`
	Medium       Medium    `json:"medium"`
	Known        bool      `json:"known"`
	HasEC        bool      `json:"has_ec"`
	IsValid      bool      `json:"is_valid"`
	Issues       []string  `json:"issues,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Calibrate runs the full conversion: VWC, pore EC, validation, corrections.
// Issues without a correction keep the uncorrected value.
func (e *Engine) Calibrate(raw RawReading, m Medium) CalibratedReading {
	r := CalibratedReading{Medium: m, TemperatureC: ReferenceTemperature}
	if raw.HasTemp {
		r.TemperatureC = raw.TemperatureC
	}
	if !raw.HasVWC {
		return r
	}

	r.Known = true
	r.VWCPercent = e.CalibrateVWC(raw.VWC, m)
	if raw.HasEC {
		r.HasEC = true
		r.BulkEC = raw.BulkEC
		r.PoreEC = e.CalculatePoreEC(raw.BulkEC, r.VWCPercent, r.TemperatureC, m)
	}

	v := e.Validate(r.VWCPercent, r.BulkEC, r.PoreEC, r.TemperatureC, m)
	if c, ok := v.Corrections[FieldVWC]; ok {
		r.VWCPercent = c
	}
	if c, ok := v.Corrections[FieldBulkEC]; ok {
		r.BulkEC = c
	}
	if c, ok := v.Corrections[FieldPoreEC]; ok {
		r.PoreEC = c
	}
	r.IsValid = v.IsValid
	r.Issues = v.Issues
	r.Warnings = v.Warnings
	return r
}

// normalizeUnit converts a sample value into the unit the engine expects:
// percent for VWC, mS/cm for EC, °C for temperature. Raw counts pass through.
func normalizeUnit(s model.SensorSample) (float64, error) {
	unit := strings.ToLower(strings.TrimSpace(s.Unit))
	switch s.Kind {
	case model.SensorVWC:
		switch unit {
		case "", "%", "percent", "raw", "count", "counts":
			return s.Value, nil
		case "m3/m3", "m³/m³", "fraction":
			return s.Value * 100, nil
		}
	case model.SensorEC:
		switch unit {
		case "", "ms/cm", "ds/m", "mmho/cm":
			return s.Value, nil
		case "us/cm", "µs/cm", "μs/cm":
			return s.Value / 1000, nil
		}
	case model.SensorTemperature:
		switch unit {
		case "", "c", "°c", "degc", "celsius":
			return s.Value, nil
		case "f", "°f", "degf", "fahrenheit":
			return (s.Value - 32) * 5 / 9, nil
		case "k", "kelvin":
			return s.Value - 273.15, nil
		}
	}
	return 0, fmt.Errorf("unsupported unit %q for %s", s.Unit, s.Kind)
}

// Average returns the mean of the samples of the given kind no older than
// maxAge (0 disables the age limit). ok is false when nothing qualified.
func Average(samples []model.SensorSample, kind model.SensorKind, maxAge time.Duration, now time.Time) (mean float64, ok bool) {
	var sum float64
	var n int
	for _, s := range samples {
		if s.Kind != "" && s.Kind != kind {
			continue
		}
		if maxAge > 0 && !s.Timestamp.IsZero() && now.Sub(s.Timestamp) > maxAge {
			continue
		}
		s.Kind = kind
		v, err := normalizeUnit(s)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// SensorSource delivers recent raw samples; the reader does its own averaging
type SensorSource interface {
	RecentSamples(ctx context.Context, kind model.SensorKind) ([]model.SensorSample, error)
}

// Reader averages recent samples from a source and calibrates them
type Reader struct {
	engine *Engine
	source SensorSource
	maxAge time.Duration
	now    func() time.Time
}

// NewReader creates a reader; maxAge bounds the rolling average window
func NewReader(engine *Engine, source SensorSource, maxAge time.Duration) *Reader {
	return &Reader{engine: engine, source: source, maxAge: maxAge, now: time.Now}
}

// Engine returns the calibration engine behind the reader
func (r *Reader) Engine() *Engine {
	return r.engine
}

// Read produces the calibrated reading for the medium. A missing VWC value
// is not an error: the reading simply has Known == false.
func (r *Reader) Read(ctx context.Context, m Medium) (CalibratedReading, error) {
	now := r.now()
	var raw RawReading

	vwc, err := r.source.RecentSamples(ctx, model.SensorVWC)
	if err != nil {
		return CalibratedReading{Medium: m, Timestamp: now}, fmt.Errorf("failed to read VWC samples: %w", err)
	}
	raw.VWC, raw.HasVWC = Average(vwc, model.SensorVWC, r.maxAge, now)

	if ec, err := r.source.RecentSamples(ctx, model.SensorEC); err == nil {
		raw.BulkEC, raw.HasEC = Average(ec, model.SensorEC, r.maxAge, now)
	}
	if temp, err := r.source.RecentSamples(ctx, model.SensorTemperature); err == nil {
		raw.TemperatureC, raw.HasTemp = Average(temp, model.SensorTemperature, r.maxAge, now)
	}

	reading := r.engine.Calibrate(raw, m)
	reading.Timestamp = now
	return reading, nil
}
