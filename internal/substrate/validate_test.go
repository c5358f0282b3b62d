package substrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agsys/crop-steering/internal/model"
)

func TestValidate(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name       string
		vwc        float64
		bulk       float64
		pore       float64
		temp       float64
		wantValid  bool
		field      string
		correction float64
		warnings   bool
	}{
		{name: "normal reading", vwc: 62, bulk: 1.2, pore: 4.0, temp: 22, wantValid: true},
		{name: "vwc above 100", vwc: 120, bulk: 1.2, pore: 4.0, temp: 22, field: FieldVWC, correction: 100},
		{name: "negative bulk", vwc: 60, bulk: -1, pore: 4.0, temp: 22, field: FieldBulkEC, correction: 0},
		{name: "dry spike", vwc: 10, bulk: 0.5, pore: 12, temp: 25, field: FieldPoreEC, correction: 5.0},
		{name: "pore ec far above expected", vwc: 60, bulk: 2, pore: 13, temp: 25, field: FieldPoreEC, correction: 8.0},
		{name: "pore ec slightly high", vwc: 60, bulk: 2, pore: 9, temp: 25, wantValid: true, warnings: true},
		{name: "cold root zone", vwc: 60, bulk: 1.2, pore: 4, temp: 2, wantValid: true, warnings: true},
		{name: "vwc below typical", vwc: 30, bulk: 1.2, pore: 4, temp: 22, wantValid: true, warnings: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Validate(tt.vwc, tt.bulk, tt.pore, tt.temp, Rockwool)
			if v.IsValid != tt.wantValid {
				t.Fatalf("IsValid = %v, want %v (issues %v)", v.IsValid, tt.wantValid, v.Issues)
			}
			if v.IsValid != (len(v.Issues) == 0) {
				t.Errorf("IsValid %v inconsistent with %d issues", v.IsValid, len(v.Issues))
			}
			if tt.field != "" {
				got, ok := v.Corrections[tt.field]
				if !ok {
					t.Fatalf("no correction for %s: %v", tt.field, v.Corrections)
				}
				if !approx(got, tt.correction, 1e-9) {
					t.Errorf("correction %s = %v, want %v", tt.field, got, tt.correction)
				}
			}
			if tt.warnings && len(v.Warnings) == 0 {
				t.Error("expected warnings")
			}
			if tt.wantValid && len(v.Corrections) != 0 {
				t.Errorf("valid reading carries corrections %v", v.Corrections)
			}
		})
	}
}

func TestCalibrateAppliesCorrections(t *testing.T) {
	e := NewEngine()
	// 1.2 / 0.1 = 12 mS/cm pore EC at 10% VWC is a dry spike
	r := e.Calibrate(RawReading{VWC: 10, HasVWC: true, BulkEC: 1.2, HasEC: true}, Rockwool)
	if !r.Known || !r.HasEC {
		t.Fatalf("reading should be known with EC: %+v", r)
	}
	if r.IsValid {
		t.Fatal("dry spike should make the reading invalid")
	}
	if !approx(r.PoreEC, 8.0, 1e-9) {
		t.Errorf("PoreEC = %v, want corrected 8.0", r.PoreEC)
	}
	if r.TemperatureC != ReferenceTemperature {
		t.Errorf("missing temperature should default to %v, got %v", ReferenceTemperature, r.TemperatureC)
	}

	unknown := e.Calibrate(RawReading{BulkEC: 1, HasEC: true}, Rockwool)
	if unknown.Known {
		t.Error("reading without VWC must not be known")
	}
}

func TestAverage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := []model.SensorSample{
		{Value: 1500, Unit: "uS/cm", Kind: model.SensorEC, Timestamp: now.Add(-time.Minute)},
		{Value: 2.5, Unit: "mS/cm", Kind: model.SensorEC, Timestamp: now.Add(-2 * time.Minute)},
		{Value: 9.9, Unit: "mS/cm", Kind: model.SensorEC, Timestamp: now.Add(-time.Hour)},
		{Value: 60, Unit: "%", Kind: model.SensorVWC, Timestamp: now},
		{Value: 1, Unit: "furlongs", Kind: model.SensorEC, Timestamp: now},
	}

	got, ok := Average(samples, model.SensorEC, 10*time.Minute, now)
	if !ok {
		t.Fatal("expected an average")
	}
	if !approx(got, 2.0, 1e-9) {
		t.Errorf("EC average = %v, want 2.0", got)
	}

	temps := []model.SensorSample{
		{Value: 77, Unit: "°F", Kind: model.SensorTemperature, Timestamp: now},
		{Value: 298.15, Unit: "K", Kind: model.SensorTemperature, Timestamp: now},
	}
	if got, _ := Average(temps, model.SensorTemperature, 0, now); !approx(got, 25, 1e-9) {
		t.Errorf("temperature average = %v, want 25", got)
	}

	if _, ok := Average(nil, model.SensorVWC, 0, now); ok {
		t.Error("empty input should not produce an average")
	}
	frac := []model.SensorSample{{Value: 0.62, Unit: "m3/m3", Kind: model.SensorVWC}}
	if got, _ := Average(frac, model.SensorVWC, time.Minute, now); !approx(got, 62, 1e-9) {
		t.Errorf("fractional VWC = %v, want 62", got)
	}
}

type fakeSource struct {
	samples map[model.SensorKind][]model.SensorSample
	err     error
}

func (f *fakeSource) RecentSamples(ctx context.Context, kind model.SensorKind) ([]model.SensorSample, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.samples[kind], nil
}

func TestReaderRead(t *testing.T) {
	now := time.Now()
	src := &fakeSource{samples: map[model.SensorKind][]model.SensorSample{
		model.SensorVWC:         {{Value: 58, Timestamp: now}, {Value: 62, Timestamp: now}},
		model.SensorEC:          {{Value: 1.2, Timestamp: now}},
		model.SensorTemperature: {{Value: 21, Timestamp: now}},
	}}
	r := NewReader(NewEngine(), src, 10*time.Minute)

	reading, err := r.Read(context.Background(), Rockwool)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !reading.Known || reading.VWCPercent != 60 {
		t.Errorf("VWC = %v (known %v), want 60", reading.VWCPercent, reading.Known)
	}
	if reading.PoreEC <= reading.BulkEC {
		t.Errorf("pore EC %v should exceed bulk EC %v in a partly wet medium", reading.PoreEC, reading.BulkEC)
	}

	src.samples[model.SensorVWC] = nil
	reading, err = r.Read(context.Background(), Rockwool)
	if err != nil {
		t.Fatalf("missing VWC must not be an error: %v", err)
	}
	if reading.Known {
		t.Error("reading should be unknown without VWC samples")
	}

	src.err = errors.New("bus down")
	if _, err := r.Read(context.Background(), Rockwool); err == nil {
		t.Error("expected source error")
	}
}
