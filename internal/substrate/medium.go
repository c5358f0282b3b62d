// Package substrate converts raw substrate sensor readings into calibrated
// volumetric water content and electrical conductivity values.
//
// VWC is derived from a per-medium cubic calibration of the raw sensor count.
// Pore-water EC is estimated from bulk EC with two models: a mass-balance
// model (bulk EC divided by water fraction) that holds in dry media, and the
// Hilhorst dielectric mixing model that holds in wet media. Between the
// medium's blend thresholds the two estimates are interpolated linearly.
package substrate

import (
	"fmt"
	"strings"
)

// Medium is a growing medium type
type Medium string

const (
	Rockwool Medium = "rockwool"
	Coco     Medium = "coco"
	Soil     Medium = "soil"
	Perlite  Medium = "perlite"
	Aero     Medium = "aero"
	Water    Medium = "water"
	Custom   Medium = "custom"
)

// Media lists every known medium
var Media = []Medium{Rockwool, Coco, Soil, Perlite, Aero, Water, Custom}

// ParseMedium parses a medium name. Unknown names are returned as-is so the
// engine can fall back to rockwool and log it.
func ParseMedium(s string) Medium {
	return Medium(strings.ToLower(strings.TrimSpace(s)))
}

// Known reports whether m has a built-in calibration
func (m Medium) Known() bool {
	for _, k := range Media {
		if k == m {
			return true
		}
	}
	return false
}

// Hydroponic reports whether the medium has no solid substrate, in which
// case pore EC equals bulk EC.
func (m Medium) Hydroponic() bool {
	return m == Aero || m == Water
}

// Range is an inclusive numeric interval
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies within the range
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Clamp limits v to the range
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// VWCCalibration maps a raw sensor count to a water fraction:
// theta = A*R^3 + B*R^2 + C*R + D
type VWCCalibration struct {
	A          float64 `yaml:"a" json:"a"`
	B          float64 `yaml:"b" json:"b"`
	C          float64 `yaml:"c" json:"c"`
	D          float64 `yaml:"d" json:"d"`
	Offset     float64 `yaml:"offset" json:"offset"` // percentage points
	Scale      float64 `yaml:"scale" json:"scale"`
	MinPercent float64 `yaml:"min_percent" json:"min_percent"`
	MaxPercent float64 `yaml:"max_percent" json:"max_percent"`
}

// ECCalibration holds the dielectric parameters used for pore EC
type ECCalibration struct {
	Eps0      float64 `yaml:"eps0" json:"eps0"`             // dry medium relative permittivity
	EpsP25    float64 `yaml:"eps_p25" json:"eps_p25"`       // pore water permittivity at 25°C
	TempCoeff float64 `yaml:"temp_coeff" json:"temp_coeff"` // fractional EC change per °C
	BlendLow  float64 `yaml:"blend_low" json:"blend_low"`   // water fraction, mass balance below
	BlendHigh float64 `yaml:"blend_high" json:"blend_high"` // water fraction, Hilhorst above
}

// MediumCalibration is the complete reference data for one medium
type MediumCalibration struct {
	VWC            VWCCalibration `yaml:"vwc" json:"vwc"`
	EC             ECCalibration  `yaml:"ec" json:"ec"`
	TypicalVWC     Range          `yaml:"typical_vwc" json:"typical_vwc"`
	TypicalBulkEC  Range          `yaml:"typical_bulk_ec" json:"typical_bulk_ec"`
	ExpectedPoreEC Range          `yaml:"expected_pore_ec" json:"expected_pore_ec"`
}

// Check verifies the calibration is internally consistent
func (c MediumCalibration) Check() error {
	if c.VWC.MinPercent >= c.VWC.MaxPercent {
		return fmt.Errorf("vwc range %.1f..%.1f is empty", c.VWC.MinPercent, c.VWC.MaxPercent)
	}
	if c.VWC.Scale <= 0 {
		return fmt.Errorf("vwc scale must be positive, got %v", c.VWC.Scale)
	}
	if c.EC.BlendLow >= c.EC.BlendHigh {
		return fmt.Errorf("blend_low %.2f must be below blend_high %.2f", c.EC.BlendLow, c.EC.BlendHigh)
	}
	if c.EC.EpsP25 <= c.EC.Eps0 {
		return fmt.Errorf("eps_p25 %.1f must exceed eps0 %.1f", c.EC.EpsP25, c.EC.Eps0)
	}
	if c.ExpectedPoreEC.Max <= 0 {
		return fmt.Errorf("expected pore EC max must be positive")
	}
	return nil
}

// Soilless media share the METER soilless-substrate count calibration.
var soillessVWC = VWCCalibration{
	A: 6.771e-10, B: -5.105e-6, C: 1.302e-2, D: -10.848,
	Scale: 1.0, MinPercent: 0, MaxPercent: 100,
}

// DefaultCalibrations returns a fresh copy of the built-in calibration table
func DefaultCalibrations() map[Medium]MediumCalibration {
	coco := soillessVWC
	coco.Offset = 2.0

	perlite := soillessVWC
	perlite.Offset = -2.0
	perlite.MaxPercent = 80

	return map[Medium]MediumCalibration{
		Rockwool: {
			VWC:            soillessVWC,
			EC:             ECCalibration{Eps0: 4.1, EpsP25: 80.3, TempCoeff: 0.02, BlendLow: 0.30, BlendHigh: 0.50},
			TypicalVWC:     Range{40, 85},
			TypicalBulkEC:  Range{0.3, 5.0},
			ExpectedPoreEC: Range{1.0, 8.0},
		},
		Coco: {
			VWC:            coco,
			EC:             ECCalibration{Eps0: 3.8, EpsP25: 80.3, TempCoeff: 0.02, BlendLow: 0.25, BlendHigh: 0.45},
			TypicalVWC:     Range{35, 80},
			TypicalBulkEC:  Range{0.3, 4.5},
			ExpectedPoreEC: Range{1.0, 7.0},
		},
		Soil: {
			VWC:            VWCCalibration{C: 3.879e-4, D: -0.6956, Scale: 1.0, MinPercent: 0, MaxPercent: 60},
			EC:             ECCalibration{Eps0: 4.1, EpsP25: 80.3, TempCoeff: 0.019, BlendLow: 0.15, BlendHigh: 0.35},
			TypicalVWC:     Range{10, 50},
			TypicalBulkEC:  Range{0.1, 3.0},
			ExpectedPoreEC: Range{0.5, 5.0},
		},
		Perlite: {
			VWC:            perlite,
			EC:             ECCalibration{Eps0: 3.0, EpsP25: 80.3, TempCoeff: 0.02, BlendLow: 0.20, BlendHigh: 0.40},
			TypicalVWC:     Range{20, 70},
			TypicalBulkEC:  Range{0.2, 4.0},
			ExpectedPoreEC: Range{1.0, 7.0},
		},
		Aero: {
			VWC:            soillessVWC,
			EC:             ECCalibration{Eps0: 1.0, EpsP25: 80.3, TempCoeff: 0.02, BlendLow: 0.0, BlendHigh: 1.0},
			TypicalVWC:     Range{0, 100},
			TypicalBulkEC:  Range{0.5, 4.0},
			ExpectedPoreEC: Range{0.5, 4.0},
		},
		Water: {
			VWC:            soillessVWC,
			EC:             ECCalibration{Eps0: 1.0, EpsP25: 80.3, TempCoeff: 0.02, BlendLow: 0.0, BlendHigh: 1.0},
			TypicalVWC:     Range{0, 100},
			TypicalBulkEC:  Range{0.5, 4.0},
			ExpectedPoreEC: Range{0.5, 4.0},
		},
		Custom: {
			VWC:            soillessVWC,
			EC:             ECCalibration{Eps0: 4.1, EpsP25: 80.3, TempCoeff: 0.02, BlendLow: 0.30, BlendHigh: 0.50},
			TypicalVWC:     Range{40, 85},
			TypicalBulkEC:  Range{0.3, 5.0},
			ExpectedPoreEC: Range{1.0, 8.0},
		},
	}
}
