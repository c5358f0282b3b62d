package substrate

import (
	"fmt"
	"math"
)

// Fields that a validation can correct
const (
	FieldVWC    = "vwc"
	FieldBulkEC = "bulk_ec"
	FieldPoreEC = "pore_ec"
)

// Physical limits outside of which a reading cannot be real
var (
	absoluteVWC    = Range{0, 100}
	absoluteBulkEC = Range{0, 20}
	absolutePoreEC = Range{0, 30}
	plausibleTemp  = Range{5, 40}
)

// Thresholds of the dry-media EC spike: pore EC blows up as water fraction
// approaches zero, so high pore EC in very dry media is recomputed.
const (
	drySpikeVWC    = 15.0
	drySpikePoreEC = 10.0

	poreECExcessFactor = 1.5
)

// Validation is the outcome of checking a calibrated reading. IsValid is
// true iff Issues is empty; Corrections must be applied before use.
type Validation struct {
	IsValid     bool
	Issues      []string
	Warnings    []string
	Corrections map[string]float64
}

func (v *Validation) issue(field string, corrected float64, format string, args ...interface{}) {
	v.Issues = append(v.Issues, fmt.Sprintf(format, args...))
	if field != "" {
		v.Corrections[field] = corrected
	}
}

func (v *Validation) warn(format string, args ...interface{}) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks calibrated values against physical and medium ranges
func (e *Engine) Validate(vwcPercent, bulkEC, poreEC, temperatureC float64, m Medium) Validation {
	cal := e.Calibration(m)
	v := Validation{Corrections: make(map[string]float64)}

	if math.IsNaN(vwcPercent) || !absoluteVWC.Contains(vwcPercent) {
		v.issue(FieldVWC, absoluteVWC.Clamp(nanToZero(vwcPercent)), "VWC %.1f%% outside physical range 0-100%%", vwcPercent)
	} else if !cal.TypicalVWC.Contains(vwcPercent) {
		v.warn("VWC %.1f%% outside typical %s range %.0f-%.0f%%", vwcPercent, m, cal.TypicalVWC.Min, cal.TypicalVWC.Max)
	}

	if math.IsNaN(bulkEC) || !absoluteBulkEC.Contains(bulkEC) {
		v.issue(FieldBulkEC, absoluteBulkEC.Clamp(nanToZero(bulkEC)), "bulk EC %.2f outside physical range", bulkEC)
	} else if bulkEC > 0 && !cal.TypicalBulkEC.Contains(bulkEC) {
		v.warn("bulk EC %.2f outside typical %s range %.1f-%.1f", bulkEC, m, cal.TypicalBulkEC.Min, cal.TypicalBulkEC.Max)
	}

	switch {
	case math.IsNaN(poreEC) || !absolutePoreEC.Contains(poreEC):
		v.issue(FieldPoreEC, cal.ExpectedPoreEC.Clamp(nanToZero(poreEC)), "pore EC %.2f outside physical range", poreEC)

	case !m.Hydroponic() && vwcPercent < drySpikeVWC && poreEC > drySpikePoreEC:
		corrected := e.drySpikeCorrection(bulkEC, vwcPercent, temperatureC, cal)
		v.issue(FieldPoreEC, corrected, "dry-media EC spike: pore EC %.2f at VWC %.1f%%, corrected to %.2f", poreEC, vwcPercent, corrected)

	case poreEC > cal.ExpectedPoreEC.Max*poreECExcessFactor:
		v.issue(FieldPoreEC, cal.ExpectedPoreEC.Max, "pore EC %.2f exceeds %s expected max %.1f by more than %.1fx",
			poreEC, m, cal.ExpectedPoreEC.Max, poreECExcessFactor)

	case poreEC > 0 && !cal.ExpectedPoreEC.Contains(poreEC):
		v.warn("pore EC %.2f outside expected %s range %.1f-%.1f", poreEC, m, cal.ExpectedPoreEC.Min, cal.ExpectedPoreEC.Max)
	}

	if math.IsNaN(temperatureC) || !plausibleTemp.Contains(temperatureC) {
		v.warn("temperature %.1f°C outside %.0f-%.0f°C", temperatureC, plausibleTemp.Min, plausibleTemp.Max)
	}

	v.IsValid = len(v.Issues) == 0
	return v
}

// drySpikeCorrection recomputes pore EC with the mass-balance model whatever
// the blend region, limited to the medium's expected maximum.
func (e *Engine) drySpikeCorrection(bulkEC, vwcPercent, temperatureC float64, cal MediumCalibration) float64 {
	theta := vwcPercent / 100
	if theta <= 0 || bulkEC <= 0 {
		return 0
	}
	bulkEC25 := NormalizeECToReference(bulkEC, temperatureC, cal.EC.TempCoeff)
	return math.Min(massBalancePoreEC(bulkEC25, theta), cal.ExpectedPoreEC.Max)
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
