package substrate

import (
	"fmt"
	"log"
	"sync"
)

// ReferenceTemperature is the temperature EC values are normalized to
const ReferenceTemperature = 25.0

// Engine converts raw readings using the calibration table. It is safe to
// share between zones; the table only changes through SetCalibration.
type Engine struct {
	mu     sync.RWMutex
	table  map[Medium]MediumCalibration
	warned map[Medium]bool
}

// NewEngine creates an engine loaded with the built-in calibrations
func NewEngine() *Engine {
	return &Engine{
		table:  DefaultCalibrations(),
		warned: make(map[Medium]bool),
	}
}

// SetCalibration replaces the calibration for a medium
func (e *Engine) SetCalibration(m Medium, c MediumCalibration) error {
	if err := c.Check(); err != nil {
		return fmt.Errorf("invalid calibration for %s: %w", m, err)
	}
	e.mu.Lock()
	e.table[m] = c
	delete(e.warned, m)
	e.mu.Unlock()
	log.Printf("Calibration for medium %s overridden", m)
	return nil
}

// Calibration returns the calibration used for m, falling back to rockwool
// for media without an entry.
func (e *Engine) Calibration(m Medium) MediumCalibration {
	e.mu.RLock()
	c, ok := e.table[m]
	e.mu.RUnlock()
	if ok {
		return c
	}

	e.mu.Lock()
	if !e.warned[m] {
		e.warned[m] = true
		log.Printf("Warning: unknown medium %q, using rockwool calibration", m)
	}
	c = e.table[Rockwool]
	e.mu.Unlock()
	return c
}

// CalibrateVWC converts a raw VWC reading to percent. Values already in
// 0..100 are treated as calibrated percentages and only clamped, so
// calibrating twice is a no-op.
func (e *Engine) CalibrateVWC(raw float64, m Medium) float64 {
	cal := e.Calibration(m).VWC
	valid := Range{cal.MinPercent, cal.MaxPercent}

	if raw >= 0 && raw <= 100 {
		return valid.Clamp(raw)
	}

	theta := cal.A*raw*raw*raw + cal.B*raw*raw + cal.C*raw + cal.D
	pct := (theta*100 + cal.Offset) * cal.Scale
	return valid.Clamp(pct)
}

// NormalizeECToReference compensates bulk EC to 25°C. A non-positive
// compensation denominator leaves the value untouched.
func NormalizeECToReference(bulkEC, temperatureC, tempCoeff float64) float64 {
	denom := 1 + tempCoeff*(temperatureC-ReferenceTemperature)
	if denom <= 0 {
		return bulkEC
	}
	return bulkEC / denom
}

// massBalancePoreEC estimates pore EC as normalized bulk EC over water fraction
func massBalancePoreEC(bulkEC25, theta float64) float64 {
	return bulkEC25 / theta
}

// hilhorstPoreEC estimates pore EC from the dielectric mixing relation
func hilhorstPoreEC(bulkEC25, theta float64, c ECCalibration) float64 {
	epsBulk := c.Eps0 + theta*(c.EpsP25-c.Eps0)
	denom := epsBulk - c.Eps0
	if denom <= 0 {
		return bulkEC25
	}
	return bulkEC25 * c.EpsP25 / denom
}

// CalculatePoreEC estimates the EC of the water available to roots
func (e *Engine) CalculatePoreEC(bulkEC, vwcPercent, temperatureC float64, m Medium) float64 {
	c := e.Calibration(m).EC
	bulkEC25 := NormalizeECToReference(bulkEC, temperatureC, c.TempCoeff)

	if m.Hydroponic() {
		return bulkEC25
	}

	theta := vwcPercent / 100
	if theta <= 0 || bulkEC <= 0 {
		return 0
	}

	mass := massBalancePoreEC(bulkEC25, theta)
	hil := hilhorstPoreEC(bulkEC25, theta, c)

	switch {
	case theta < c.BlendLow:
		return mass
	case theta > c.BlendHigh:
		return hil
	}
	w := (theta - c.BlendLow) / (c.BlendHigh - c.BlendLow)
	return mass*(1-w) + hil*w
}
