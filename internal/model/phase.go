// Package model holds the value types shared by the crop steering components.
package model

import (
	"fmt"
	"strings"
)

// Phase is one stage of the daily crop steering cycle
type Phase int

const (
	PhaseMonitoring   Phase = 0 // P0
	PhaseSaturation   Phase = 1 // P1
	PhaseMaintenance  Phase = 2 // P2
	PhaseNightDryback Phase = 3 // P3
)

// Phases lists every phase in cycle order
var Phases = []Phase{PhaseMonitoring, PhaseSaturation, PhaseMaintenance, PhaseNightDryback}

func (p Phase) String() string {
	switch p {
	case PhaseMonitoring:
		return "P0_Monitoring"
	case PhaseSaturation:
		return "P1_Saturation"
	case PhaseMaintenance:
		return "P2_Maintenance"
	case PhaseNightDryback:
		return "P3_NightDryback"
	default:
		return fmt.Sprintf("UnknownPhase%d", int(p))
	}
}

// Short returns the compact "P0".."P3" form used in store paths
func (p Phase) Short() string {
	return fmt.Sprintf("P%d", int(p))
}

// Valid reports whether p is one of the four known phases
func (p Phase) Valid() bool {
	return p >= PhaseMonitoring && p <= PhaseNightDryback
}

// ParsePhase accepts "P1", "p1", "P1_Saturation" or "1"
func ParsePhase(s string) (Phase, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if i := strings.IndexByte(s, '_'); i > 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "P")
	switch s {
	case "0":
		return PhaseMonitoring, nil
	case "1":
		return PhaseSaturation, nil
	case "2":
		return PhaseMaintenance, nil
	case "3":
		return PhaseNightDryback, nil
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Mode is the external operating mode selector for a zone
type Mode string

const (
	ModeAutomatic Mode = "Automatic"
	ModeManualP0  Mode = "Manual-P0"
	ModeManualP1  Mode = "Manual-P1"
	ModeManualP2  Mode = "Manual-P2"
	ModeManualP3  Mode = "Manual-P3"
	ModeDisabled  Mode = "Disabled"
)

// ParseMode parses a mode selector value; matching is case-insensitive and
// accepts "manual_p1" as well as "Manual-P1".
func ParseMode(s string) (Mode, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
	for _, m := range []Mode{ModeAutomatic, ModeManualP0, ModeManualP1, ModeManualP2, ModeManualP3, ModeDisabled} {
		if strings.ToLower(string(m)) == norm {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// PinnedPhase returns the phase a manual mode pins the controller to
func (m Mode) PinnedPhase() (Phase, bool) {
	switch m {
	case ModeManualP0:
		return PhaseMonitoring, true
	case ModeManualP1:
		return PhaseSaturation, true
	case ModeManualP2:
		return PhaseMaintenance, true
	case ModeManualP3:
		return PhaseNightDryback, true
	default:
		return 0, false
	}
}

// IsManual reports whether m pins a phase
func (m Mode) IsManual() bool {
	_, ok := m.PinnedPhase()
	return ok
}

// Bound selects the VWC bound a calibration record overrides
type Bound string

const (
	BoundMax Bound = "max"
	BoundMin Bound = "min"
)

// ParseBound parses "max" or "min"
func ParseBound(s string) (Bound, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "max":
		return BoundMax, nil
	case "min":
		return BoundMin, nil
	}
	return "", fmt.Errorf("unknown calibration bound %q", s)
}
