package steering

import (
	"time"

	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
)

// phaseState is the runtime state of the active phase. It is replaced on
// every transition and only touched by the evaluation loop.
type phaseState interface {
	phase() model.Phase
}

type monitoringState struct{}

type saturationState struct {
	shotCount     int
	lastShot      time.Time
	vwcAtEntry    float64
	vwcAtLastShot float64
}

type maintenanceState struct {
	lastShot time.Time
}

type nightState struct {
	vwcAtNightStart float64
	startedAt       time.Time
	emergencyShots  int
	lastDirection   events.Direction
}

// manualState tracks the operator's shot plan within one light period
type manualState struct {
	pinned         model.Phase
	shots          int
	lastShot       time.Time
	emergencyShots int
	lightsOn       bool
	lightsKnown    bool
	lastDirection  events.Direction
}

func (monitoringState) phase() model.Phase   { return model.PhaseMonitoring }
func (*saturationState) phase() model.Phase  { return model.PhaseSaturation }
func (*maintenanceState) phase() model.Phase { return model.PhaseMaintenance }
func (*nightState) phase() model.Phase       { return model.PhaseNightDryback }
func (m *manualState) phase() model.Phase    { return m.pinned }

func newPhaseState(p model.Phase, vwc float64, now time.Time) phaseState {
	switch p {
	case model.PhaseSaturation:
		return &saturationState{vwcAtEntry: vwc}
	case model.PhaseMaintenance:
		return &maintenanceState{}
	case model.PhaseNightDryback:
		return &nightState{vwcAtNightStart: vwc, startedAt: now}
	}
	return monitoringState{}
}
