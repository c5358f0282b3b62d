package model

import (
	"fmt"
	"time"
)

// Store paths read and written by the crop steering core
const (
	PathActiveMode     = "CropSteering.ActiveMode"
	PathCropPhase      = "CropSteering.CropPhase"
	PathMediumType     = "CropSteering.MediumType"
	PathNightDryback   = "CropSteering.NightDryback"
	PathLightOn        = "isPlantDay.islightON"
	PathPlantPhase     = "isPlantDay.plantPhase"
	PathGenerativeWeek = "isPlantDay.generativeWeek"
)

// CalibrationPath returns the store path of a calibration record. Records are
// keyed by medium so a medium change never reuses another medium's bounds.
func CalibrationPath(medium string, phase Phase, bound Bound) string {
	return fmt.Sprintf("CropSteering.Calibration.%s.%s.%s", medium, phase.Short(), bound)
}

// NightState is the progress of the current night dryback. A zero StartVWC
// means the baseline is still waiting for a known reading.
type NightState struct {
	StartVWC       float64   `json:"start_vwc"`
	StartedAt      time.Time `json:"started_at"`
	EmergencyShots int       `json:"emergency_shots"`
	LastECRequest  string    `json:"last_ec_request,omitempty"`
}

// ConfigStore is the typed view of the persistent key/value store for one zone
type ConfigStore interface {
	ActiveMode() (Mode, error)
	SetActiveMode(m Mode) error

	// CropPhase returns the last persisted phase; ok is false when none was stored
	CropPhase() (p Phase, ok bool, err error)
	SetCropPhase(p Phase) error

	// NightState returns the persisted night dryback; ok is false when none was stored
	NightState() (s NightState, ok bool, err error)
	SetNightState(s NightState) error

	MediumType() (string, error)
	SetMediumType(medium string) error

	// LightsOn returns the light schedule status; known is false when unset
	LightsOn() (on bool, known bool, err error)
	SetLightsOn(on bool) error

	GrowthStage() (GrowthStage, error)

	// CalibrationRecord returns nil, nil when no record exists
	CalibrationRecord(medium string, phase Phase, bound Bound) (*CalibrationRecord, error)
	SaveCalibrationRecord(rec CalibrationRecord) error
}
