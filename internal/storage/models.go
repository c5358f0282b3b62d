// Package storage provides SQLite persistence for the crop steering controller.
package storage

import (
	"time"

	"github.com/agsys/crop-steering/internal/model"
)

// PathValue is one entry of the key/value path store
type PathValue struct {
	Path      string    `json:"path"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CalibrationRow is a persisted calibration record
type CalibrationRow struct {
	ID            int64                   `json:"id"`
	Record        model.CalibrationRecord `json:"record"`
	SyncedToCloud bool                    `json:"synced_to_cloud"`
}

// IrrigationEvent is one irrigation shot attempt
type IrrigationEvent struct {
	ID            int64         `json:"id"`
	ZoneID        string        `json:"zone_id"`
	Phase         model.Phase   `json:"phase"`
	Duration      time.Duration `json:"duration"`
	Emergency     bool          `json:"emergency"`
	Success       bool          `json:"success"`
	Reason        string        `json:"reason"`
	VWCBefore     float64       `json:"vwc_before"`
	Timestamp     time.Time     `json:"timestamp"`
	SyncedToCloud bool          `json:"synced_to_cloud"`
}

// PhaseTransition is one change of crop steering phase
type PhaseTransition struct {
	ID            int64       `json:"id"`
	ZoneID        string      `json:"zone_id"`
	From          model.Phase `json:"from_phase"`
	To            model.Phase `json:"to_phase"`
	Reason        string      `json:"reason"`
	VWC           float64     `json:"vwc"`
	Timestamp     time.Time   `json:"timestamp"`
	SyncedToCloud bool        `json:"synced_to_cloud"`
}

// DrybackRecord summarizes one night dryback
type DrybackRecord struct {
	ID             int64     `json:"id"`
	ZoneID         string    `json:"zone_id"`
	StartVWC       float64   `json:"start_vwc"`
	EndVWC         float64   `json:"end_vwc"`
	DrybackPercent float64   `json:"dryback_percent"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	SyncedToCloud  bool      `json:"synced_to_cloud"`
}

// SensorReading is the calibrated substrate state of one evaluation
type SensorReading struct {
	ID           int64     `json:"id"`
	ZoneID       string    `json:"zone_id"`
	VWC          float64   `json:"vwc"`
	BulkEC       float64   `json:"bulk_ec"`
	PoreEC       float64   `json:"pore_ec"`
	TemperatureC float64   `json:"temperature_c"`
	Valid        bool      `json:"valid"`
	Timestamp    time.Time `json:"timestamp"`
}
