package model

import (
	"fmt"
	"time"
)

// SensorKind identifies the quantity a sample measures
type SensorKind string

const (
	SensorVWC         SensorKind = "vwc"
	SensorEC          SensorKind = "ec"
	SensorTemperature SensorKind = "temperature"
)

// ParseSensorKind parses a sensor kind name
func ParseSensorKind(s string) (SensorKind, error) {
	switch SensorKind(s) {
	case SensorVWC, SensorEC, SensorTemperature:
		return SensorKind(s), nil
	}
	return "", fmt.Errorf("unknown sensor kind %q", s)
}

// SensorSample is one raw reading as delivered by the host platform
type SensorSample struct {
	Value     float64    `json:"value"`
	Unit      string     `json:"unit,omitempty"`
	Kind      SensorKind `json:"kind"`
	SourceID  string     `json:"source_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// CalibrationRecord is the averaged result of a calibration run. The latest
// record for a (medium, phase, bound) overrides the preset bound.
type CalibrationRecord struct {
	Zone        string    `json:"zone"`
	Medium      string    `json:"medium"`
	Phase       Phase     `json:"phase"`
	Bound       Bound     `json:"bound"`
	Value       float64   `json:"value"`
	Readings    []float64 `json:"readings"`
	CollectedAt time.Time `json:"collected_at"`
}

// GrowthStage is the plant stage read from the store
type GrowthStage struct {
	Generative bool
	Week       int
}

func (g GrowthStage) String() string {
	if g.Generative {
		return fmt.Sprintf("generative week %d", g.Week)
	}
	return "vegetative"
}
