// Package events defines the notifications the crop steering core emits and
// a non-blocking in-process bus to fan them out to logging, UI and analytics.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/crop-steering/internal/model"
)

// Kind identifies the event type on the wire
type Kind string

const (
	KindPhaseChange     Kind = "phase_change"
	KindIrrigation      Kind = "irrigation"
	KindDrybackComplete Kind = "dryback_complete"
	KindECAdjust        Kind = "ec_adjust"
	KindCalibration     Kind = "calibration"
	KindSafety          Kind = "safety"
	KindSensorUpdate    Kind = "sensor_update"
	KindLog             Kind = "log"
)

// Event is implemented by every notification type
type Event interface {
	EventKind() Kind
	ZoneID() string
	OccurredAt() time.Time
}

// Header carries the fields common to all events
type Header struct {
	ID   string    `json:"id"`
	Zone string    `json:"zone"`
	Time time.Time `json:"time"`
}

// NewHeader stamps a new event for a zone
func NewHeader(zone string) Header {
	return Header{ID: uuid.New().String(), Zone: zone, Time: time.Now()}
}

func (h Header) ZoneID() string        { return h.Zone }
func (h Header) OccurredAt() time.Time { return h.Time }

// PhaseChangeEvent is emitted on every phase transition
type PhaseChangeEvent struct {
	Header
	From   model.Phase `json:"from"`
	To     model.Phase `json:"to"`
	Reason string      `json:"reason"`
	VWC    float64     `json:"vwc"`
}

func (PhaseChangeEvent) EventKind() Kind { return KindPhaseChange }

// IrrigationEvent is emitted after every shot attempt
type IrrigationEvent struct {
	Header
	Phase     model.Phase   `json:"phase"`
	Duration  time.Duration `json:"duration"`
	Emergency bool          `json:"emergency"`
	Success   bool          `json:"success"`
	Reason    string        `json:"reason"`
	VWC       float64       `json:"vwc"`
}

func (IrrigationEvent) EventKind() Kind { return KindIrrigation }

// DrybackCompleteEvent summarizes a night dryback for analytics
type DrybackCompleteEvent struct {
	Header
	StartVWC       float64       `json:"start_vwc"`
	EndVWC         float64       `json:"end_vwc"`
	DrybackPercent float64       `json:"dryback_percent"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
	Duration       time.Duration `json:"duration"`
}

func (DrybackCompleteEvent) EventKind() Kind { return KindDrybackComplete }

// Direction of a nutrient strength adjustment
type Direction string

const (
	Increase Direction = "increase"
	Decrease Direction = "decrease"
)

// ECAdjustEvent records a request to move nutrient strength
type ECAdjustEvent struct {
	Header
	Phase     model.Phase `json:"phase"`
	TargetEC  float64     `json:"target_ec"`
	Direction Direction   `json:"direction"`
	PoreEC    float64     `json:"pore_ec"`
	Reason    string      `json:"reason"`
}

func (ECAdjustEvent) EventKind() Kind { return KindECAdjust }

// Calibration run states
const (
	CalibrationStarted   = "started"
	CalibrationCompleted = "completed"
	CalibrationFailed    = "failed"
	CalibrationCancelled = "cancelled"
)

// CalibrationEvent reports the lifecycle of a calibration run
type CalibrationEvent struct {
	Header
	RunID  string      `json:"run_id"`
	Phase  model.Phase `json:"phase"`
	Bound  model.Bound `json:"bound"`
	Status string      `json:"status"`
	Value  float64     `json:"value,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (CalibrationEvent) EventKind() Kind { return KindCalibration }

// SafetyEvent is emitted when a safety bound stops the controller from acting
type SafetyEvent struct {
	Header
	Phase  model.Phase `json:"phase"`
	Bound  string      `json:"bound"`
	Detail string      `json:"detail"`
}

func (SafetyEvent) EventKind() Kind { return KindSafety }

// SensorUpdateEvent carries the calibrated values of one evaluation
type SensorUpdateEvent struct {
	Header
	VWC          float64 `json:"vwc"`
	BulkEC       float64 `json:"bulk_ec"`
	PoreEC       float64 `json:"pore_ec"`
	TemperatureC float64 `json:"temperature_c"`
	Valid        bool    `json:"valid"`
}

func (SensorUpdateEvent) EventKind() Kind { return KindSensorUpdate }

// LogEvent is a human-readable log line
type LogEvent struct {
	Header
	Message string `json:"message"`
}

func (LogEvent) EventKind() Kind { return KindLog }

// Envelope is the JSON form of an event
type Envelope struct {
	Kind    Kind   `json:"kind"`
	Payload Event  `json:"payload"`
	Zone    string `json:"zone"`
}

// Marshal encodes an event with its kind so consumers can dispatch on it
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(Envelope{Kind: e.EventKind(), Zone: e.ZoneID(), Payload: e})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.EventKind(), err)
	}
	return data, nil
}

// Publisher accepts events without blocking the caller
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Logf writes a log line and publishes it as a LogEvent for the zone
func Logf(p Publisher, zone, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("Zone %s: %s", zone, msg)
	if p != nil {
		p.Publish(LogEvent{Header: NewHeader(zone), Message: msg})
	}
}
