package steering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agsys/crop-steering/internal/actuator"
	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/preset"
	"github.com/agsys/crop-steering/internal/substrate"
)

// MemStore is an in-memory model.ConfigStore
type MemStore struct {
	mu          sync.Mutex
	mode        model.Mode
	phase       model.Phase
	phaseSet    bool
	night       model.NightState
	nightSet    bool
	medium      string
	lightsOn    bool
	lightsKnown bool
	stage       model.GrowthStage
	records     map[string]model.CalibrationRecord
	panicOnRead bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		mode:    model.ModeAutomatic,
		medium:  "rockwool",
		stage:   model.GrowthStage{Generative: true, Week: 5},
		records: make(map[string]model.CalibrationRecord),
	}
}

func (s *MemStore) ActiveMode() (model.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, nil
}

func (s *MemStore) SetActiveMode(m model.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
	return nil
}

func (s *MemStore) CropPhase() (model.Phase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.phaseSet, nil
}

func (s *MemStore) SetCropPhase(p model.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase, s.phaseSet = p, true
	return nil
}

func (s *MemStore) NightState() (model.NightState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.night, s.nightSet, nil
}

func (s *MemStore) SetNightState(ns model.NightState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.night, s.nightSet = ns, true
	return nil
}

func (s *MemStore) MediumType() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.medium, nil
}

func (s *MemStore) SetMediumType(medium string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medium = medium
	return nil
}

func (s *MemStore) LightsOn() (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lightsOn, s.lightsKnown, nil
}

func (s *MemStore) SetLightsOn(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lightsOn, s.lightsKnown = on, true
	return nil
}

func (s *MemStore) GrowthStage() (model.GrowthStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage, nil
}

func (s *MemStore) CalibrationRecord(medium string, phase model.Phase, bound model.Bound) (*model.CalibrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnRead {
		panic("corrupt calibration table")
	}
	rec, ok := s.records[model.CalibrationPath(medium, phase, bound)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemStore) SaveCalibrationRecord(rec model.CalibrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[model.CalibrationPath(rec.Medium, rec.Phase, rec.Bound)] = rec
	return nil
}

func (s *MemStore) setPanic(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panicOnRead = v
}

// MockSensor returns a settable reading
type MockSensor struct {
	mu      sync.Mutex
	vwc     float64
	known   bool
	poreEC  float64
	hasEC   bool
	failing bool
}

func (m *MockSensor) Read(ctx context.Context, medium substrate.Medium) (substrate.CalibratedReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return substrate.CalibratedReading{}, errors.New("sensor bus timeout")
	}
	return substrate.CalibratedReading{
		VWCPercent: m.vwc,
		Known:      m.known,
		PoreEC:     m.poreEC,
		HasEC:      m.hasEC,
		IsValid:    true,
		Medium:     medium,
		Timestamp:  time.Now(),
	}, nil
}

func (m *MockSensor) Set(vwc float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vwc, m.known = vwc, true
}

// Lose drops the reading, as when no fresh sample arrived
func (m *MockSensor) Lose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known = false
}

func (m *MockSensor) SetPoreEC(ec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poreEC, m.hasEC = ec, true
}

// MockControl counts device commands
type MockControl struct {
	mu    sync.Mutex
	ons   map[string]int
	offs  map[string]int
	doses []float64
}

func NewMockControl() *MockControl {
	return &MockControl{ons: make(map[string]int), offs: make(map[string]int)}
}

func (m *MockControl) SetActuator(ctx context.Context, deviceID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.ons[deviceID]++
	} else {
		m.offs[deviceID]++
	}
	return nil
}

func (m *MockControl) SetDoseTarget(ctx context.Context, deviceID string, targetEC float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doses = append(m.doses, targetEC)
	return nil
}

func (m *MockControl) On(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ons[id]
}

func (m *MockControl) Off(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offs[id]
}

type testRig struct {
	store    *MemStore
	sensor   *MockSensor
	ctl      *MockControl
	act      *actuator.Actuator
	presets  *preset.Provider
	recorder *events.Recorder
	deps     Deps
	cfg      Config
}

// newRig builds a zone with millisecond shots so handlers can be driven
// synchronously
func newRig(t *testing.T) *testRig {
	t.Helper()
	r := &testRig{
		store:    NewMemStore(),
		sensor:   &MockSensor{},
		ctl:      NewMockControl(),
		presets:  preset.NewProvider(),
		recorder: events.NewRecorder(0),
		cfg:      DefaultConfig(),
	}
	r.act = actuator.New("zone-1", []string{"valve-1", "valve-2"}, []string{"doser-1"}, r.ctl, r.recorder)

	for _, phase := range []model.Phase{model.PhaseSaturation, model.PhaseMaintenance, model.PhaseNightDryback} {
		p := r.presets.Base(phase)
		p.IrrigationDuration = 5 * time.Millisecond
		p.WaitBetweenShots = 0
		p.MaintenanceInterval = 0
		if err := r.presets.SetBase(phase, p); err != nil {
			t.Fatalf("SetBase(%s) failed: %v", phase, err)
		}
	}

	r.cfg.Interval = 10 * time.Millisecond
	r.cfg.ModePoll = 5 * time.Millisecond
	r.deps = Deps{
		Zone:      "zone-1",
		Store:     r.store,
		Sensor:    r.sensor,
		Presets:   r.presets,
		Actuator:  r.act,
		Publisher: r.recorder,
	}
	return r
}

func (r *testRig) controller(t *testing.T, mode model.Mode, vwc float64, lightsOn bool) *Controller {
	t.Helper()
	r.sensor.Set(vwc)
	r.store.SetLightsOn(lightsOn)
	c := New(r.deps, r.cfg, mode)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return c
}

func (r *testRig) evaluate(t *testing.T, c *Controller, vwc float64) {
	t.Helper()
	r.sensor.Set(vwc)
	if err := c.Evaluate(context.Background()); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
}

func (r *testRig) shots() int {
	return r.ctl.On("valve-1")
}

// testClock is a settable time source for a controller
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
