package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agsys/crop-steering/internal/api"
	"github.com/agsys/crop-steering/internal/config"
	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/storage"
)

// MockTransport simulates the MQTT broker session
type MockTransport struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string]func(topic string, payload []byte)
	onConnect func()
	connected bool
}

type publishedMessage struct {
	topic   string
	payload string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{handlers: make(map[string]func(string, []byte))}
}

func (m *MockTransport) OnConnect(fn func()) { m.onConnect = fn }

func (m *MockTransport) Connect() error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	if m.onConnect != nil {
		m.onConnect()
	}
	return nil
}

func (m *MockTransport) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *MockTransport) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockTransport) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{topic: topic, payload: string(payload)})
	return nil
}

// SimulateReceive delivers a message as if the broker had routed it. The
// engine subscribes with wildcards, so any registered handler will do.
func (m *MockTransport) SimulateReceive(topic, payload string) {
	m.mu.Lock()
	var handler func(string, []byte)
	for _, h := range m.handlers {
		handler = h
		break
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, []byte(payload))
	}
}

// Published returns the payloads sent to a topic
func (m *MockTransport) Published(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

func (m *MockTransport) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for t := range m.handlers {
		out = append(out, t)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	data := `
controller:
  id: ctrl-test
database:
  path: ` + filepath.Join(t.TempDir(), "test.db") + `
mqtt:
  broker_url: tcp://localhost:1883
  topic_prefix: agsys
steering:
  interval: 20ms
  mode_poll: 10ms
calibration:
  base_saturation: 30s
zones:
  - id: zone-1
    medium: rockwool
    actuators: [valve-1]
    dosers: [doser-1]
  - id: zone-2
    actuators: [valve-2]
`
	cfg, err := config.Parse([]byte(data), "")
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startEngine(t *testing.T) (*Engine, *MockTransport) {
	t.Helper()
	transport := NewMockTransport()
	eng, err := NewWithTransport(testConfig(t), transport)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	return eng, transport
}

func TestEngineSubscribesOnConnect(t *testing.T) {
	eng, transport := startEngine(t)
	defer eng.Stop()

	subs := transport.Subscriptions()
	if len(subs) != 3 {
		t.Fatalf("Expected 3 subscriptions, got %v", subs)
	}
	if got := eng.ZoneIDs(); len(got) != 2 || got[0] != "zone-1" || got[1] != "zone-2" {
		t.Errorf("Unexpected zone ids %v", got)
	}
}

func TestEngineSteersFromInboundMessages(t *testing.T) {
	eng, transport := startEngine(t)

	transport.SimulateReceive("agsys/zones/zone-1/lights", "on")
	transport.SimulateReceive("agsys/zones/zone-1/sensors/vwc", "62")
	transport.SimulateReceive("agsys/zones/zone-1/sensors/ec", "2.9")

	waitFor(t, "zone-1 reading", func() bool {
		st, err := eng.ZoneStatus("zone-1")
		return err == nil && st.SensorKnown && st.VWC == 62
	})

	st, _ := eng.ZoneStatus("zone-1")
	if st.Phase != model.PhaseMonitoring.String() {
		t.Errorf("Expected P0 with lights on at 62%%, got %s", st.Phase)
	}
	if st.Medium != "rockwool" {
		t.Errorf("Expected configured medium, got %s", st.Medium)
	}

	waitFor(t, "sensor update forwarded", func() bool {
		return len(transport.Published("agsys/zones/zone-1/events/sensor_update")) > 0
	})

	// Switch the zone off over MQTT
	transport.SimulateReceive("agsys/zones/zone-1/mode/set", "Disabled")
	waitFor(t, "zone-1 disabled", func() bool {
		st, _ := eng.ZoneStatus("zone-1")
		return st.Phase == "stopped"
	})

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if on := transport.Published("agsys/zones/zone-1/devices/valve-1/set"); len(on) != 0 {
		t.Errorf("Expected no shots at 62%%, got %v", on)
	}
}

func TestEngineRecordsReadings(t *testing.T) {
	cfg := testConfig(t)
	transport := NewMockTransport()
	eng, err := NewWithTransport(cfg, transport)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}

	transport.SimulateReceive("agsys/zones/zone-2/lights", "true")
	transport.SimulateReceive("agsys/zones/zone-2/sensors/vwc", "61")

	waitFor(t, "zone-2 reading", func() bool {
		st, _ := eng.ZoneStatus("zone-2")
		return st.SensorKnown
	})

	// Stop flushes queued events before closing the database
	eng.Stop()

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	readings, err := db.GetSensorReadings("zone-2", 10)
	if err != nil {
		t.Fatalf("GetSensorReadings failed: %v", err)
	}
	if len(readings) == 0 || readings[0].VWC != 61 {
		t.Errorf("Expected recorded readings at 61%%, got %d", len(readings))
	}

	lights, known, err := db.Zone("zone-2").LightsOn()
	if err != nil || !known || !lights {
		t.Errorf("Expected lights on to be stored, got %v %v %v", lights, known, err)
	}
}

func TestZoneServiceOperations(t *testing.T) {
	eng, _ := startEngine(t)
	defer eng.Stop()

	if _, err := eng.ZoneStatus("zone-9"); !errors.Is(err, api.ErrZoneNotFound) {
		t.Errorf("Expected ErrZoneNotFound, got %v", err)
	}
	if err := eng.SetMode("zone-9", model.ModeDisabled); !errors.Is(err, api.ErrZoneNotFound) {
		t.Errorf("Expected ErrZoneNotFound, got %v", err)
	}

	presets, err := eng.Presets("zone-1")
	if err != nil {
		t.Fatalf("Presets failed: %v", err)
	}
	if len(presets) != 4 {
		t.Fatalf("Expected 4 presets, got %d", len(presets))
	}
	vegP1 := presets[model.PhaseSaturation].VWCTarget

	if err := eng.SetGrowthStage("zone-1", model.GrowthStage{Generative: true, Week: 2}); err != nil {
		t.Fatalf("SetGrowthStage failed: %v", err)
	}
	presets, _ = eng.Presets("zone-1")
	if presets[model.PhaseSaturation].VWCTarget >= vegP1 {
		t.Errorf("Expected a drier P1 target in early generative, got %.1f vs %.1f",
			presets[model.PhaseSaturation].VWCTarget, vegP1)
	}

	if err := eng.SetMedium("zone-2", "coco"); err != nil {
		t.Fatalf("SetMedium failed: %v", err)
	}
	if err := eng.SetMode("zone-2", model.ModeManualP2); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	waitFor(t, "manual mode", func() bool {
		st, _ := eng.ZoneStatus("zone-2")
		return st.Mode == model.ModeManualP2 && st.Phase == model.PhaseMaintenance.String()
	})
}

func TestCalibrationCancelSwitchesOff(t *testing.T) {
	eng, transport := startEngine(t)
	defer eng.Stop()

	transport.SimulateReceive("agsys/zones/zone-1/sensors/vwc", "60")

	runID, err := eng.StartCalibration("zone-1", model.PhaseSaturation, model.BoundMax)
	if err != nil || runID == "" {
		t.Fatalf("StartCalibration failed: %q %v", runID, err)
	}
	st, err := eng.CalibrationStatus("zone-1")
	if err != nil || st == nil || st.RunID != runID {
		t.Fatalf("Expected active run %s, got %+v %v", runID, st, err)
	}

	topic := "agsys/zones/zone-1/devices/valve-1/set"
	waitFor(t, "saturation shot", func() bool { return len(transport.Published(topic)) == 1 })

	cancelled, err := eng.CancelCalibration("zone-1")
	if err != nil || !cancelled {
		t.Fatalf("Expected the run to be cancelled, got %v %v", cancelled, err)
	}

	cmds := transport.Published(topic)
	if len(cmds) != 2 || !strings.Contains(cmds[0], "true") || !strings.Contains(cmds[1], "false") {
		t.Errorf("Expected on then off, got %v", cmds)
	}
	if st, _ := eng.CalibrationStatus("zone-1"); st != nil {
		t.Errorf("Expected no active run, got %+v", st)
	}

	waitFor(t, "irrigation event logged", func() bool {
		recent, err := eng.RecentEvents("zone-1", events.KindIrrigation)
		return err == nil && len(recent) > 0
	})
	if _, err := eng.RecentEvents("zone-9", ""); !errors.Is(err, api.ErrZoneNotFound) {
		t.Errorf("Expected ErrZoneNotFound, got %v", err)
	}
}
