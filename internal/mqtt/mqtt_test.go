package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
)

type message struct {
	topic   string
	payload []byte
}

type testPublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *testPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{topic: topic, payload: payload})
	return nil
}

type mockLights struct {
	values []bool
}

func (m *mockLights) SetLightsOn(on bool) error {
	m.values = append(m.values, on)
	return nil
}

type mockModes struct {
	modes []model.Mode
}

func (m *mockModes) SetMode(mode model.Mode) error {
	m.modes = append(m.modes, mode)
	return nil
}

func TestDevicesPublishCommands(t *testing.T) {
	pub := &testPublisher{}
	d := NewDevices(pub, NewTopics("agsys"), "zone-1")

	if err := d.SetActuator(context.Background(), "valve-1", true); err != nil {
		t.Fatalf("SetActuator failed: %v", err)
	}
	if err := d.SetDoseTarget(context.Background(), "doser-1", 3.4); err != nil {
		t.Fatalf("SetDoseTarget failed: %v", err)
	}

	if len(pub.msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(pub.msgs))
	}
	if pub.msgs[0].topic != "agsys/zones/zone-1/devices/valve-1/set" {
		t.Errorf("Unexpected topic %s", pub.msgs[0].topic)
	}
	if string(pub.msgs[0].payload) != `{"on":true}` {
		t.Errorf("Unexpected payload %s", pub.msgs[0].payload)
	}
	if pub.msgs[1].topic != "agsys/zones/zone-1/dosers/doser-1/target" {
		t.Errorf("Unexpected topic %s", pub.msgs[1].topic)
	}
	if string(pub.msgs[1].payload) != `{"target_ec":3.4}` {
		t.Errorf("Unexpected payload %s", pub.msgs[1].payload)
	}
}

func TestDevicesOffAfterCancel(t *testing.T) {
	pub := &testPublisher{}
	d := NewDevices(pub, NewTopics("agsys"), "zone-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.SetActuator(ctx, "valve-1", true); err == nil {
		t.Error("Expected on command to fail after cancellation")
	}
	if err := d.SetActuator(ctx, "valve-1", false); err != nil {
		t.Errorf("Off command must go out after cancellation: %v", err)
	}
	if len(pub.msgs) != 1 || string(pub.msgs[0].payload) != `{"on":false}` {
		t.Errorf("Expected a single off command, got %v", pub.msgs)
	}
}

func TestDevicesPublishError(t *testing.T) {
	pub := &testPublisher{err: errors.New("broker down")}
	d := NewDevices(pub, NewTopics("agsys"), "zone-1")

	if err := d.SetActuator(context.Background(), "pump-1", true); err == nil {
		t.Error("Expected publish failure to surface")
	}
}

func TestSensorFeedParsesPayloads(t *testing.T) {
	feed := NewSensorFeed(3)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	feed.now = func() time.Time { return fixed }

	if err := feed.HandlePayload(model.SensorVWC, []byte("61.5")); err != nil {
		t.Fatalf("bare number rejected: %v", err)
	}
	if err := feed.HandlePayload(model.SensorVWC, []byte(`{"value":62,"unit":"%","timestamp":"2026-05-01T12:00:05Z"}`)); err != nil {
		t.Fatalf("JSON sample rejected: %v", err)
	}
	if err := feed.HandlePayload(model.SensorVWC, []byte(`{"value":2.9,"kind":"ec"}`)); err == nil {
		t.Error("Expected mismatched kind to be rejected")
	}
	if err := feed.HandlePayload(model.SensorVWC, []byte("wet")); err == nil {
		t.Error("Expected garbage to be rejected")
	}

	samples, err := feed.RecentSamples(context.Background(), model.SensorVWC)
	if err != nil {
		t.Fatalf("RecentSamples failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(samples))
	}
	if samples[0].Value != 61.5 || samples[0].Kind != model.SensorVWC || !samples[0].Timestamp.Equal(fixed) {
		t.Errorf("Unexpected first sample %+v", samples[0])
	}
	if samples[1].Unit != "%" || samples[1].Timestamp.Equal(fixed) {
		t.Errorf("Expected payload timestamp to be kept, got %+v", samples[1])
	}
}

func TestSensorFeedDropsOldest(t *testing.T) {
	feed := NewSensorFeed(3)
	for i := 1; i <= 5; i++ {
		feed.Add(model.SensorSample{Kind: model.SensorEC, Value: float64(i), Timestamp: time.Now()})
	}

	samples, _ := feed.RecentSamples(context.Background(), model.SensorEC)
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	if samples[0].Value != 3 || samples[2].Value != 5 {
		t.Errorf("Expected values 3..5, got %v", samples)
	}

	if vwc, _ := feed.RecentSamples(context.Background(), model.SensorVWC); len(vwc) != 0 {
		t.Errorf("Expected no VWC samples, got %d", len(vwc))
	}
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter(NewTopics("agsys"))
	feed := NewSensorFeed(0)
	lights := &mockLights{}
	modes := &mockModes{}
	r.Bind("zone-1", ZoneBinding{Feed: feed, Lights: lights, Mode: modes})

	r.Handle("agsys/zones/zone-1/sensors/vwc", []byte("60"))
	r.Handle("agsys/zones/zone-1/sensors/ec", []byte("3.1"))
	r.Handle("agsys/zones/zone-1/sensors/ph", []byte("6.0"))
	r.Handle("agsys/zones/zone-1/lights", []byte("ON"))
	r.Handle("agsys/zones/zone-1/lights", []byte("false"))
	r.Handle("agsys/zones/zone-1/lights", []byte("dim"))
	r.Handle("agsys/zones/zone-1/mode/set", []byte("manual_p2"))
	r.Handle("agsys/zones/zone-1/mode/set", []byte("turbo"))
	r.Handle("agsys/zones/zone-2/sensors/vwc", []byte("50"))
	r.Handle("other/zones/zone-1/sensors/vwc", []byte("50"))

	vwc, _ := feed.RecentSamples(context.Background(), model.SensorVWC)
	ec, _ := feed.RecentSamples(context.Background(), model.SensorEC)
	if len(vwc) != 1 || len(ec) != 1 {
		t.Errorf("Expected one VWC and one EC sample, got %d and %d", len(vwc), len(ec))
	}
	if len(lights.values) != 2 || !lights.values[0] || lights.values[1] {
		t.Errorf("Unexpected lights updates %v", lights.values)
	}
	if len(modes.modes) != 1 || modes.modes[0] != model.ModeManualP2 {
		t.Errorf("Unexpected mode updates %v", modes.modes)
	}
}

func TestEventForwarder(t *testing.T) {
	pub := &testPublisher{}
	f := NewEventForwarder(pub, NewTopics("agsys"))

	f.Handle(events.PhaseChangeEvent{
		Header: events.NewHeader("zone-1"),
		From:   model.PhaseMonitoring,
		To:     model.PhaseSaturation,
		Reason: "vwc below minimum",
		VWC:    54,
	})

	if len(pub.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(pub.msgs))
	}
	if pub.msgs[0].topic != "agsys/zones/zone-1/events/phase_change" {
		t.Errorf("Unexpected topic %s", pub.msgs[0].topic)
	}

	var env struct {
		Kind    string          `json:"kind"`
		Zone    string          `json:"zone"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(pub.msgs[0].payload, &env); err != nil {
		t.Fatalf("Invalid envelope: %v", err)
	}
	if env.Kind != "phase_change" || env.Zone != "zone-1" || len(env.Payload) == 0 {
		t.Errorf("Unexpected envelope %+v", env)
	}
}

func TestTopicsSubscriptions(t *testing.T) {
	subs := NewTopics("farm/a").Subscriptions()
	if len(subs) != 3 || subs[0] != "farm/a/zones/+/sensors/+" {
		t.Errorf("Unexpected subscriptions %v", subs)
	}
	zone, kind, sensor := NewTopics("farm/a").parse("farm/a/zones/z9/sensors/temperature")
	if zone != "z9" || kind != inboundSensor || sensor != "temperature" {
		t.Errorf("Unexpected parse result %s %d %s", zone, kind, sensor)
	}
}
