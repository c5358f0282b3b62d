package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/agsys/crop-steering/internal/model"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	got := map[string]int{}
	for _, name := range []string{"log", "mqtt"} {
		name := name
		bus.Subscribe(name, 16, func(e Event) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		})
	}

	for i := 0; i < 5; i++ {
		bus.Publish(PhaseChangeEvent{Header: NewHeader("zone1"), From: model.PhaseMonitoring, To: model.PhaseSaturation})
	}
	bus.Close()

	if got["log"] != 5 || got["mqtt"] != 5 {
		t.Errorf("deliveries = %v, want 5 each", got)
	}

	// publishing after close is a no-op
	bus.Publish(LogEvent{Header: NewHeader("zone1"), Message: "late"})
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	block := make(chan struct{})
	var handled int
	bus.Subscribe("slow", 1, func(e Event) {
		<-block
		handled++
	})

	// the first event is taken by the handler, the second fills the
	// queue, the rest are dropped without blocking
	for i := 0; i < 10; i++ {
		bus.Publish(LogEvent{Header: NewHeader("z"), Message: "x"})
	}
	close(block)
	bus.Close()

	if handled < 1 || handled > 2 {
		t.Errorf("handled = %d, want 1 or 2", handled)
	}
}

func TestMarshal(t *testing.T) {
	e := DrybackCompleteEvent{Header: NewHeader("zone2"), StartVWC: 65, EndVWC: 59, DrybackPercent: 9.23}
	data, err := Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded struct {
		Kind    Kind   `json:"kind"`
		Zone    string `json:"zone"`
		Payload struct {
			ID       string  `json:"id"`
			StartVWC float64 `json:"start_vwc"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Kind != KindDrybackComplete || decoded.Zone != "zone2" {
		t.Errorf("kind/zone = %s/%s", decoded.Kind, decoded.Zone)
	}
	if decoded.Payload.StartVWC != 65 || decoded.Payload.ID == "" {
		t.Errorf("payload = %+v", decoded.Payload)
	}
}
