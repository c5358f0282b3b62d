package steering

import (
	"context"
	"testing"
	"time"

	"github.com/agsys/crop-steering/internal/model"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestZoneModeChangeStopsShot(t *testing.T) {
	r := newRig(t)
	p := r.presets.Base(model.PhaseSaturation)
	p.IrrigationDuration = 5 * time.Second
	r.presets.SetBase(model.PhaseSaturation, p)

	r.sensor.Set(50)
	r.store.SetLightsOn(true)
	z := NewZone(r.deps, r.cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- z.Run(ctx) }()

	waitFor(t, "saturation shot", func() bool { return len(r.act.ActiveDevices()) == 2 })

	if err := z.SetMode(model.ModeDisabled); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if n := len(r.act.ActiveDevices()); n != 0 {
		t.Fatalf("%d devices left on after disabling", n)
	}
	if r.ctl.Off("valve-1") != 1 || r.ctl.Off("valve-2") != 1 {
		t.Errorf("Expected exactly one off per device, got %d/%d", r.ctl.Off("valve-1"), r.ctl.Off("valve-2"))
	}
	if st := z.Status(); st.Running || st.Mode != model.ModeDisabled {
		t.Errorf("Unexpected status: %+v", st)
	}

	// A mode written to the store is picked up by the poll
	r.store.SetActiveMode(model.ModeManualP0)
	waitFor(t, "manual mode", func() bool {
		st := z.Status()
		return st.Running && st.Mode == model.ModeManualP0
	})

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if z.Status().Running {
		t.Error("Controller still running after Run returned")
	}
}

func TestZoneSetModeRejectsUnknownMode(t *testing.T) {
	r := newRig(t)
	z := NewZone(r.deps, r.cfg)

	if err := z.SetMode(model.Mode("Turbo")); err == nil {
		t.Error("Expected error for unknown mode")
	}
	if err := z.SetMode(model.ModeManualP3); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if m, _ := r.store.ActiveMode(); m != model.ModeManualP3 {
		t.Errorf("Stored mode = %s, want Manual-P3", m)
	}
}

func TestZoneRepeatedModeKeepsNight(t *testing.T) {
	r := newRig(t)
	r.sensor.Set(57)
	r.store.SetLightsOn(false)
	z := NewZone(r.deps, r.cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go z.Run(ctx)

	// 68 * 0.85 = 57.8, capped at 2 emergency shots
	waitFor(t, "emergency cap", func() bool { return z.Status().EmergencyShots == 2 })

	for i := 0; i < 4; i++ {
		if err := z.SetMode(model.ModeAutomatic); err != nil {
			t.Fatalf("SetMode failed: %v", err)
		}
		time.Sleep(3 * r.cfg.Interval)
	}

	if r.shots() != 2 {
		t.Errorf("Repeated mode commands fired %d emergency shots, want 2", r.shots())
	}
	if st := z.Status(); st.NightStartVWC != 57 || st.EmergencyShots != 2 {
		t.Errorf("Night state reset: start %.1f, emergency shots %d", st.NightStartVWC, st.EmergencyShots)
	}
}
