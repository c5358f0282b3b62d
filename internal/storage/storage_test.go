package storage

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/agsys/crop-steering/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "cropsteer-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpFile.Close()

	db, err := Open(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpFile.Name())
		os.Remove(tmpFile.Name() + "-wal")
		os.Remove(tmpFile.Name() + "-shm")
	})
	return db
}

func TestPathStore(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.GetPath("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if err := db.SetPath("a.b", "1"); err != nil {
		t.Fatalf("SetPath failed: %v", err)
	}
	if err := db.SetPath("a.b", "2"); err != nil {
		t.Fatalf("SetPath failed: %v", err)
	}
	v, err := db.GetPath("a.b")
	if err != nil || v != "2" {
		t.Errorf("GetPath = %q, %v; want 2", v, err)
	}
}

func TestZoneStoreIsolatesZones(t *testing.T) {
	db := openTestDB(t)
	a, b := db.Zone("a"), db.Zone("b")

	if err := a.SetActiveMode(model.ModeManualP2); err != nil {
		t.Fatalf("SetActiveMode failed: %v", err)
	}
	mode, err := b.ActiveMode()
	if err != nil || mode != model.ModeAutomatic {
		t.Errorf("zone b mode = %s, %v; want Automatic", mode, err)
	}
	mode, err = a.ActiveMode()
	if err != nil || mode != model.ModeManualP2 {
		t.Errorf("zone a mode = %s, %v; want Manual-P2", mode, err)
	}

	paths, err := a.Paths()
	if err != nil {
		t.Fatalf("Paths failed: %v", err)
	}
	if len(paths) != 1 || paths[0].Path != model.PathActiveMode {
		t.Errorf("Unexpected paths: %+v", paths)
	}
}

func TestZoneStoreTypedValues(t *testing.T) {
	s := openTestDB(t).Zone("z1")

	if _, ok, err := s.CropPhase(); ok || err != nil {
		t.Errorf("CropPhase on empty store: ok=%v err=%v", ok, err)
	}
	if err := s.SetCropPhase(model.PhaseNightDryback); err != nil {
		t.Fatalf("SetCropPhase failed: %v", err)
	}
	if p, ok, err := s.CropPhase(); !ok || err != nil || p != model.PhaseNightDryback {
		t.Errorf("CropPhase = %s, %v, %v", p, ok, err)
	}

	if _, ok, err := s.NightState(); ok || err != nil {
		t.Errorf("NightState on empty store: ok=%v err=%v", ok, err)
	}
	night := model.NightState{StartVWC: 64.5, StartedAt: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC), EmergencyShots: 2}
	if err := s.SetNightState(night); err != nil {
		t.Fatalf("SetNightState failed: %v", err)
	}
	if got, ok, err := s.NightState(); !ok || err != nil || got.StartVWC != 64.5 || got.EmergencyShots != 2 || !got.StartedAt.Equal(night.StartedAt) {
		t.Errorf("NightState = %+v, %v, %v", got, ok, err)
	}

	if _, known, _ := s.LightsOn(); known {
		t.Error("Light status should be unknown")
	}
	if err := s.SetLightsOn(true); err != nil {
		t.Fatalf("SetLightsOn failed: %v", err)
	}
	if on, known, err := s.LightsOn(); !on || !known || err != nil {
		t.Errorf("LightsOn = %v, %v, %v", on, known, err)
	}

	if err := s.SetMediumType("coco"); err != nil {
		t.Fatalf("SetMediumType failed: %v", err)
	}
	if m, err := s.MediumType(); m != "coco" || err != nil {
		t.Errorf("MediumType = %q, %v", m, err)
	}

	stage, err := s.GrowthStage()
	if err != nil || stage.Generative {
		t.Errorf("Default stage = %+v, %v; want vegetative", stage, err)
	}
	if err := s.SetGrowthStage(model.GrowthStage{Generative: true, Week: 4}); err != nil {
		t.Fatalf("SetGrowthStage failed: %v", err)
	}
	if stage, err := s.GrowthStage(); err != nil || !stage.Generative || stage.Week != 4 {
		t.Errorf("GrowthStage = %+v, %v", stage, err)
	}
}

func TestZoneStoreRejectsBadValues(t *testing.T) {
	s := openTestDB(t).Zone("z1")

	s.SetPath(model.PathLightOn, "maybe")
	if _, _, err := s.LightsOn(); err == nil {
		t.Error("Expected error for invalid light status")
	}
	s.SetPath(model.PathActiveMode, "Turbo")
	if _, err := s.ActiveMode(); err == nil {
		t.Error("Expected error for invalid mode")
	}
}

func TestCalibrationRecords(t *testing.T) {
	db := openTestDB(t)
	s := db.Zone("z1")

	rec, err := s.CalibrationRecord("rockwool", model.PhaseSaturation, model.BoundMax)
	if err != nil || rec != nil {
		t.Fatalf("Expected no record, got %+v, %v", rec, err)
	}

	collected := time.Now().Add(-time.Hour).Truncate(time.Second)
	for _, v := range []float64{68.5, 69.25} {
		err := s.SaveCalibrationRecord(model.CalibrationRecord{
			Medium: "rockwool", Phase: model.PhaseSaturation, Bound: model.BoundMax,
			Value: v, Readings: []float64{v - 0.1, v + 0.1}, CollectedAt: collected,
		})
		if err != nil {
			t.Fatalf("SaveCalibrationRecord failed: %v", err)
		}
	}

	rec, err = s.CalibrationRecord("rockwool", model.PhaseSaturation, model.BoundMax)
	if err != nil || rec == nil {
		t.Fatalf("CalibrationRecord failed: %v", err)
	}
	if rec.Value != 69.25 || rec.Zone != "z1" || len(rec.Readings) != 2 {
		t.Errorf("Unexpected latest record: %+v", rec)
	}

	// Keyed by medium
	if rec, _ := s.CalibrationRecord("coco", model.PhaseSaturation, model.BoundMax); rec != nil {
		t.Error("rockwool record visible for coco")
	}

	history, err := db.GetCalibrationRecords("z1", 10)
	if err != nil || len(history) != 2 {
		t.Fatalf("GetCalibrationRecords = %d, %v", len(history), err)
	}

	unsynced, _ := db.GetUnsyncedCalibrationRecords(10)
	if len(unsynced) != 2 {
		t.Fatalf("Expected 2 unsynced records, got %d", len(unsynced))
	}
	if err := db.MarkCalibrationRecordSynced(unsynced[0].ID); err != nil {
		t.Fatalf("MarkCalibrationRecordSynced failed: %v", err)
	}
	unsynced, _ = db.GetUnsyncedCalibrationRecords(10)
	if len(unsynced) != 1 || unsynced[0].Record.Value != 69.25 {
		t.Errorf("Unexpected unsynced records after marking: %+v", unsynced)
	}
}

func TestIrrigationEvents(t *testing.T) {
	db := openTestDB(t)

	event := &IrrigationEvent{
		ZoneID:    "z1",
		Phase:     model.PhaseSaturation,
		Duration:  90 * time.Second,
		Emergency: false,
		Success:   true,
		Reason:    "P1 saturation shot 2",
		VWCBefore: 57.4,
		Timestamp: time.Now(),
	}
	id, err := db.InsertIrrigationEvent(event)
	if err != nil {
		t.Fatalf("InsertIrrigationEvent failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("Expected positive ID, got %d", id)
	}

	events, err := db.GetUnsyncedIrrigationEvents(10)
	if err != nil || len(events) != 1 {
		t.Fatalf("GetUnsyncedIrrigationEvents = %d, %v", len(events), err)
	}
	got := events[0]
	if got.Duration != 90*time.Second || got.Phase != model.PhaseSaturation || !got.Success || got.Reason != event.Reason {
		t.Errorf("Round trip mismatch: %+v", got)
	}

	if err := db.MarkIrrigationEventSynced(id); err != nil {
		t.Fatalf("MarkIrrigationEventSynced failed: %v", err)
	}
	if events, _ := db.GetUnsyncedIrrigationEvents(10); len(events) != 0 {
		t.Errorf("Expected no unsynced events, got %d", len(events))
	}
	if events, _ := db.GetIrrigationEvents("z1", 10); len(events) != 1 || !events[0].SyncedToCloud {
		t.Errorf("Expected synced event in history, got %+v", events)
	}
}

func TestTransitionsAndDrybacks(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if _, err := db.InsertPhaseTransition(&PhaseTransition{
		ZoneID: "z1", From: model.PhaseMaintenance, To: model.PhaseNightDryback,
		Reason: "lights off", VWC: 65, Timestamp: now,
	}); err != nil {
		t.Fatalf("InsertPhaseTransition failed: %v", err)
	}
	transitions, err := db.GetPhaseTransitions("z1", 10)
	if err != nil || len(transitions) != 1 || transitions[0].To != model.PhaseNightDryback {
		t.Fatalf("GetPhaseTransitions = %+v, %v", transitions, err)
	}

	id, err := db.InsertDrybackRecord(&DrybackRecord{
		ZoneID: "z1", StartVWC: 65, EndVWC: 59, DrybackPercent: 9.23,
		StartedAt: now.Add(-10 * time.Hour), EndedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertDrybackRecord failed: %v", err)
	}
	drybacks, err := db.GetUnsyncedDrybackRecords(10)
	if err != nil || len(drybacks) != 1 || drybacks[0].EndVWC != 59 {
		t.Fatalf("GetUnsyncedDrybackRecords = %+v, %v", drybacks, err)
	}
	db.MarkDrybackRecordSynced(id)
	if drybacks, _ := db.GetUnsyncedDrybackRecords(10); len(drybacks) != 0 {
		t.Error("Dryback still unsynced")
	}
}

func TestSensorReadingsPrune(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	for _, age := range []time.Duration{48 * time.Hour, time.Hour, 0} {
		if _, err := db.InsertSensorReading(&SensorReading{
			ZoneID: "z1", VWC: 60, BulkEC: 1.8, PoreEC: 3.1, TemperatureC: 22, Valid: true,
			Timestamp: now.Add(-age),
		}); err != nil {
			t.Fatalf("InsertSensorReading failed: %v", err)
		}
	}

	n, err := db.PruneSensorReadings(now.Add(-24 * time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneSensorReadings = %d, %v; want 1", n, err)
	}
	readings, err := db.GetSensorReadings("z1", 10)
	if err != nil || len(readings) != 2 {
		t.Fatalf("GetSensorReadings = %d, %v", len(readings), err)
	}
}
