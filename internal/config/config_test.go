package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/preset"
	"github.com/agsys/crop-steering/internal/substrate"
)

const sampleConfig = `
controller:
  id: ctrl-1
  name: Flower room A
logging:
  level: debug
database:
  path: /tmp/cropsteer.db
mqtt:
  broker_url: tcp://broker:1883
  topic_prefix: farm
steering:
  interval: 2m
  manual:
    shot_count: 4
zones:
  - id: table-1
    medium: Coco
    actuators: [pump-1, valve-1]
    dosers: [doser-1]
    steering:
      interval: 1m
      stagnation_shots: 5
  - id: table-2
    actuators: [valve-2]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig), "")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Controller.ID != "ctrl-1" {
		t.Errorf("Expected controller id ctrl-1, got %s", cfg.Controller.ID)
	}
	if cfg.MQTT.BrokerURL != "tcp://broker:1883" || cfg.MQTT.TopicPrefix != "farm" {
		t.Errorf("Unexpected MQTT config %+v", cfg.MQTT)
	}
	if cfg.MQTT.KeepAlive != 60*time.Second {
		t.Errorf("Expected default keepalive, got %v", cfg.MQTT.KeepAlive)
	}
	if cfg.Steering.Interval != 2*time.Minute {
		t.Errorf("Expected interval 2m, got %v", cfg.Steering.Interval)
	}
	if cfg.Steering.StagnationShots != 3 || cfg.Steering.Manual.ShotInterval != time.Hour {
		t.Errorf("Expected untouched steering defaults, got %+v", cfg.Steering)
	}
	if cfg.Steering.Manual.ShotCount != 4 {
		t.Errorf("Expected manual shot count 4, got %d", cfg.Steering.Manual.ShotCount)
	}
	if cfg.Calibration.MaxAttempts != 5 {
		t.Errorf("Expected calibration defaults, got %+v", cfg.Calibration)
	}
	if cfg.Cloud.ControllerID != "ctrl-1" {
		t.Errorf("Expected cloud controller id to follow controller.id, got %q", cfg.Cloud.ControllerID)
	}
	if len(cfg.Zones) != 2 {
		t.Fatalf("Expected 2 zones, got %d", len(cfg.Zones))
	}
}

func TestSteeringForMergesZoneOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig), "")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	z1, _ := cfg.Zone("table-1")
	s1 := cfg.SteeringFor(z1)
	if s1.Interval != time.Minute || s1.StagnationShots != 5 {
		t.Errorf("Expected zone overrides, got %+v", s1)
	}
	if s1.ECStep != 0.2 || s1.Manual.ShotCount != 4 {
		t.Errorf("Expected global values where the zone is silent, got %+v", s1)
	}
	if !s1.Trace {
		t.Error("Expected trace logging at debug level")
	}

	z2, _ := cfg.Zone("table-2")
	if s2 := cfg.SteeringFor(z2); s2.Interval != 2*time.Minute {
		t.Errorf("Expected global interval for table-2, got %v", s2.Interval)
	}

	if m, ok := z1.MediumFor(); !ok || m != substrate.Coco {
		t.Errorf("Expected coco for table-1, got %q", m)
	}
	if _, ok := z2.MediumFor(); ok {
		t.Error("Expected no configured medium for table-2")
	}
	if _, ok := cfg.Zone("missing"); ok {
		t.Error("Expected unknown zone lookup to fail")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		want    string
	}{
		{"missing controller id", [2]string{"id: ctrl-1", "id: \"\""}, "Controller.ID"},
		{"unknown medium", [2]string{"medium: Coco", "medium: sand"}, "Medium"},
		{"zone without actuators", [2]string{"actuators: [valve-2]", "actuators: []"}, "Actuators"},
		{"duplicate zone", [2]string{"id: table-2", "id: table-1"}, "duplicate zone"},
		{"bad log level", [2]string{"level: debug", "level: chatty"}, "Level"},
		{"bad yaml", [2]string{"zones:", "zones: [oops"}, "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(sampleConfig, tt.replace[0], tt.replace[1], 1)
			_, err := Parse([]byte(data), "")
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCloudRequiresCredentials(t *testing.T) {
	data := sampleConfig + "cloud:\n  enabled: true\n  websocket_url: wss://cloud/ws\n"
	if _, err := Parse([]byte(data), ""); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Errorf("Expected missing api key error, got %v", err)
	}

	t.Setenv("CROPSTEER_CLOUD_API_KEY", "from-env")
	cfg, err := Parse([]byte(data), "")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Cloud.APIKey != "from-env" {
		t.Errorf("Expected API key from environment, got %q", cfg.Cloud.APIKey)
	}
}

func TestEnvFileOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("CROPSTEER_MQTT_PASSWORD=hunter2\nCROPSTEER_DB_PATH=/data/steer.db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides variables that are already set
	t.Setenv("CROPSTEER_MQTT_PASSWORD", "")
	os.Unsetenv("CROPSTEER_MQTT_PASSWORD")
	t.Setenv("CROPSTEER_DB_PATH", "")
	os.Unsetenv("CROPSTEER_DB_PATH")

	cfg, err := Parse([]byte(sampleConfig), envFile)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.MQTT.Password != "hunter2" {
		t.Errorf("Expected MQTT password from .env, got %q", cfg.MQTT.Password)
	}
	if cfg.Database.Path != "/data/steer.db" {
		t.Errorf("Expected database path from .env, got %q", cfg.Database.Path)
	}

	if _, err := Parse([]byte(sampleConfig), filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("A missing .env file must be ignored: %v", err)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cropsteer.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/cropsteer.db" {
		t.Errorf("Unexpected database path %s", cfg.Database.Path)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoggingApply(t *testing.T) {
	closer, err := LoggingConfig{}.Apply()
	if err != nil || closer != nil {
		t.Errorf("Expected stderr logging without a file, got %v %v", closer, err)
	}
}

func TestBasePresetOverrides(t *testing.T) {
	data := sampleConfig + `
presets:
  P1:
    irrigation_duration: 90s
    max_shots: 6
  p3:
    max_emergency_shots: 1
`
	cfg, err := Parse([]byte(data), "")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	base, err := cfg.BasePresets()
	if err != nil {
		t.Fatalf("BasePresets failed: %v", err)
	}

	p1 := base[model.PhaseSaturation]
	if p1.IrrigationDuration != 90*time.Second || p1.MaxShots != 6 {
		t.Errorf("Expected P1 overrides, got %v / %d", p1.IrrigationDuration, p1.MaxShots)
	}
	if p1.VWCMax != 68 || p1.WaitBetweenShots != 15*time.Minute {
		t.Errorf("Expected untouched P1 fields to keep defaults, got %+v", p1)
	}
	if base[model.PhaseNightDryback].MaxEmergencyShots != 1 {
		t.Errorf("Expected P3 override, got %d", base[model.PhaseNightDryback].MaxEmergencyShots)
	}

	broken := sampleConfig + `
presets:
  P2:
    vwc_min: 70
`
	if _, err := Parse([]byte(broken), ""); !errors.Is(err, preset.ErrInvalidPreset) {
		t.Errorf("Expected ErrInvalidPreset, got %v", err)
	}
	if _, err := Parse([]byte(sampleConfig+"presets:\n  P9: {}\n"), ""); err == nil {
		t.Error("Expected error for unknown phase key")
	}
}
