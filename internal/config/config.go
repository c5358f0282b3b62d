// Package config loads the controller configuration: a YAML file, an
// optional .env file and CROPSTEER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agsys/crop-steering/internal/calibration"
	"github.com/agsys/crop-steering/internal/cloud"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/mqtt"
	"github.com/agsys/crop-steering/internal/preset"
	"github.com/agsys/crop-steering/internal/steering"
	"github.com/agsys/crop-steering/internal/substrate"
)

// DefaultPath is where the service looks for its configuration
const DefaultPath = "/etc/agsys/cropsteer.yaml"

// Config represents the configuration file structure
type Config struct {
	Controller struct {
		ID   string `yaml:"id" validate:"required"`
		Name string `yaml:"name"`
	} `yaml:"controller"`

	Logging LoggingConfig `yaml:"logging"`

	Database struct {
		Path string `yaml:"path" validate:"required"`
		// Calibrated readings older than this are pruned
		SensorRetention time.Duration `yaml:"sensor_retention"`
	} `yaml:"database"`

	MQTT  mqtt.Config `yaml:"mqtt"`
	Cloud CloudConfig `yaml:"cloud"`
	API   APIConfig   `yaml:"api"`

	Sensors struct {
		// Samples older than MaxAge are left out of the rolling average
		MaxAge    time.Duration `yaml:"max_age"`
		FeedDepth int           `yaml:"feed_depth" validate:"gte=0"`
	} `yaml:"sensors"`

	Steering    steering.Config    `yaml:"steering"`
	Calibration calibration.Config `yaml:"calibration"`

	// Presets overrides fields of the rockwool base presets, keyed "P0".."P3"
	Presets map[string]yaml.Node `yaml:"presets"`

	Zones []ZoneConfig `yaml:"zones" validate:"required,min=1,dive"`
}

// LoggingConfig selects verbosity and destination
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info"`
	File  string `yaml:"file"`
}

// CloudConfig enables the analytics uplink
type CloudConfig struct {
	Enabled      bool `yaml:"enabled"`
	cloud.Config `yaml:",inline"`
}

// APIConfig configures the HTTP control surface
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
	// APIKey, when set, guards every mutating request
	APIKey string `yaml:"api_key"`
}

// ZoneConfig describes one irrigation zone
type ZoneConfig struct {
	ID        string   `yaml:"id" validate:"required"`
	Name      string   `yaml:"name"`
	Medium    string   `yaml:"medium" validate:"omitempty,medium"`
	Actuators []string `yaml:"actuators" validate:"required,min=1,dive,required"`
	Dosers    []string `yaml:"dosers" validate:"dive,required"`
	// Non-zero fields override the global steering settings for this zone
	Steering steering.Config `yaml:"steering" validate:"-"`
}

// Default returns the configuration used for anything the file leaves out
func Default() Config {
	var cfg Config
	cfg.Logging.Level = "info"
	cfg.Database.Path = "/var/lib/agsys/cropsteer.db"
	cfg.Database.SensorRetention = 7 * 24 * time.Hour
	cfg.MQTT = mqtt.DefaultConfig()
	cfg.Cloud.Config = cloud.DefaultConfig()
	cfg.API.Listen = ":8080"
	cfg.Sensors.MaxAge = 10 * time.Minute
	cfg.Sensors.FeedDepth = mqtt.DefaultFeedDepth
	cfg.Steering = steering.DefaultConfig()
	cfg.Calibration = calibration.DefaultConfig()
	return cfg
}

// Load reads the file at path, applies the .env file and environment
// overrides, and validates the result
func Load(path, envFile string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, envFile)
}

// Parse decodes YAML over the defaults, then applies the environment
func Parse(data []byte, envFile string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and addresses from CROPSTEER_* variables
func (c *Config) applyEnv() {
	setString(&c.Controller.ID, "CROPSTEER_CONTROLLER_ID")
	setString(&c.Database.Path, "CROPSTEER_DB_PATH")
	setString(&c.MQTT.BrokerURL, "CROPSTEER_MQTT_BROKER")
	setString(&c.MQTT.Username, "CROPSTEER_MQTT_USERNAME")
	setString(&c.MQTT.Password, "CROPSTEER_MQTT_PASSWORD")
	setString(&c.Cloud.WebSocketURL, "CROPSTEER_CLOUD_URL")
	setString(&c.Cloud.APIKey, "CROPSTEER_CLOUD_API_KEY")
	setString(&c.API.Listen, "CROPSTEER_API_LISTEN")
	setString(&c.API.APIKey, "CROPSTEER_API_KEY")
	setString(&c.Logging.Level, "CROPSTEER_LOG_LEVEL")

	if c.Cloud.ControllerID == "" {
		c.Cloud.ControllerID = c.Controller.ID
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("medium", func(fl validator.FieldLevel) bool {
		return substrate.ParseMedium(fl.Field().String()).Known()
	})
	return v
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.BasePresets(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, z := range c.Zones {
		if seen[z.ID] {
			return fmt.Errorf("invalid config: duplicate zone id %q", z.ID)
		}
		seen[z.ID] = true
	}
	if c.Cloud.Enabled {
		if c.Cloud.WebSocketURL == "" {
			return errors.New("invalid config: cloud.websocket_url is required when the cloud uplink is enabled")
		}
		if c.Cloud.APIKey == "" {
			return errors.New("invalid config: cloud.api_key is required when the cloud uplink is enabled")
		}
	}
	return nil
}

// BasePresets returns the base presets with the file's overrides applied
func (c *Config) BasePresets() (map[model.Phase]preset.Preset, error) {
	base := preset.DefaultBase()
	for key, node := range c.Presets {
		phase, err := model.ParsePhase(key)
		if err != nil {
			return nil, fmt.Errorf("invalid config: presets: %w", err)
		}
		p := base[phase]
		if err := node.Decode(&p); err != nil {
			return nil, fmt.Errorf("invalid config: presets.%s: %w", key, err)
		}
		p.Phase = phase
		if err := p.Check(); err != nil {
			return nil, fmt.Errorf("invalid config: presets.%s: %w", key, err)
		}
		base[phase] = p
	}
	return base, nil
}

// Debug reports whether per-tick trace logging is on
func (l LoggingConfig) Debug() bool {
	return l.Level == "debug"
}

// Apply redirects the standard logger to the configured file. The returned
// closer is nil when logging to stderr.
func (l LoggingConfig) Apply() (io.Closer, error) {
	if l.File == "" {
		return nil, nil
	}
	f, err := os.OpenFile(l.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}

// SteeringFor merges a zone's overrides onto the global steering settings
func (c *Config) SteeringFor(z ZoneConfig) steering.Config {
	out := c.Steering
	o := z.Steering
	if o.Interval > 0 {
		out.Interval = o.Interval
	}
	if o.StagnationDelta > 0 {
		out.StagnationDelta = o.StagnationDelta
	}
	if o.StagnationShots > 0 {
		out.StagnationShots = o.StagnationShots
	}
	if o.ECStep > 0 {
		out.ECStep = o.ECStep
	}
	if o.ModePoll > 0 {
		out.ModePoll = o.ModePoll
	}
	if o.Manual.ShotInterval > 0 {
		out.Manual.ShotInterval = o.Manual.ShotInterval
	}
	if o.Manual.ShotCount > 0 {
		out.Manual.ShotCount = o.Manual.ShotCount
	}
	out.Trace = c.Logging.Debug()
	return out
}

// MediumFor returns the configured medium of a zone, if any
func (z ZoneConfig) MediumFor() (substrate.Medium, bool) {
	if z.Medium == "" {
		return "", false
	}
	return substrate.ParseMedium(z.Medium), true
}

// Zone looks up a zone by id
func (c *Config) Zone(id string) (ZoneConfig, bool) {
	for _, z := range c.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return ZoneConfig{}, false
}
