// Package steering implements the crop steering phase controller: the
// P0-P3 state machine, its evaluation loop and the per-zone supervisor that
// restarts the loop when the operating mode changes.
package steering

import "time"

// Config holds the controller tunables
type Config struct {
	// Interval between evaluations
	Interval time.Duration `yaml:"interval"`
	// P1 completes once StagnationShots shots have fired and the last one
	// raised VWC by less than StagnationDelta points
	StagnationDelta float64 `yaml:"stagnation_delta" validate:"gte=0"`
	StagnationShots int     `yaml:"stagnation_shots" validate:"gte=1"`
	// ECStep is how far an EC request moves away from the preset target
	ECStep float64 `yaml:"ec_step" validate:"gt=0"`
	// ModePoll is how often the supervisor re-reads the selected mode
	ModePoll time.Duration `yaml:"mode_poll"`
	Manual   ManualConfig  `yaml:"manual"`
	// Trace logs every evaluation
	Trace bool `yaml:"-"`
}

// ManualConfig is the operator's shot plan for manual phases
type ManualConfig struct {
	ShotInterval time.Duration `yaml:"shot_interval"`
	ShotCount    int           `yaml:"shot_count" validate:"gte=0"`
}

// DefaultConfig returns the default controller settings
func DefaultConfig() Config {
	return Config{
		Interval:        300 * time.Second,
		StagnationDelta: 0.5,
		StagnationShots: 3,
		ECStep:          0.2,
		ModePoll:        5 * time.Second,
		Manual: ManualConfig{
			ShotInterval: time.Hour,
			ShotCount:    6,
		},
	}
}
