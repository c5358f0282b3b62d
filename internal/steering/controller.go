package steering

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/agsys/crop-steering/internal/actuator"
	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/preset"
	"github.com/agsys/crop-steering/internal/substrate"
)

// Sensor produces calibrated readings; substrate.Reader satisfies it
type Sensor interface {
	Read(ctx context.Context, m substrate.Medium) (substrate.CalibratedReading, error)
}

// Deps are the collaborators of a zone's controller
type Deps struct {
	Zone      string
	Store     model.ConfigStore
	Sensor    Sensor
	Presets   *preset.Provider
	Actuator  *actuator.Actuator
	Publisher events.Publisher
}

// Status is a point-in-time snapshot of a controller
type Status struct {
	Zone           string     `json:"zone"`
	Mode           model.Mode `json:"mode"`
	Running        bool       `json:"running"`
	Phase          string     `json:"phase"`
	Medium         string     `json:"medium"`
	VWC            float64    `json:"vwc"`
	BulkEC         float64    `json:"bulk_ec"`
	PoreEC         float64    `json:"pore_ec"`
	TemperatureC   float64    `json:"temperature_c"`
	SensorKnown    bool       `json:"sensor_known"`
	SensorValid    bool       `json:"sensor_valid"`
	LightsOn       *bool      `json:"lights_on,omitempty"`
	ShotCount      int        `json:"shot_count"`
	EmergencyShots int        `json:"emergency_shots"`
	NightStartVWC  float64    `json:"night_start_vwc,omitempty"`
	DrybackPercent float64    `json:"dryback_percent,omitempty"`
	LastShot       time.Time  `json:"last_shot,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Controller runs the phase state machine of one zone
type Controller struct {
	Deps
	cfg  Config
	mode model.Mode
	now  func() time.Time

	// Owned by the evaluation loop
	phase       model.Phase
	state       phaseState
	medium      substrate.Medium
	reading     substrate.CalibratedReading
	lightsOn    bool
	lightsKnown bool

	mu     sync.RWMutex
	status Status
}

// New creates a controller for a zone running in mode
func New(deps Deps, cfg Config, mode model.Mode) *Controller {
	if deps.Publisher == nil {
		deps.Publisher = events.Discard
	}
	c := &Controller{
		Deps:  deps,
		cfg:   cfg,
		mode:  mode,
		now:   time.Now,
		phase: model.PhaseMonitoring,
		state: monitoringState{},
	}
	c.snapshot(false)
	return c
}

// Phase returns the current phase. Only meaningful from the loop or after it stopped.
func (c *Controller) Phase() model.Phase {
	return c.phase
}

// Status returns the latest snapshot
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Controller) logf(format string, args ...interface{}) {
	events.Logf(c.Publisher, c.Zone, format, args...)
}

// Run initializes the controller and evaluates on every interval until ctx
// is cancelled. Devices left on are switched off before it returns.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		if err := c.Actuator.ShutOff(context.WithoutCancel(ctx)); err != nil {
			log.Printf("Zone %s: shutoff on stop failed: %v", c.Zone, err)
		}
		c.snapshot(false)
	}()

	if err := c.Initialize(ctx); err != nil {
		log.Printf("Zone %s: initialization: %v", c.Zone, err)
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.Evaluate(ctx); err != nil {
			log.Printf("Zone %s: evaluation: %v", c.Zone, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Initialize infers the starting phase from the current reading and light
// status. Manual modes start in their pinned phase.
func (c *Controller) Initialize(ctx context.Context) error {
	err := c.refresh(ctx)

	if pinned, ok := c.mode.PinnedPhase(); ok {
		c.phase = pinned
		c.state = &manualState{pinned: pinned, lightsOn: c.lightsOn, lightsKnown: c.lightsKnown}
		c.persistPhase()
		c.logf("Manual mode %s, pinned to %s", c.mode, pinned)
		c.snapshot(true)
		return err
	}

	phase, reason := c.inferPhase()
	c.phase = phase
	c.state = newPhaseState(phase, c.knownVWC(), c.now())
	if phase == model.PhaseNightDryback {
		if st, ok := c.resumeNight(); ok {
			c.state = st
			reason = fmt.Sprintf("lights off, resuming night from %s at %.1f%% with %d emergency shots",
				st.startedAt.Format(time.RFC3339), st.vwcAtNightStart, st.emergencyShots)
		} else {
			c.persistNight(c.state.(*nightState))
		}
	}
	c.persistPhase()
	c.logf("Starting in %s: %s", phase, reason)
	c.snapshot(true)
	return err
}

func (c *Controller) inferPhase() (model.Phase, string) {
	if !c.lightsKnown {
		return model.PhaseMonitoring, "light status unknown"
	}
	if !c.lightsOn {
		if !c.reading.Known {
			return model.PhaseNightDryback, "lights off, night baseline waits for a VWC reading"
		}
		return model.PhaseNightDryback, fmt.Sprintf("lights off, night start VWC %.1f%%", c.reading.VWCPercent)
	}
	if !c.reading.Known {
		return model.PhaseMonitoring, "VWC unknown"
	}
	vwc := c.reading.VWCPercent

	if p2, err := c.preset(model.PhaseMaintenance); err == nil {
		ceiling := c.effectiveMax(p2) * p2.HoldFraction
		if vwc >= ceiling {
			return model.PhaseMaintenance, fmt.Sprintf("VWC %.1f%% near maintenance ceiling %.1f%%", vwc, ceiling)
		}
	}
	if p0, err := c.preset(model.PhaseMonitoring); err == nil && vwc < p0.VWCMin {
		return model.PhaseSaturation, fmt.Sprintf("VWC %.1f%% below floor %.1f%%", vwc, p0.VWCMin)
	}
	return model.PhaseMonitoring, "lights on"
}

// resumeNight restores the night dryback persisted by an earlier task when
// the zone was already in P3, so a restart keeps the baseline and the
// emergency shots fired tonight.
func (c *Controller) resumeNight() (*nightState, bool) {
	phase, ok, err := c.Store.CropPhase()
	if err != nil {
		log.Printf("Zone %s: failed to read persisted phase: %v", c.Zone, err)
		return nil, false
	}
	if !ok || phase != model.PhaseNightDryback {
		return nil, false
	}
	ns, ok, err := c.Store.NightState()
	if err != nil {
		log.Printf("Zone %s: failed to read night state: %v", c.Zone, err)
		return nil, false
	}
	if !ok || c.now().Sub(ns.StartedAt) > maxNightLength {
		return nil, false
	}
	return &nightState{
		vwcAtNightStart: ns.StartVWC,
		startedAt:       ns.StartedAt,
		emergencyShots:  ns.EmergencyShots,
		lastDirection:   events.Direction(ns.LastECRequest),
	}, true
}

// maxNightLength bounds how old a persisted night may be and still resume
const maxNightLength = 24 * time.Hour

func (c *Controller) persistNight(st *nightState) {
	ns := model.NightState{
		StartVWC:       st.vwcAtNightStart,
		StartedAt:      st.startedAt,
		EmergencyShots: st.emergencyShots,
		LastECRequest:  string(st.lastDirection),
	}
	if err := c.Store.SetNightState(ns); err != nil {
		log.Printf("Zone %s: failed to persist night state: %v", c.Zone, err)
	}
}

// knownVWC is the current VWC, or 0 when no reading is known
func (c *Controller) knownVWC() float64 {
	if !c.reading.Known {
		return 0
	}
	return c.reading.VWCPercent
}

// refresh re-reads the substrate and light status
func (c *Controller) refresh(ctx context.Context) error {
	c.medium = substrate.Rockwool
	if name, err := c.Store.MediumType(); err != nil {
		log.Printf("Zone %s: failed to read medium: %v", c.Zone, err)
	} else if name != "" {
		c.medium = substrate.ParseMedium(name)
	}

	if on, known, err := c.Store.LightsOn(); err != nil {
		log.Printf("Zone %s: failed to read light status: %v", c.Zone, err)
	} else {
		c.lightsOn, c.lightsKnown = on, known
	}

	r, err := c.Sensor.Read(ctx, c.medium)
	if err != nil {
		c.reading = substrate.CalibratedReading{Medium: c.medium, Timestamp: c.now()}
		return fmt.Errorf("failed to read sensors: %w", err)
	}
	c.reading = r
	if r.Known {
		c.Publisher.Publish(events.SensorUpdateEvent{
			Header:       events.NewHeader(c.Zone),
			VWC:          r.VWCPercent,
			BulkEC:       r.BulkEC,
			PoreEC:       r.PoreEC,
			TemperatureC: r.TemperatureC,
			Valid:        r.IsValid,
		})
		for _, issue := range r.Issues {
			log.Printf("Zone %s: sensor issue: %s", c.Zone, issue)
		}
	}
	return nil
}

// Evaluate runs one tick: read, then dispatch to the phase handler. A
// handler error or panic stops every device; the loop carries on.
func (c *Controller) Evaluate(ctx context.Context) (err error) {
	defer c.snapshot(true)

	readErr := c.refresh(ctx)
	if c.cfg.Trace {
		log.Printf("Zone %s: tick %s VWC %.1f%% (known %v) pore EC %.2f lights %v (known %v)",
			c.Zone, c.phase, c.reading.VWCPercent, c.reading.Known, c.reading.PoreEC, c.lightsOn, c.lightsKnown)
	}
	if !c.reading.Known {
		c.followLights()
		if readErr != nil {
			return readErr
		}
		log.Printf("Zone %s: no VWC reading, skipping irrigation in %s", c.Zone, c.phase)
		return nil
	}

	err = c.dispatch(ctx)
	if errors.Is(err, errSkip) {
		log.Printf("Zone %s: %v", c.Zone, err)
		return nil
	}
	if err != nil {
		c.logf("Handler for %s failed: %v", c.phase, err)
		if stopErr := c.Actuator.EmergencyStop(ctx); stopErr != nil {
			log.Printf("Zone %s: %v", c.Zone, stopErr)
		}
		return err
	}
	return nil
}

func (c *Controller) dispatch(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Zone %s: panic in %s handler: %v\n%s", c.Zone, c.phase, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if st, ok := c.state.(*manualState); ok {
		return c.handleManual(ctx, st)
	}
	switch st := c.state.(type) {
	case monitoringState:
		return c.handleMonitoring(ctx)
	case *saturationState:
		return c.handleSaturation(ctx, st)
	case *maintenanceState:
		return c.handleMaintenance(ctx, st)
	case *nightState:
		return c.handleNight(ctx, st)
	}
	return fmt.Errorf("no handler for %s", c.phase)
}

// followLights applies the transitions that depend on light status alone.
// It runs on ticks without a VWC reading; otherwise the handlers apply the
// same rules. Manual modes never transition.
func (c *Controller) followLights() {
	switch st := c.state.(type) {
	case monitoringState, *saturationState, *maintenanceState:
		if c.nightFell() {
			c.transition(model.PhaseNightDryback, "lights off, night baseline waits for a VWC reading")
		}
	case *nightState:
		if c.lightsKnown && c.lightsOn {
			c.completeNight(st)
		}
	}
}

// errSkip marks a tick that could not be evaluated but needs no stop
var errSkip = errors.New("tick skipped")

// preset composes the preset of a phase for the current medium and stage.
// A preset that cannot be composed skips the tick.
func (c *Controller) preset(p model.Phase) (preset.Preset, error) {
	stage, err := c.Store.GrowthStage()
	if err != nil {
		log.Printf("Zone %s: failed to read growth stage, assuming vegetative: %v", c.Zone, err)
	}
	ps, err := c.Presets.Preset(p, c.medium, stage, c.Store)
	if err != nil {
		return ps, fmt.Errorf("%w: %v", errSkip, err)
	}
	return ps, nil
}

// effectiveMax is the P1 calibrated max when one exists, else the preset max
func (c *Controller) effectiveMax(p preset.Preset) float64 {
	rec, err := c.Store.CalibrationRecord(string(c.medium), model.PhaseSaturation, model.BoundMax)
	if err != nil {
		log.Printf("Zone %s: failed to read P1 calibration: %v", c.Zone, err)
	}
	if rec != nil && rec.Value > 0 {
		return rec.Value
	}
	return p.VWCMax
}

// transition switches phase, discarding the old runtime state
func (c *Controller) transition(to model.Phase, reason string) {
	from := c.phase
	vwc := c.knownVWC()
	c.phase = to
	c.state = newPhaseState(to, vwc, c.now())
	if st, ok := c.state.(*nightState); ok {
		c.persistNight(st)
	}
	c.persistPhase()

	c.logf("Phase %s -> %s: %s", from.Short(), to.Short(), reason)
	c.Publisher.Publish(events.PhaseChangeEvent{
		Header: events.NewHeader(c.Zone),
		From:   from,
		To:     to,
		Reason: reason,
		VWC:    vwc,
	})
}

func (c *Controller) persistPhase() {
	if err := c.Store.SetCropPhase(c.phase); err != nil {
		log.Printf("Zone %s: failed to persist phase: %v", c.Zone, err)
	}
}

// fire runs a shot and reports whether it completed
func (c *Controller) fire(ctx context.Context, d time.Duration, emergency bool, reason string) bool {
	return c.Actuator.Fire(ctx, actuator.Shot{
		Duration:  d,
		Emergency: emergency,
		Phase:     c.phase,
		Reason:    reason,
		VWC:       c.reading.VWCPercent,
	})
}

// requestEC asks the dosers to move pore EC and reports the request
func (c *Controller) requestEC(ctx context.Context, p preset.Preset, dir events.Direction, reason string) {
	target := p.ECTarget + c.cfg.ECStep
	if dir == events.Decrease {
		target = p.ECTarget - c.cfg.ECStep
	}
	target = substrate.Range{Min: p.ECMin, Max: p.ECMax}.Clamp(target)

	c.Actuator.AdjustECTowardTarget(ctx, target, dir)
	c.Publisher.Publish(events.ECAdjustEvent{
		Header:    events.NewHeader(c.Zone),
		Phase:     c.phase,
		TargetEC:  target,
		Direction: dir,
		PoreEC:    c.reading.PoreEC,
		Reason:    reason,
	})
}

func (c *Controller) safety(bound, detail string) {
	c.logf("Safety bound %s: %s", bound, detail)
	c.Publisher.Publish(events.SafetyEvent{
		Header: events.NewHeader(c.Zone),
		Phase:  c.phase,
		Bound:  bound,
		Detail: detail,
	})
}

func (c *Controller) snapshot(running bool) {
	s := Status{
		Zone:         c.Zone,
		Mode:         c.mode,
		Running:      running,
		Phase:        c.phase.String(),
		Medium:       string(c.medium),
		VWC:          c.reading.VWCPercent,
		BulkEC:       c.reading.BulkEC,
		PoreEC:       c.reading.PoreEC,
		TemperatureC: c.reading.TemperatureC,
		SensorKnown:  c.reading.Known,
		SensorValid:  c.reading.IsValid,
		UpdatedAt:    c.now(),
	}
	if c.lightsKnown {
		on := c.lightsOn
		s.LightsOn = &on
	}
	if c.Actuator != nil {
		s.LastShot = c.Actuator.LastShot()
	}

	switch st := c.state.(type) {
	case *saturationState:
		s.ShotCount = st.shotCount
	case *nightState:
		s.EmergencyShots = st.emergencyShots
		s.NightStartVWC = st.vwcAtNightStart
		s.DrybackPercent = drybackPercent(st.vwcAtNightStart, c.reading.VWCPercent)
	case *manualState:
		s.ShotCount = st.shots
		s.EmergencyShots = st.emergencyShots
	}

	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func drybackPercent(start, current float64) float64 {
	if start <= 0 {
		return 0
	}
	return (start - current) / start * 100
}
