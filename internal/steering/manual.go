package steering

import (
	"context"
	"fmt"

	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
)

// handleManual runs the operator's shot plan in the pinned phase. Shots are
// counted per light period; the phase never changes.
func (c *Controller) handleManual(ctx context.Context, st *manualState) error {
	if c.lightsKnown && (!st.lightsKnown || c.lightsOn != st.lightsOn) {
		if st.lightsKnown {
			c.logf("Light period changed, resetting manual shot plan")
		}
		st.shots = 0
		st.emergencyShots = 0
		st.lightsOn, st.lightsKnown = c.lightsOn, true
	}

	p, err := c.preset(st.pinned)
	if err != nil {
		return err
	}
	vwc := c.reading.VWCPercent

	fired := false
	if st.pinned == model.PhaseSaturation || st.pinned == model.PhaseMaintenance {
		now := c.now()
		due := st.lastShot.IsZero() || now.Sub(st.lastShot) >= c.cfg.Manual.ShotInterval
		if due && st.shots < c.cfg.Manual.ShotCount && vwc < p.VWCMax {
			reason := fmt.Sprintf("manual %s shot %d/%d", st.pinned.Short(), st.shots+1, c.cfg.Manual.ShotCount)
			if c.fire(ctx, p.IrrigationDuration, false, reason) {
				st.shots++
				st.lastShot = c.now()
				fired = true
			}
		}
	}

	if !c.manualEmergency(ctx, st, fired) {
		c.manualECCheck(ctx, st)
	}
	return nil
}

// manualEmergency applies the night emergency rule to every pinned phase
func (c *Controller) manualEmergency(ctx context.Context, st *manualState, fired bool) bool {
	night, err := c.preset(model.PhaseNightDryback)
	if err != nil {
		return false
	}
	vwc := c.reading.VWCPercent
	threshold := c.effectiveMax(night) * night.EmergencyThresholdFraction
	if vwc >= threshold || fired {
		return false
	}
	if st.emergencyShots >= night.MaxEmergencyShots {
		c.safety("max_emergency_shots", fmt.Sprintf("VWC %.1f%% below %.1f%% in manual %s", vwc, threshold, st.pinned.Short()))
		return false
	}
	if c.fire(ctx, night.IrrigationDuration, true, fmt.Sprintf("manual %s emergency, VWC %.1f%% below %.1f%%", st.pinned.Short(), vwc, threshold)) {
		st.emergencyShots++
		return true
	}
	return false
}

// manualECCheck requests an EC trim when pore EC leaves the preset bounds
func (c *Controller) manualECCheck(ctx context.Context, st *manualState) {
	if !c.reading.HasEC {
		return
	}
	p, err := c.preset(st.pinned)
	if err != nil {
		return
	}

	pore := c.reading.PoreEC
	var dir events.Direction
	switch {
	case pore < p.ECMin:
		dir = events.Increase
	case pore > p.ECMax:
		dir = events.Decrease
	}
	if dir == "" {
		st.lastDirection = ""
		return
	}
	if dir != st.lastDirection {
		c.requestEC(ctx, p, dir, fmt.Sprintf("pore EC %.2f outside %.2f-%.2f", pore, p.ECMin, p.ECMax))
		st.lastDirection = dir
	}
}
