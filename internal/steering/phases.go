package steering

import (
	"context"
	"fmt"
	"log"

	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
)

// nightFell reports whether the lights are known to be off
func (c *Controller) nightFell() bool {
	return c.lightsKnown && !c.lightsOn
}

func (c *Controller) handleMonitoring(ctx context.Context) error {
	if c.nightFell() {
		c.transition(model.PhaseNightDryback, "lights off")
		return nil
	}

	p, err := c.preset(model.PhaseMonitoring)
	if err != nil {
		return err
	}
	if vwc := c.reading.VWCPercent; vwc < p.VWCMin {
		c.transition(model.PhaseSaturation, fmt.Sprintf("VWC %.1f%% below minimum %.1f%%", vwc, p.VWCMin))
	}
	return nil
}

func (c *Controller) handleSaturation(ctx context.Context, st *saturationState) error {
	if c.nightFell() {
		c.transition(model.PhaseNightDryback, fmt.Sprintf("lights off after %d saturation shots", st.shotCount))
		return nil
	}

	p, err := c.preset(model.PhaseSaturation)
	if err != nil {
		return err
	}
	vwc := c.reading.VWCPercent

	if vwc >= p.VWCMax {
		c.completeSaturation(st, fmt.Sprintf("VWC %.1f%% reached maximum %.1f%%", vwc, p.VWCMax), false)
		return nil
	}

	now := c.now()
	if !st.lastShot.IsZero() && now.Sub(st.lastShot) < p.WaitBetweenShots {
		return nil
	}

	if st.shotCount >= c.cfg.StagnationShots {
		if gain := vwc - st.vwcAtLastShot; gain < c.cfg.StagnationDelta {
			c.completeSaturation(st, fmt.Sprintf("VWC stagnated at %.1f%% (+%.2f after shot %d)", vwc, gain, st.shotCount), true)
			return nil
		}
	}
	if st.shotCount >= p.MaxShots {
		c.safety("max_shots", fmt.Sprintf("%d saturation shots fired", st.shotCount))
		c.completeSaturation(st, fmt.Sprintf("max shots %d reached at VWC %.1f%%", p.MaxShots, vwc), true)
		return nil
	}

	reason := fmt.Sprintf("P1 saturation shot %d/%d", st.shotCount+1, p.MaxShots)
	if c.fire(ctx, p.IrrigationDuration, false, reason) {
		st.shotCount++
		st.lastShot = c.now()
		st.vwcAtLastShot = vwc
	}
	return nil
}

// completeSaturation is the single exit from P1. Stagnation and forced
// completion take the current VWC as the calibrated P1 maximum.
func (c *Controller) completeSaturation(st *saturationState, reason string, calibrate bool) {
	if calibrate {
		c.recordSaturationMax(st)
	}
	c.transition(model.PhaseMaintenance, reason)
}

func (c *Controller) recordSaturationMax(st *saturationState) {
	vwc := c.reading.VWCPercent
	rec := model.CalibrationRecord{
		Zone:        c.Zone,
		Medium:      string(c.medium),
		Phase:       model.PhaseSaturation,
		Bound:       model.BoundMax,
		Value:       vwc,
		Readings:    []float64{vwc},
		CollectedAt: c.now(),
	}
	if err := c.Store.SaveCalibrationRecord(rec); err != nil {
		log.Printf("Zone %s: failed to save P1 max calibration: %v", c.Zone, err)
		return
	}
	c.logf("P1 max calibrated to %.1f%% after %d shots (entered at %.1f%%)", vwc, st.shotCount, st.vwcAtEntry)
}

func (c *Controller) handleMaintenance(ctx context.Context, st *maintenanceState) error {
	if c.nightFell() {
		c.transition(model.PhaseNightDryback, fmt.Sprintf("lights off, night start VWC %.1f%%", c.reading.VWCPercent))
		return nil
	}

	p, err := c.preset(model.PhaseMaintenance)
	if err != nil {
		return err
	}
	vwc := c.reading.VWCPercent
	threshold := c.effectiveMax(p) * p.HoldFraction
	if vwc >= threshold {
		return nil
	}

	now := c.now()
	if !st.lastShot.IsZero() && now.Sub(st.lastShot) < p.MaintenanceInterval {
		return nil
	}

	reason := fmt.Sprintf("P2 maintenance, VWC %.1f%% below %.1f%%", vwc, threshold)
	if c.fire(ctx, p.IrrigationDuration, false, reason) {
		st.lastShot = c.now()
	}
	return nil
}

func (c *Controller) handleNight(ctx context.Context, st *nightState) error {
	vwc := c.reading.VWCPercent

	if c.lightsKnown && c.lightsOn {
		c.completeNight(st)
		return nil
	}

	p, err := c.preset(model.PhaseNightDryback)
	if err != nil {
		return err
	}

	if st.vwcAtNightStart <= 0 {
		st.vwcAtNightStart = vwc
		c.logf("Night baseline set to %.1f%% from the first known reading", vwc)
		c.persistNight(st)
	}

	dryback := drybackPercent(st.vwcAtNightStart, vwc)
	var dir events.Direction
	switch {
	case dryback < p.MinDrybackPercent:
		dir = events.Increase
	case dryback > p.MaxDrybackPercent:
		dir = events.Decrease
	}
	if dir == "" {
		st.lastDirection = ""
	} else if dir != st.lastDirection {
		c.requestEC(ctx, p, dir, fmt.Sprintf("dryback %.1f%% outside %.1f-%.1f%%", dryback, p.MinDrybackPercent, p.MaxDrybackPercent))
		st.lastDirection = dir
		c.persistNight(st)
	}

	threshold := c.effectiveMax(p) * p.EmergencyThresholdFraction
	if vwc >= threshold {
		return nil
	}
	if st.emergencyShots >= p.MaxEmergencyShots {
		c.safety("max_emergency_shots", fmt.Sprintf("VWC %.1f%% below %.1f%%, %d emergency shots already fired tonight",
			vwc, threshold, st.emergencyShots))
		return nil
	}

	reason := fmt.Sprintf("P3 emergency, VWC %.1f%% below %.1f%%", vwc, threshold)
	if c.fire(ctx, p.IrrigationDuration, true, reason) {
		st.emergencyShots++
		c.persistNight(st)
	}
	return nil
}

// completeNight reports the dryback and returns to monitoring. Without a
// known start and end VWC there is no dryback to report.
func (c *Controller) completeNight(st *nightState) {
	if st.vwcAtNightStart <= 0 || !c.reading.Known {
		c.logf("Night ended without a known VWC, no dryback recorded")
		c.transition(model.PhaseMonitoring, "lights on")
		return
	}

	vwc := c.reading.VWCPercent
	now := c.now()
	dryback := drybackPercent(st.vwcAtNightStart, vwc)

	c.Publisher.Publish(events.DrybackCompleteEvent{
		Header:         events.NewHeader(c.Zone),
		StartVWC:       st.vwcAtNightStart,
		EndVWC:         vwc,
		DrybackPercent: dryback,
		StartedAt:      st.startedAt,
		EndedAt:        now,
		Duration:       now.Sub(st.startedAt),
	})
	c.transition(model.PhaseMonitoring, fmt.Sprintf("lights on, dryback %.1f%% (%.1f%% -> %.1f%%)", dryback, st.vwcAtNightStart, vwc))
}
