// Package actuator drives a zone's drippers and valves for bounded shots and
// forwards nutrient strength requests to the dosing hardware.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/preset"
)

// ErrLeased is returned when another owner holds the actuator
var ErrLeased = errors.New("actuator leased")

// DeviceControl is the host's device command interface
type DeviceControl interface {
	SetActuator(ctx context.Context, deviceID string, on bool) error
	SetDoseTarget(ctx context.Context, deviceID string, targetEC float64) error
}

// Shot describes one irrigation request
type Shot struct {
	Duration  time.Duration
	Emergency bool
	Phase     model.Phase
	Reason    string
	VWC       float64
}

// Actuator owns the irrigation devices of one zone. Shots never overlap and
// every device switched on by a shot is switched off again on every exit path.
type Actuator struct {
	zone    string
	devices []string
	dosers  []string
	ctl     DeviceControl
	pub     events.Publisher

	shotMu sync.Mutex

	mu       sync.Mutex
	on       map[string]bool
	lease    *Lease
	lastShot time.Time
}

// New creates an actuator for a zone's irrigation and dosing devices
func New(zone string, devices, dosers []string, ctl DeviceControl, pub events.Publisher) *Actuator {
	if pub == nil {
		pub = events.Discard
	}
	return &Actuator{
		zone:    zone,
		devices: append([]string(nil), devices...),
		dosers:  append([]string(nil), dosers...),
		ctl:     ctl,
		pub:     pub,
		on:      make(map[string]bool),
	}
}

// Devices returns the configured irrigation devices
func (a *Actuator) Devices() []string {
	return append([]string(nil), a.devices...)
}

// Irrigate runs one shot of duration d
func (a *Actuator) Irrigate(ctx context.Context, d time.Duration, emergency bool) bool {
	return a.Fire(ctx, Shot{Duration: d, Emergency: emergency})
}

// Fire runs a shot. It declines while the actuator is leased.
func (a *Actuator) Fire(ctx context.Context, s Shot) bool {
	a.mu.Lock()
	lease := a.lease
	a.mu.Unlock()
	if lease != nil {
		events.Logf(a.pub, a.zone, "Irrigation declined, actuator held by %s", lease.owner)
		return false
	}
	return a.fire(ctx, s, nil)
}

// fire runs a shot on behalf of holder, nil for scheduled shots. The lease
// is checked again once the shot lock is held, so a lease taken while the
// shot was waiting still wins.
func (a *Actuator) fire(ctx context.Context, s Shot, holder *Lease) (ok bool) {
	if s.Duration <= 0 || s.Duration > preset.MaxShotDuration {
		events.Logf(a.pub, a.zone, "Rejected %v shot, allowed range is (0, %v]", s.Duration, preset.MaxShotDuration)
		a.pub.Publish(events.SafetyEvent{
			Header: events.NewHeader(a.zone),
			Phase:  s.Phase,
			Bound:  "max_shot_duration",
			Detail: fmt.Sprintf("requested %v", s.Duration),
		})
		return false
	}
	if err := ctx.Err(); err != nil {
		return false
	}

	a.shotMu.Lock()
	defer a.shotMu.Unlock()

	a.mu.Lock()
	lease := a.lease
	a.mu.Unlock()
	if lease != holder {
		if lease != nil {
			events.Logf(a.pub, a.zone, "Irrigation declined, actuator held by %s", lease.owner)
		}
		return false
	}

	start := time.Now()
	failed := false
	completed := false
	var activated []string

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Zone %s: panic during irrigation: %v", a.zone, r)
			failed = true
		}
		if err := a.release(ctx, activated); err != nil {
			log.Printf("Zone %s: failed to release devices: %v", a.zone, err)
			failed = true
		}
		if failed {
			a.EmergencyStop(ctx)
		}
		ok = completed && !failed
		a.record(s, ok, time.Since(start))
	}()

	for _, id := range a.devices {
		if err := a.ctl.SetActuator(ctx, id, true); err != nil {
			log.Printf("Zone %s: failed to switch on %s: %v", a.zone, id, err)
			failed = true
			return
		}
		activated = append(activated, id)
		a.mark(id, true)
	}

	timer := time.NewTimer(s.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		completed = true
	case <-ctx.Done():
		events.Logf(a.pub, a.zone, "Irrigation cancelled after %v", time.Since(start).Round(time.Millisecond))
	}
	return
}

// release switches off the devices a shot switched on. It runs even after
// ctx is cancelled.
func (a *Actuator) release(ctx context.Context, activated []string) error {
	off := context.WithoutCancel(ctx)
	var errs []error
	for _, id := range activated {
		if err := a.ctl.SetActuator(off, id, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		a.mark(id, false)
	}
	return errors.Join(errs...)
}

func (a *Actuator) mark(id string, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		a.on[id] = true
	} else {
		delete(a.on, id)
	}
}

func (a *Actuator) record(s Shot, success bool, elapsed time.Duration) {
	reason := s.Reason
	if reason == "" {
		reason = "manual"
	}
	a.mu.Lock()
	a.lastShot = time.Now()
	a.mu.Unlock()

	if success {
		log.Printf("Zone %s: irrigated %v (%s)", a.zone, s.Duration, reason)
	}
	a.pub.Publish(events.IrrigationEvent{
		Header:    events.NewHeader(a.zone),
		Phase:     s.Phase,
		Duration:  elapsed.Round(time.Millisecond),
		Emergency: s.Emergency,
		Success:   success,
		Reason:    reason,
		VWC:       s.VWC,
	})
}

// EmergencyStop commands every configured device off, whether or not it is
// believed to be on.
func (a *Actuator) EmergencyStop(ctx context.Context) error {
	off := context.WithoutCancel(ctx)
	var errs []error
	for _, id := range a.devices {
		if err := a.ctl.SetActuator(off, id, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}

	a.mu.Lock()
	a.on = make(map[string]bool)
	a.mu.Unlock()

	events.Logf(a.pub, a.zone, "Emergency stop: %d devices commanded off", len(a.devices))
	a.pub.Publish(events.SafetyEvent{
		Header: events.NewHeader(a.zone),
		Bound:  "emergency_stop",
		Detail: fmt.Sprintf("%d devices", len(a.devices)),
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("emergency stop incomplete: %w", err)
	}
	return nil
}

// ShutOff switches off any device still marked on
func (a *Actuator) ShutOff(ctx context.Context) error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.on))
	for id := range a.on {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	log.Printf("Zone %s: shutting off %d devices", a.zone, len(ids))
	return a.release(ctx, ids)
}

// ActiveDevices returns the devices currently believed to be on
func (a *Actuator) ActiveDevices() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.on))
	for id := range a.on {
		ids = append(ids, id)
	}
	return ids
}

// LastShot returns when the last shot ended (zero if none)
func (a *Actuator) LastShot() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastShot
}

// AdjustECTowardTarget asks every dosing device to move toward targetEC.
// Dosing is best effort: failures are logged and the call succeeds locally.
func (a *Actuator) AdjustECTowardTarget(ctx context.Context, targetEC float64, dir events.Direction) bool {
	if len(a.dosers) == 0 {
		log.Printf("Zone %s: EC %s to %.2f requested, no dosing devices configured", a.zone, dir, targetEC)
		return true
	}
	for _, id := range a.dosers {
		if err := a.ctl.SetDoseTarget(ctx, id, targetEC); err != nil {
			log.Printf("Zone %s: failed to set dose target on %s: %v", a.zone, id, err)
			continue
		}
	}
	events.Logf(a.pub, a.zone, "EC %s requested, target %.2f mS/cm", dir, targetEC)
	return true
}

// Lease grants exclusive use of the actuator to one owner, such as a
// calibration run. Scheduled shots are declined until it is released.
type Lease struct {
	a     *Actuator
	owner string
	once  sync.Once
}

// Lease acquires the actuator for owner
func (a *Actuator) Lease(owner string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lease != nil {
		return nil, fmt.Errorf("%w by %s", ErrLeased, a.lease.owner)
	}
	l := &Lease{a: a, owner: owner}
	a.lease = l
	log.Printf("Zone %s: actuator leased to %s", a.zone, owner)
	return l, nil
}

// Owner returns the lease holder
func (l *Lease) Owner() string {
	return l.owner
}

// Irrigate runs a shot on behalf of the lease holder
func (l *Lease) Irrigate(ctx context.Context, d time.Duration, reason string) bool {
	l.a.mu.Lock()
	held := l.a.lease == l
	l.a.mu.Unlock()
	if !held {
		return false
	}
	return l.a.fire(ctx, Shot{Duration: d, Reason: reason}, l)
}

// Release switches off anything left on and frees the actuator. It is safe
// to call more than once.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		if err := l.a.ShutOff(ctx); err != nil {
			log.Printf("Zone %s: shutoff on lease release failed: %v", l.a.zone, err)
		}
		l.a.mu.Lock()
		if l.a.lease == l {
			l.a.lease = nil
		}
		l.a.mu.Unlock()
		log.Printf("Zone %s: actuator released by %s", l.a.zone, l.owner)
	})
}
