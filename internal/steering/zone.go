package steering

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/crop-steering/internal/model"
)

// Zone supervises the controller task of one zone. The task is cancelled
// and restarted whenever the selected mode changes, and not run at all while
// the zone is disabled.
type Zone struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	runCtx  context.Context
	mode    model.Mode
	ctrl    *Controller
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewZone creates a supervisor for a zone
func NewZone(deps Deps, cfg Config) *Zone {
	return &Zone{deps: deps, cfg: cfg}
}

// ID returns the zone id
func (z *Zone) ID() string {
	return z.deps.Zone
}

// Run polls the selected mode until ctx is cancelled. It returns after the
// controller task has stopped and switched its devices off.
func (z *Zone) Run(ctx context.Context) error {
	z.mu.Lock()
	z.runCtx = ctx
	z.mu.Unlock()
	defer z.stop()

	z.reconcile()

	poll := z.cfg.ModePoll
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			z.reconcile()
		}
	}
}

// reconcile restarts the task if the stored mode differs from the running one
func (z *Zone) reconcile() {
	mode, err := z.deps.Store.ActiveMode()
	if err != nil {
		log.Printf("Zone %s: failed to read mode: %v", z.ID(), err)
		return
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if z.started && mode == z.mode {
		return
	}
	z.restartLocked(mode)
}

// SetMode persists the mode and applies it immediately. Selecting the mode
// already running leaves the task and its phase state alone.
func (z *Zone) SetMode(m model.Mode) error {
	if _, err := model.ParseMode(string(m)); err != nil {
		return err
	}
	if err := z.deps.Store.SetActiveMode(m); err != nil {
		return fmt.Errorf("failed to store mode: %w", err)
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if z.runCtx == nil || (z.started && m == z.mode) {
		return nil
	}
	z.restartLocked(m)
	return nil
}

// restartLocked stops the current task and starts one for mode. z.mu is held.
func (z *Zone) restartLocked(mode model.Mode) {
	if z.started {
		log.Printf("Zone %s: mode %s -> %s", z.ID(), z.mode, mode)
	}
	z.stopLocked()
	z.mode = mode
	z.started = true

	if mode == model.ModeDisabled || z.runCtx.Err() != nil {
		z.ctrl = nil
		log.Printf("Zone %s: disabled", z.ID())
		return
	}

	ctx, cancel := context.WithCancel(z.runCtx)
	ctrl := New(z.deps, z.cfg, mode)
	done := make(chan struct{})
	z.ctrl, z.cancel, z.done = ctrl, cancel, done

	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()
}

func (z *Zone) stop() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.stopLocked()
}

// stopLocked cancels the task and waits for its shutoff. z.mu is held.
func (z *Zone) stopLocked() {
	if z.cancel == nil {
		return
	}
	z.cancel()
	<-z.done
	z.cancel, z.done = nil, nil
}

// Mode returns the mode currently applied
func (z *Zone) Mode() model.Mode {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.mode
}

// Status returns the controller snapshot, or a stopped status when disabled
func (z *Zone) Status() Status {
	z.mu.Lock()
	ctrl, mode := z.ctrl, z.mode
	z.mu.Unlock()

	if ctrl == nil {
		return Status{Zone: z.ID(), Mode: mode, Phase: "stopped", UpdatedAt: time.Now()}
	}
	return ctrl.Status()
}
