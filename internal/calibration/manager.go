package calibration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
)

// Runner executes one calibration run; *Procedure satisfies it
type Runner interface {
	Run(ctx context.Context, phase model.Phase, bound model.Bound) (model.CalibrationRecord, error)
}

// RunStatus describes the active run
type RunStatus struct {
	RunID     string      `json:"run_id"`
	Phase     model.Phase `json:"phase"`
	Bound     model.Bound `json:"bound"`
	StartedAt time.Time   `json:"started_at"`
}

type run struct {
	status RunStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager allows one calibration run per zone. Starting a run cancels the
// previous one and waits for it to release the actuator.
type Manager struct {
	zone   string
	runner Runner
	pub    events.Publisher

	ctx    context.Context
	stop   context.CancelFunc
	startM sync.Mutex

	mu     sync.Mutex
	active *run
}

// NewManager creates a manager for a zone
func NewManager(zone string, runner Runner, pub events.Publisher) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{zone: zone, runner: runner, pub: pub, ctx: ctx, stop: stop}
}

// Start launches a run in the background and returns its id
func (m *Manager) Start(phase model.Phase, bound model.Bound) (string, error) {
	if !phase.Valid() {
		return "", fmt.Errorf("invalid phase %d", phase)
	}
	if bound != model.BoundMax && bound != model.BoundMin {
		return "", fmt.Errorf("invalid bound %q", bound)
	}

	m.startM.Lock()
	defer m.startM.Unlock()

	if m.ctx.Err() != nil {
		return "", errors.New("calibration manager closed")
	}
	m.Cancel()

	ctx, cancel := context.WithCancel(m.ctx)
	r := &run{
		status: RunStatus{RunID: uuid.New().String(), Phase: phase, Bound: bound, StartedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.active = r
	m.mu.Unlock()

	m.publish(r.status, events.CalibrationStarted, 0, nil)
	log.Printf("Zone %s: calibration %s started (%s %s)", m.zone, r.status.RunID, phase.Short(), bound)

	go m.execute(ctx, r)
	return r.status.RunID, nil
}

func (m *Manager) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	rec, err := m.runner.Run(ctx, r.status.Phase, r.status.Bound)

	m.mu.Lock()
	if m.active == r {
		m.active = nil
	}
	m.mu.Unlock()

	switch {
	case err == nil:
		m.publish(r.status, events.CalibrationCompleted, rec.Value, nil)
	case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		log.Printf("Zone %s: calibration %s cancelled", m.zone, r.status.RunID)
		m.publish(r.status, events.CalibrationCancelled, 0, nil)
	default:
		log.Printf("Zone %s: calibration %s failed: %v", m.zone, r.status.RunID, err)
		m.publish(r.status, events.CalibrationFailed, 0, err)
	}
}

// Cancel stops the active run, if any, and waits for it to finish
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	r := m.active
	m.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// Active returns the status of the running calibration
func (m *Manager) Active() (RunStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return RunStatus{}, false
	}
	return m.active.status, true
}

// Close cancels any run and refuses new ones
func (m *Manager) Close() {
	m.startM.Lock()
	m.stop()
	m.startM.Unlock()
	m.Cancel()
}

func (m *Manager) publish(s RunStatus, status string, value float64, err error) {
	e := events.CalibrationEvent{
		Header: events.NewHeader(m.zone),
		RunID:  s.RunID,
		Phase:  s.Phase,
		Bound:  s.Bound,
		Status: status,
		Value:  value,
	}
	if err != nil {
		e.Error = err.Error()
	}
	m.pub.Publish(e)
}
