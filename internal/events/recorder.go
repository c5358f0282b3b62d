package events

import "sync"

// Recorder keeps the most recent published events in memory. The engine
// serves it as the zone event log; tests use it to observe a component.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events (0 = unlimited)
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Publish stores the event
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the stored events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Of returns the stored events of one kind
func (r *Recorder) Of(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventKind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// Zone returns the stored events of one zone, oldest first
func (r *Recorder) Zone(zone string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.ZoneID() == zone {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all stored events
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
