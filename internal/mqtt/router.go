package mqtt

import (
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/agsys/crop-steering/internal/model"
)

// LightsStore records the lights status of a zone
type LightsStore interface {
	SetLightsOn(on bool) error
}

// ModeSetter applies an operating mode to a zone
type ModeSetter interface {
	SetMode(m model.Mode) error
}

// ZoneBinding is what a zone exposes to inbound messages
type ZoneBinding struct {
	Feed   *SensorFeed
	Lights LightsStore
	Mode   ModeSetter
}

// Router dispatches inbound messages to the zone they address
type Router struct {
	topics Topics

	mu    sync.RWMutex
	zones map[string]ZoneBinding
}

// NewRouter creates a router for a topic tree
func NewRouter(topics Topics) *Router {
	return &Router{topics: topics, zones: make(map[string]ZoneBinding)}
}

// Bind attaches a zone
func (r *Router) Bind(zone string, b ZoneBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones[zone] = b
}

// Handle processes one inbound message. Unknown zones and malformed
// payloads are logged and dropped.
func (r *Router) Handle(topic string, payload []byte) {
	zone, kind, sensor := r.topics.parse(topic)
	if kind == inboundUnknown {
		return
	}

	r.mu.RLock()
	b, ok := r.zones[zone]
	r.mu.RUnlock()
	if !ok {
		log.Printf("MQTT: message for unknown zone %s on %s", zone, topic)
		return
	}

	switch kind {
	case inboundSensor:
		sk, err := model.ParseSensorKind(sensor)
		if err != nil {
			log.Printf("MQTT: %v on %s", err, topic)
			return
		}
		if b.Feed == nil {
			return
		}
		if err := b.Feed.HandlePayload(sk, payload); err != nil {
			log.Printf("Zone %s: %v", zone, err)
		}

	case inboundLights:
		on, err := parseLights(payload)
		if err != nil {
			log.Printf("Zone %s: invalid lights status %q", zone, string(payload))
			return
		}
		if b.Lights == nil {
			return
		}
		if err := b.Lights.SetLightsOn(on); err != nil {
			log.Printf("Zone %s: failed to store lights status: %v", zone, err)
		}

	case inboundMode:
		m, err := model.ParseMode(strings.TrimSpace(string(payload)))
		if err != nil {
			log.Printf("Zone %s: %v", zone, err)
			return
		}
		if b.Mode == nil {
			return
		}
		if err := b.Mode.SetMode(m); err != nil {
			log.Printf("Zone %s: failed to set mode %s: %v", zone, m, err)
		}
	}
}

func parseLights(payload []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(string(payload)))
}
