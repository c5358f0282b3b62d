package mqtt

import (
	"log"

	"github.com/agsys/crop-steering/internal/events"
)

// EventForwarder republishes bus events on the zone's event topics
type EventForwarder struct {
	pub    Publisher
	topics Topics
}

// NewEventForwarder creates a forwarder
func NewEventForwarder(pub Publisher, topics Topics) *EventForwarder {
	return &EventForwarder{pub: pub, topics: topics}
}

// Handle is a bus subscriber
func (f *EventForwarder) Handle(e events.Event) {
	payload, err := events.Marshal(e)
	if err != nil {
		log.Printf("MQTT: %v", err)
		return
	}
	topic := f.topics.Event(e.ZoneID(), string(e.EventKind()))
	if err := f.pub.Publish(topic, payload); err != nil {
		log.Printf("MQTT: %v", err)
	}
}
