package mqtt

import (
	"fmt"
	"regexp"
)

// Topics builds and parses the topic tree under a prefix:
//
//	<prefix>/zones/<zone>/devices/<device>/set     command out
//	<prefix>/zones/<zone>/dosers/<device>/target   dose target out
//	<prefix>/zones/<zone>/events/<kind>            events out
//	<prefix>/zones/<zone>/sensors/<kind>           samples in
//	<prefix>/zones/<zone>/lights                   light status in
//	<prefix>/zones/<zone>/mode/set                 mode selector in
type Topics struct {
	prefix  string
	inbound *regexp.Regexp
}

// NewTopics creates the topic tree for a prefix
func NewTopics(prefix string) Topics {
	return Topics{
		prefix:  prefix,
		inbound: regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `/zones/([^/]+)/(sensors/([^/]+)|lights|mode/set)$`),
	}
}

func (t Topics) DeviceSet(zone, device string) string {
	return fmt.Sprintf("%s/zones/%s/devices/%s/set", t.prefix, zone, device)
}

func (t Topics) DoseTarget(zone, device string) string {
	return fmt.Sprintf("%s/zones/%s/dosers/%s/target", t.prefix, zone, device)
}

func (t Topics) Event(zone, kind string) string {
	return fmt.Sprintf("%s/zones/%s/events/%s", t.prefix, zone, kind)
}

// Subscriptions returns the filters the controller listens on
func (t Topics) Subscriptions() []string {
	return []string{
		t.prefix + "/zones/+/sensors/+",
		t.prefix + "/zones/+/lights",
		t.prefix + "/zones/+/mode/set",
	}
}

// inboundKind classifies an inbound topic
type inboundKind int

const (
	inboundUnknown inboundKind = iota
	inboundSensor
	inboundLights
	inboundMode
)

// parse returns the zone, the kind of message and, for sensors, the sensor kind
func (t Topics) parse(topic string) (zone string, kind inboundKind, sensor string) {
	m := t.inbound.FindStringSubmatch(topic)
	if m == nil {
		return "", inboundUnknown, ""
	}
	switch {
	case m[3] != "":
		return m[1], inboundSensor, m[3]
	case m[2] == "lights":
		return m[1], inboundLights, ""
	default:
		return m[1], inboundMode, ""
	}
}
