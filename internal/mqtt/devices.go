package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

type deviceCommand struct {
	On bool `json:"on"`
}

type doseCommand struct {
	TargetEC float64 `json:"target_ec"`
}

// Devices publishes actuator and doser commands for one zone
type Devices struct {
	pub    Publisher
	topics Topics
	zone   string
}

// NewDevices creates the device control for a zone
func NewDevices(pub Publisher, topics Topics, zone string) *Devices {
	return &Devices{pub: pub, topics: topics, zone: zone}
}

// SetActuator switches a pump or valve
func (d *Devices) SetActuator(ctx context.Context, id string, on bool) error {
	// Off commands go out even after cancellation so a shot can always be closed
	if on && ctx.Err() != nil {
		return ctx.Err()
	}
	payload, err := json.Marshal(deviceCommand{On: on})
	if err != nil {
		return err
	}
	if err := d.pub.Publish(d.topics.DeviceSet(d.zone, id), payload); err != nil {
		return fmt.Errorf("failed to switch %s: %w", id, err)
	}
	return nil
}

// SetDoseTarget hands a target EC to a dosing device
func (d *Devices) SetDoseTarget(ctx context.Context, id string, ec float64) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	payload, err := json.Marshal(doseCommand{TargetEC: ec})
	if err != nil {
		return err
	}
	if err := d.pub.Publish(d.topics.DoseTarget(d.zone, id), payload); err != nil {
		return fmt.Errorf("failed to set dose target on %s: %w", id, err)
	}
	return nil
}
