package engine

import (
	"log"

	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/storage"
)

// record persists the events analytics and the cloud uplink need
func (e *Engine) record(ev events.Event) {
	var err error
	switch ev := ev.(type) {
	case events.IrrigationEvent:
		_, err = e.db.InsertIrrigationEvent(&storage.IrrigationEvent{
			ZoneID:    ev.Zone,
			Phase:     ev.Phase,
			Duration:  ev.Duration,
			Emergency: ev.Emergency,
			Success:   ev.Success,
			Reason:    ev.Reason,
			VWCBefore: ev.VWC,
			Timestamp: ev.Time,
		})
	case events.PhaseChangeEvent:
		_, err = e.db.InsertPhaseTransition(&storage.PhaseTransition{
			ZoneID:    ev.Zone,
			From:      ev.From,
			To:        ev.To,
			Reason:    ev.Reason,
			VWC:       ev.VWC,
			Timestamp: ev.Time,
		})
	case events.DrybackCompleteEvent:
		_, err = e.db.InsertDrybackRecord(&storage.DrybackRecord{
			ZoneID:         ev.Zone,
			StartVWC:       ev.StartVWC,
			EndVWC:         ev.EndVWC,
			DrybackPercent: ev.DrybackPercent,
			StartedAt:      ev.StartedAt,
			EndedAt:        ev.EndedAt,
		})
	case events.SensorUpdateEvent:
		_, err = e.db.InsertSensorReading(&storage.SensorReading{
			ZoneID:       ev.Zone,
			VWC:          ev.VWC,
			BulkEC:       ev.BulkEC,
			PoreEC:       ev.PoreEC,
			TemperatureC: ev.TemperatureC,
			Valid:        ev.Valid,
			Timestamp:    ev.Time,
		})
	default:
		return
	}
	if err != nil {
		log.Printf("Failed to record %s event for zone %s: %v", ev.EventKind(), ev.ZoneID(), err)
	}
}
