package cloud

import (
	"context"
	"log"
	"time"

	"github.com/agsys/crop-steering/internal/storage"
)

// Store is the part of the database the uplink reads and marks synced
type Store interface {
	GetUnsyncedIrrigationEvents(limit int) ([]*storage.IrrigationEvent, error)
	MarkIrrigationEventSynced(id int64) error
	GetUnsyncedPhaseTransitions(limit int) ([]*storage.PhaseTransition, error)
	MarkPhaseTransitionSynced(id int64) error
	GetUnsyncedDrybackRecords(limit int) ([]*storage.DrybackRecord, error)
	MarkDrybackRecordSynced(id int64) error
	GetUnsyncedCalibrationRecords(limit int) ([]*storage.CalibrationRow, error)
	MarkCalibrationRecordSynced(id int64) error
}

// RecordAck confirms the cloud stored a record
type RecordAck struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type pendingRecord struct {
	kind MessageType
	id   int64
}

// syncLoop pushes unsynced records while the connection is up
func (c *Client) syncLoop(ctx context.Context, done chan struct{}) {
	interval := c.config.SyncInterval
	if interval <= 0 {
		interval = DefaultConfig().SyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.SyncOnce()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.SyncOnce()
		}
	}
}

// SyncOnce queues one batch of every unsynced record type. Records already
// in flight are skipped until acknowledged or the connection drops.
func (c *Client) SyncOnce() int {
	if c.store == nil {
		return 0
	}
	limit := c.config.BatchSize
	if limit <= 0 {
		limit = DefaultConfig().BatchSize
	}

	sent := 0
	if events, err := c.store.GetUnsyncedIrrigationEvents(limit); err != nil {
		log.Printf("Cloud sync: failed to read irrigation events: %v", err)
	} else {
		for _, e := range events {
			sent += c.push(MsgTypeIrrigation, e.ID, e)
		}
	}
	if transitions, err := c.store.GetUnsyncedPhaseTransitions(limit); err != nil {
		log.Printf("Cloud sync: failed to read phase transitions: %v", err)
	} else {
		for _, t := range transitions {
			sent += c.push(MsgTypePhaseTransition, t.ID, t)
		}
	}
	if drybacks, err := c.store.GetUnsyncedDrybackRecords(limit); err != nil {
		log.Printf("Cloud sync: failed to read dryback records: %v", err)
	} else {
		for _, d := range drybacks {
			sent += c.push(MsgTypeDryback, d.ID, d)
		}
	}
	if records, err := c.store.GetUnsyncedCalibrationRecords(limit); err != nil {
		log.Printf("Cloud sync: failed to read calibration records: %v", err)
	} else {
		for _, r := range records {
			sent += c.push(MsgTypeCalibration, r.ID, r)
		}
	}
	return sent
}

func (c *Client) push(kind MessageType, id int64, record interface{}) int {
	c.mu.Lock()
	for _, p := range c.pending {
		if p.kind == kind && p.id == id {
			c.mu.Unlock()
			return 0
		}
	}
	c.mu.Unlock()

	msg, err := newMessage(kind, record)
	if err != nil {
		log.Printf("Cloud sync: failed to encode %s %d: %v", kind, id, err)
		return 0
	}

	c.mu.Lock()
	c.pending[msg.ID] = pendingRecord{kind: kind, id: id}
	c.mu.Unlock()

	if !c.enqueue(msg) {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return 0
	}
	return 1
}

// acknowledge marks the record behind an acknowledged message synced
func (c *Client) acknowledge(ack RecordAck) {
	c.mu.Lock()
	p, ok := c.pending[ack.MessageID]
	delete(c.pending, ack.MessageID)
	c.mu.Unlock()

	if !ok {
		return
	}
	if !ack.Success {
		log.Printf("Cloud rejected %s %d: %s", p.kind, p.id, ack.Error)
		return
	}

	var err error
	switch p.kind {
	case MsgTypeIrrigation:
		err = c.store.MarkIrrigationEventSynced(p.id)
	case MsgTypePhaseTransition:
		err = c.store.MarkPhaseTransitionSynced(p.id)
	case MsgTypeDryback:
		err = c.store.MarkDrybackRecordSynced(p.id)
	case MsgTypeCalibration:
		err = c.store.MarkCalibrationRecordSynced(p.id)
	}
	if err != nil {
		log.Printf("Cloud sync: failed to mark %s %d synced: %v", p.kind, p.id, err)
	}
}
