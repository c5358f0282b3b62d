package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agsys/crop-steering/internal/model"
)

// ErrNotFound is returned when a path or record does not exist
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Host key/value store
	CREATE TABLE IF NOT EXISTS kv_paths (
		path TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Calibration history; the latest row per key is mirrored into kv_paths
	CREATE TABLE IF NOT EXISTS calibration_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id TEXT NOT NULL,
		medium TEXT NOT NULL,
		phase INTEGER NOT NULL,
		bound TEXT NOT NULL,
		value REAL NOT NULL,
		readings TEXT NOT NULL,
		collected_at DATETIME NOT NULL,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_calibration_key ON calibration_records(zone_id, medium, phase, bound);
	CREATE INDEX IF NOT EXISTS idx_calibration_synced ON calibration_records(synced_to_cloud);

	-- Irrigation shots
	CREATE TABLE IF NOT EXISTS irrigation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id TEXT NOT NULL,
		phase INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		emergency INTEGER DEFAULT 0,
		success INTEGER DEFAULT 0,
		reason TEXT,
		vwc_before REAL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_irrigation_zone ON irrigation_events(zone_id);
	CREATE INDEX IF NOT EXISTS idx_irrigation_timestamp ON irrigation_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_irrigation_synced ON irrigation_events(synced_to_cloud);

	-- Phase transitions
	CREATE TABLE IF NOT EXISTS phase_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id TEXT NOT NULL,
		from_phase INTEGER NOT NULL,
		to_phase INTEGER NOT NULL,
		reason TEXT,
		vwc REAL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_zone ON phase_transitions(zone_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_synced ON phase_transitions(synced_to_cloud);

	-- Night dryback summaries
	CREATE TABLE IF NOT EXISTS dryback_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id TEXT NOT NULL,
		start_vwc REAL NOT NULL,
		end_vwc REAL NOT NULL,
		dryback_percent REAL NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_dryback_zone ON dryback_records(zone_id);
	CREATE INDEX IF NOT EXISTS idx_dryback_synced ON dryback_records(synced_to_cloud);

	-- Calibrated substrate readings
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id TEXT NOT NULL,
		vwc REAL NOT NULL,
		bulk_ec REAL,
		pore_ec REAL,
		temperature_c REAL,
		valid INTEGER DEFAULT 1,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sensor_zone ON sensor_readings(zone_id);
	CREATE INDEX IF NOT EXISTS idx_sensor_timestamp ON sensor_readings(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Path Operations ---

// GetPath returns the value stored at path
func (db *DB) GetPath(path string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM kv_paths WHERE path = ?", path).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetPath stores value at path
func (db *DB) SetPath(path, value string) error {
	return setPath(db.conn, path, value)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func setPath(e execer, path, value string) error {
	query := `
		INSERT INTO kv_paths (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err := e.Exec(query, path, value, time.Now())
	return err
}

// ListPaths returns every path starting with prefix
func (db *DB) ListPaths(prefix string) ([]*PathValue, error) {
	rows, err := db.conn.Query(`SELECT path, value, updated_at FROM kv_paths
		WHERE path LIKE ? ESCAPE '\' ORDER BY path`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []*PathValue
	for rows.Next() {
		v := &PathValue{}
		if err := rows.Scan(&v.Path, &v.Value, &v.UpdatedAt); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// --- Calibration Operations ---

// SaveCalibrationRecord appends the record to the history and mirrors it at
// path in one transaction
func (db *DB) SaveCalibrationRecord(path string, rec model.CalibrationRecord) (int64, error) {
	readings, err := json.Marshal(rec.Readings)
	if err != nil {
		return 0, fmt.Errorf("failed to encode readings: %w", err)
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode record: %w", err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`INSERT INTO calibration_records
		(zone_id, medium, phase, bound, value, readings, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Zone, rec.Medium, int(rec.Phase), string(rec.Bound), rec.Value, string(readings), rec.CollectedAt)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := setPath(tx, path, string(value)); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

const calibrationColumns = `id, zone_id, medium, phase, bound, value, readings, collected_at, synced_to_cloud`

func scanCalibration(s interface{ Scan(...interface{}) error }) (*CalibrationRow, error) {
	r := &CalibrationRow{}
	var phase int
	var bound, readings string
	if err := s.Scan(&r.ID, &r.Record.Zone, &r.Record.Medium, &phase, &bound,
		&r.Record.Value, &readings, &r.Record.CollectedAt, &r.SyncedToCloud); err != nil {
		return nil, err
	}
	r.Record.Phase = model.Phase(phase)
	r.Record.Bound = model.Bound(bound)
	if err := json.Unmarshal([]byte(readings), &r.Record.Readings); err != nil {
		return nil, fmt.Errorf("failed to decode readings of record %d: %w", r.ID, err)
	}
	return r, nil
}

func (db *DB) queryCalibrations(query string, args ...interface{}) ([]*CalibrationRow, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CalibrationRow
	for rows.Next() {
		r, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetCalibrationRecords returns a zone's calibration history, newest first
func (db *DB) GetCalibrationRecords(zoneID string, limit int) ([]*CalibrationRow, error) {
	return db.queryCalibrations(`SELECT `+calibrationColumns+` FROM calibration_records
		WHERE zone_id = ? ORDER BY collected_at DESC, id DESC LIMIT ?`, zoneID, limit)
}

// GetUnsyncedCalibrationRecords retrieves records not yet synced to cloud
func (db *DB) GetUnsyncedCalibrationRecords(limit int) ([]*CalibrationRow, error) {
	return db.queryCalibrations(`SELECT `+calibrationColumns+` FROM calibration_records
		WHERE synced_to_cloud = 0 ORDER BY id LIMIT ?`, limit)
}

// MarkCalibrationRecordSynced marks a record as synced
func (db *DB) MarkCalibrationRecordSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE calibration_records SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Irrigation Operations ---

// InsertIrrigationEvent records a shot attempt
func (db *DB) InsertIrrigationEvent(e *IrrigationEvent) (int64, error) {
	query := `INSERT INTO irrigation_events
		(zone_id, phase, duration_ms, emergency, success, reason, vwc_before, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, e.ZoneID, int(e.Phase), e.Duration.Milliseconds(),
		e.Emergency, e.Success, e.Reason, e.VWCBefore, e.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (db *DB) queryIrrigation(query string, args ...interface{}) ([]*IrrigationEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*IrrigationEvent
	for rows.Next() {
		e := &IrrigationEvent{}
		var phase int
		var ms int64
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.ZoneID, &phase, &ms, &e.Emergency, &e.Success,
			&reason, &e.VWCBefore, &e.Timestamp, &e.SyncedToCloud); err != nil {
			return nil, err
		}
		e.Phase = model.Phase(phase)
		e.Duration = time.Duration(ms) * time.Millisecond
		e.Reason = reason.String
		list = append(list, e)
	}
	return list, rows.Err()
}

const irrigationColumns = `id, zone_id, phase, duration_ms, emergency, success, reason, vwc_before, timestamp, synced_to_cloud`

// GetIrrigationEvents returns a zone's shots, newest first
func (db *DB) GetIrrigationEvents(zoneID string, limit int) ([]*IrrigationEvent, error) {
	return db.queryIrrigation(`SELECT `+irrigationColumns+` FROM irrigation_events
		WHERE zone_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, zoneID, limit)
}

// GetUnsyncedIrrigationEvents retrieves shots not yet synced to cloud
func (db *DB) GetUnsyncedIrrigationEvents(limit int) ([]*IrrigationEvent, error) {
	return db.queryIrrigation(`SELECT `+irrigationColumns+` FROM irrigation_events
		WHERE synced_to_cloud = 0 ORDER BY timestamp LIMIT ?`, limit)
}

// MarkIrrigationEventSynced marks a shot as synced
func (db *DB) MarkIrrigationEventSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE irrigation_events SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Phase Transition Operations ---

// InsertPhaseTransition records a phase change
func (db *DB) InsertPhaseTransition(t *PhaseTransition) (int64, error) {
	query := `INSERT INTO phase_transitions (zone_id, from_phase, to_phase, reason, vwc, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, t.ZoneID, int(t.From), int(t.To), t.Reason, t.VWC, t.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (db *DB) queryTransitions(query string, args ...interface{}) ([]*PhaseTransition, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*PhaseTransition
	for rows.Next() {
		t := &PhaseTransition{}
		var from, to int
		var reason sql.NullString
		if err := rows.Scan(&t.ID, &t.ZoneID, &from, &to, &reason, &t.VWC, &t.Timestamp, &t.SyncedToCloud); err != nil {
			return nil, err
		}
		t.From = model.Phase(from)
		t.To = model.Phase(to)
		t.Reason = reason.String
		list = append(list, t)
	}
	return list, rows.Err()
}

const transitionColumns = `id, zone_id, from_phase, to_phase, reason, vwc, timestamp, synced_to_cloud`

// GetPhaseTransitions returns a zone's transitions, newest first
func (db *DB) GetPhaseTransitions(zoneID string, limit int) ([]*PhaseTransition, error) {
	return db.queryTransitions(`SELECT `+transitionColumns+` FROM phase_transitions
		WHERE zone_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, zoneID, limit)
}

// GetUnsyncedPhaseTransitions retrieves transitions not yet synced to cloud
func (db *DB) GetUnsyncedPhaseTransitions(limit int) ([]*PhaseTransition, error) {
	return db.queryTransitions(`SELECT `+transitionColumns+` FROM phase_transitions
		WHERE synced_to_cloud = 0 ORDER BY timestamp LIMIT ?`, limit)
}

// MarkPhaseTransitionSynced marks a transition as synced
func (db *DB) MarkPhaseTransitionSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE phase_transitions SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Dryback Operations ---

// InsertDrybackRecord records a completed night dryback
func (db *DB) InsertDrybackRecord(r *DrybackRecord) (int64, error) {
	query := `INSERT INTO dryback_records (zone_id, start_vwc, end_vwc, dryback_percent, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, r.ZoneID, r.StartVWC, r.EndVWC, r.DrybackPercent, r.StartedAt, r.EndedAt)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (db *DB) queryDrybacks(query string, args ...interface{}) ([]*DrybackRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*DrybackRecord
	for rows.Next() {
		r := &DrybackRecord{}
		if err := rows.Scan(&r.ID, &r.ZoneID, &r.StartVWC, &r.EndVWC, &r.DrybackPercent,
			&r.StartedAt, &r.EndedAt, &r.SyncedToCloud); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

const drybackColumns = `id, zone_id, start_vwc, end_vwc, dryback_percent, started_at, ended_at, synced_to_cloud`

// GetDrybackRecords returns a zone's drybacks, newest first
func (db *DB) GetDrybackRecords(zoneID string, limit int) ([]*DrybackRecord, error) {
	return db.queryDrybacks(`SELECT `+drybackColumns+` FROM dryback_records
		WHERE zone_id = ? ORDER BY ended_at DESC, id DESC LIMIT ?`, zoneID, limit)
}

// GetUnsyncedDrybackRecords retrieves drybacks not yet synced to cloud
func (db *DB) GetUnsyncedDrybackRecords(limit int) ([]*DrybackRecord, error) {
	return db.queryDrybacks(`SELECT `+drybackColumns+` FROM dryback_records
		WHERE synced_to_cloud = 0 ORDER BY ended_at LIMIT ?`, limit)
}

// MarkDrybackRecordSynced marks a dryback as synced
func (db *DB) MarkDrybackRecordSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE dryback_records SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Sensor Reading Operations ---

// InsertSensorReading records a calibrated reading
func (db *DB) InsertSensorReading(r *SensorReading) (int64, error) {
	query := `INSERT INTO sensor_readings (zone_id, vwc, bulk_ec, pore_ec, temperature_c, valid, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, r.ZoneID, r.VWC, r.BulkEC, r.PoreEC, r.TemperatureC, r.Valid, r.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetSensorReadings returns a zone's readings, newest first
func (db *DB) GetSensorReadings(zoneID string, limit int) ([]*SensorReading, error) {
	rows, err := db.conn.Query(`SELECT id, zone_id, vwc, bulk_ec, pore_ec, temperature_c, valid, timestamp
		FROM sensor_readings WHERE zone_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, zoneID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*SensorReading
	for rows.Next() {
		r := &SensorReading{}
		if err := rows.Scan(&r.ID, &r.ZoneID, &r.VWC, &r.BulkEC, &r.PoreEC, &r.TemperatureC, &r.Valid, &r.Timestamp); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// PruneSensorReadings deletes readings older than before
func (db *DB) PruneSensorReadings(before time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM sensor_readings WHERE timestamp < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
