package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/agsys/crop-steering/internal/model"
)

// ZoneStore is the path store of one zone. Paths are namespaced under
// zones.<zone>. so zones never share keys.
type ZoneStore struct {
	db   *DB
	zone string
}

// Zone returns the store of a zone
func (db *DB) Zone(zone string) *ZoneStore {
	return &ZoneStore{db: db, zone: zone}
}

// ZoneID returns the zone the store belongs to
func (s *ZoneStore) ZoneID() string {
	return s.zone
}

func (s *ZoneStore) key(path string) string {
	return "zones." + s.zone + "." + path
}

// GetPath returns the raw value at a zone path
func (s *ZoneStore) GetPath(path string) (string, error) {
	return s.db.GetPath(s.key(path))
}

// SetPath stores a raw value at a zone path
func (s *ZoneStore) SetPath(path, value string) error {
	return s.db.SetPath(s.key(path), value)
}

// Paths lists every path of the zone with the zone prefix removed
func (s *ZoneStore) Paths() ([]*PathValue, error) {
	prefix := s.key("")
	values, err := s.db.ListPaths(prefix)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		v.Path = strings.TrimPrefix(v.Path, prefix)
	}
	return values, nil
}

// lookup returns ok == false when the path is unset
func (s *ZoneStore) lookup(path string) (string, bool, error) {
	v, err := s.GetPath(path)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return v, true, nil
}

// ActiveMode returns the selected mode, Automatic when unset
func (s *ZoneStore) ActiveMode() (model.Mode, error) {
	v, ok, err := s.lookup(model.PathActiveMode)
	if err != nil || !ok {
		return model.ModeAutomatic, err
	}
	return model.ParseMode(v)
}

// SetActiveMode stores the selected mode
func (s *ZoneStore) SetActiveMode(m model.Mode) error {
	return s.SetPath(model.PathActiveMode, string(m))
}

// CropPhase returns the last persisted phase
func (s *ZoneStore) CropPhase() (model.Phase, bool, error) {
	v, ok, err := s.lookup(model.PathCropPhase)
	if err != nil || !ok {
		return model.PhaseMonitoring, false, err
	}
	p, err := model.ParsePhase(v)
	if err != nil {
		return model.PhaseMonitoring, false, err
	}
	return p, true, nil
}

// SetCropPhase persists the current phase
func (s *ZoneStore) SetCropPhase(p model.Phase) error {
	return s.SetPath(model.PathCropPhase, p.Short())
}

// NightState returns the persisted night dryback progress
func (s *ZoneStore) NightState() (model.NightState, bool, error) {
	var ns model.NightState
	v, ok, err := s.lookup(model.PathNightDryback)
	if err != nil || !ok {
		return ns, false, err
	}
	if err := json.Unmarshal([]byte(v), &ns); err != nil {
		return ns, false, fmt.Errorf("invalid night state: %w", err)
	}
	return ns, true, nil
}

// SetNightState persists the night dryback progress
func (s *ZoneStore) SetNightState(ns model.NightState) error {
	data, err := json.Marshal(ns)
	if err != nil {
		return fmt.Errorf("failed to encode night state: %w", err)
	}
	return s.SetPath(model.PathNightDryback, string(data))
}

// MediumType returns the configured medium, empty when unset
func (s *ZoneStore) MediumType() (string, error) {
	v, _, err := s.lookup(model.PathMediumType)
	return v, err
}

// SetMediumType stores the medium
func (s *ZoneStore) SetMediumType(medium string) error {
	return s.SetPath(model.PathMediumType, medium)
}

// LightsOn returns the light schedule status
func (s *ZoneStore) LightsOn() (bool, bool, error) {
	v, ok, err := s.lookup(model.PathLightOn)
	if err != nil || !ok {
		return false, false, err
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return false, false, fmt.Errorf("invalid light status %q: %w", v, err)
	}
	return on, true, nil
}

// SetLightsOn stores the light schedule status
func (s *ZoneStore) SetLightsOn(on bool) error {
	return s.SetPath(model.PathLightOn, strconv.FormatBool(on))
}

// GrowthStage returns the plant stage, vegetative when unset
func (s *ZoneStore) GrowthStage() (model.GrowthStage, error) {
	var stage model.GrowthStage
	phase, _, err := s.lookup(model.PathPlantPhase)
	if err != nil {
		return stage, err
	}
	if !strings.EqualFold(strings.TrimSpace(phase), "generative") {
		return stage, nil
	}
	stage.Generative = true

	week, ok, err := s.lookup(model.PathGenerativeWeek)
	if err != nil || !ok {
		return stage, err
	}
	if stage.Week, err = strconv.Atoi(strings.TrimSpace(week)); err != nil {
		return stage, fmt.Errorf("invalid generative week %q: %w", week, err)
	}
	return stage, nil
}

// SetGrowthStage stores the plant stage
func (s *ZoneStore) SetGrowthStage(stage model.GrowthStage) error {
	if !stage.Generative {
		return s.SetPath(model.PathPlantPhase, "vegetative")
	}
	if err := s.SetPath(model.PathPlantPhase, "generative"); err != nil {
		return err
	}
	return s.SetPath(model.PathGenerativeWeek, strconv.Itoa(stage.Week))
}

// CalibrationRecord returns the latest record, nil when none exists
func (s *ZoneStore) CalibrationRecord(medium string, phase model.Phase, bound model.Bound) (*model.CalibrationRecord, error) {
	v, ok, err := s.lookup(model.CalibrationPath(medium, phase, bound))
	if err != nil || !ok {
		return nil, err
	}
	rec := &model.CalibrationRecord{}
	if err := json.Unmarshal([]byte(v), rec); err != nil {
		return nil, fmt.Errorf("invalid calibration record: %w", err)
	}
	return rec, nil
}

// SaveCalibrationRecord persists a record and makes it the active override
func (s *ZoneStore) SaveCalibrationRecord(rec model.CalibrationRecord) error {
	if rec.Zone == "" {
		rec.Zone = s.zone
	}
	_, err := s.db.SaveCalibrationRecord(s.key(model.CalibrationPath(rec.Medium, rec.Phase, rec.Bound)), rec)
	return err
}

var _ model.ConfigStore = (*ZoneStore)(nil)
