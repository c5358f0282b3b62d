// Package engine provides the core of the crop steering controller, wiring
// zones to the MQTT transport, the database, the cloud uplink and the API.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/agsys/crop-steering/internal/actuator"
	"github.com/agsys/crop-steering/internal/api"
	"github.com/agsys/crop-steering/internal/calibration"
	"github.com/agsys/crop-steering/internal/cloud"
	"github.com/agsys/crop-steering/internal/config"
	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/mqtt"
	"github.com/agsys/crop-steering/internal/preset"
	"github.com/agsys/crop-steering/internal/steering"
	"github.com/agsys/crop-steering/internal/storage"
	"github.com/agsys/crop-steering/internal/substrate"
)

// recentEvents bounds the in-memory event log shared by all zones
const recentEvents = 500

// Transport is the broker session the engine talks to devices through
type Transport interface {
	mqtt.Publisher
	OnConnect(fn func())
	Connect() error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Disconnect()
}

// zoneRuntime is everything the engine keeps for one zone
type zoneRuntime struct {
	config      config.ZoneConfig
	store       *storage.ZoneStore
	feed        *mqtt.SensorFeed
	actuator    *actuator.Actuator
	supervisor  *steering.Zone
	calibration *calibration.Manager
}

// Engine is the controller process: it owns the zones and background loops
type Engine struct {
	config    *config.Config
	db        *storage.DB
	bus       *events.Bus
	transport Transport
	topics    mqtt.Topics
	router    *mqtt.Router
	substrate *substrate.Engine
	presets   *preset.Provider
	cloud     *cloud.Client
	api       *api.Server
	recent    *events.Recorder

	zones map[string]*zoneRuntime
	ids   []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine connected to the configured MQTT broker
func New(cfg *config.Config) (*Engine, error) {
	client, err := mqtt.New(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT client: %w", err)
	}
	return NewWithTransport(cfg, client)
}

// NewWithTransport creates an engine on an existing transport
func NewWithTransport(cfg *config.Config, transport Transport) (*Engine, error) {
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	e := &Engine{
		config:    cfg,
		db:        db,
		bus:       events.NewBus(),
		transport: transport,
		topics:    mqtt.NewTopics(cfg.MQTT.TopicPrefix),
		substrate: substrate.NewEngine(),
		presets:   preset.NewProvider(),
		recent:    events.NewRecorder(recentEvents),
		zones:     make(map[string]*zoneRuntime),
	}
	e.router = mqtt.NewRouter(e.topics)

	base, err := cfg.BasePresets()
	if err != nil {
		db.Close()
		return nil, err
	}
	for phase, p := range base {
		if err := e.presets.SetBase(phase, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s preset: %w", phase, err)
		}
	}

	for _, zc := range cfg.Zones {
		if err := e.addZone(zc); err != nil {
			db.Close()
			return nil, err
		}
	}
	sort.Strings(e.ids)

	if cfg.Cloud.Enabled {
		e.cloud = cloud.New(cfg.Cloud.Config, db)
		e.cloud.SetModeCommandCallback(e.handleModeCommand)
	}
	if cfg.API.Enabled {
		e.api = api.NewServer(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, e, db)
	}
	return e, nil
}

func (e *Engine) addZone(zc config.ZoneConfig) error {
	store := e.db.Zone(zc.ID)
	if m, ok := zc.MediumFor(); ok {
		current, err := store.MediumType()
		if err != nil {
			return fmt.Errorf("zone %s: failed to read medium: %w", zc.ID, err)
		}
		if current == "" {
			if err := store.SetMediumType(string(m)); err != nil {
				return fmt.Errorf("zone %s: failed to store medium: %w", zc.ID, err)
			}
		}
	}

	feed := mqtt.NewSensorFeed(e.config.Sensors.FeedDepth)
	reader := substrate.NewReader(e.substrate, feed, e.config.Sensors.MaxAge)
	devices := mqtt.NewDevices(e.transport, e.topics, zc.ID)
	act := actuator.New(zc.ID, zc.Actuators, zc.Dosers, devices, e.bus)

	supervisor := steering.NewZone(steering.Deps{
		Zone:      zc.ID,
		Store:     store,
		Sensor:    reader,
		Presets:   e.presets,
		Actuator:  act,
		Publisher: e.bus,
	}, e.config.SteeringFor(zc))

	procedure := calibration.NewProcedure(zc.ID, e.config.Calibration, reader, act, store)

	e.zones[zc.ID] = &zoneRuntime{
		config:      zc,
		store:       store,
		feed:        feed,
		actuator:    act,
		supervisor:  supervisor,
		calibration: calibration.NewManager(zc.ID, procedure, e.bus),
	}
	e.ids = append(e.ids, zc.ID)
	e.router.Bind(zc.ID, mqtt.ZoneBinding{Feed: feed, Lights: store, Mode: supervisor})
	return nil
}

// Start connects the transport and starts every zone and background loop
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.bus.Subscribe("storage", 256, e.record)
	e.bus.Subscribe("mqtt", 256, mqtt.NewEventForwarder(e.transport, e.topics).Handle)
	e.bus.Subscribe("recent", 64, func(ev events.Event) {
		if ev.EventKind() != events.KindSensorUpdate {
			e.recent.Publish(ev)
		}
	})

	e.transport.OnConnect(e.subscribe)
	if err := e.transport.Connect(); err != nil {
		cancel()
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	for _, id := range e.ids {
		z := e.zones[id]
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			z.supervisor.Run(ctx)
		}()
	}

	e.wg.Add(1)
	go e.pruneLoop(ctx)

	if e.cloud != nil {
		if err := e.cloud.Start(ctx); err != nil {
			log.Printf("Cloud uplink disabled: %v", err)
		}
	}
	if e.api != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.api.Run(ctx); err != nil {
				log.Printf("API stopped: %v", err)
			}
		}()
	}

	log.Printf("Engine started with %d zones", len(e.ids))
	return nil
}

// Stop stops the zones (switching their devices off), flushes queued events
// and releases the transport and database
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	for _, id := range e.ids {
		e.zones[id].calibration.Close()
	}
	e.wg.Wait()

	e.bus.Close()

	if e.cloud != nil {
		if err := e.cloud.Stop(); err != nil {
			log.Printf("Error stopping cloud client: %v", err)
		}
	}
	e.transport.Disconnect()

	if err := e.db.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Engine stopped")
	return nil
}

// subscribe (re)registers the inbound topics after every connect
func (e *Engine) subscribe() {
	for _, topic := range e.topics.Subscriptions() {
		if err := e.transport.Subscribe(topic, e.router.Handle); err != nil {
			log.Printf("Failed to subscribe: %v", err)
		}
	}
}

// pruneLoop deletes calibrated readings older than the retention window
func (e *Engine) pruneLoop(ctx context.Context) {
	defer e.wg.Done()

	retention := e.config.Database.SensorRetention
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.db.PruneSensorReadings(time.Now().Add(-retention))
			if err != nil {
				log.Printf("Failed to prune sensor readings: %v", err)
			} else if n > 0 {
				log.Printf("Pruned %d sensor readings", n)
			}
		}
	}
}

func (e *Engine) handleModeCommand(cmd cloud.ModeCommand) error {
	m, err := model.ParseMode(cmd.Mode)
	if err != nil {
		return err
	}
	return e.SetMode(cmd.ZoneID, m)
}

func (e *Engine) zone(id string) (*zoneRuntime, error) {
	z, ok := e.zones[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrZoneNotFound, id)
	}
	return z, nil
}

// RecentEvents returns the in-memory event log of a zone, newest first,
// optionally restricted to one kind
func (e *Engine) RecentEvents(id string, kind events.Kind) ([]events.Envelope, error) {
	if _, err := e.zone(id); err != nil {
		return nil, err
	}
	stored := e.recent.Zone(id)
	out := make([]events.Envelope, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		ev := stored[i]
		if kind != "" && ev.EventKind() != kind {
			continue
		}
		out = append(out, events.Envelope{Kind: ev.EventKind(), Zone: id, Payload: ev})
	}
	return out, nil
}

// ZoneIDs returns the configured zones in order
func (e *Engine) ZoneIDs() []string {
	return append([]string(nil), e.ids...)
}

// ZoneStatus returns the controller snapshot of a zone
func (e *Engine) ZoneStatus(id string) (steering.Status, error) {
	z, err := e.zone(id)
	if err != nil {
		return steering.Status{}, err
	}
	return z.supervisor.Status(), nil
}

// SetMode switches a zone's operating mode
func (e *Engine) SetMode(id string, m model.Mode) error {
	z, err := e.zone(id)
	if err != nil {
		return err
	}
	return z.supervisor.SetMode(m)
}

// SetGrowthStage stores a zone's plant stage; presets pick it up on the next tick
func (e *Engine) SetGrowthStage(id string, stage model.GrowthStage) error {
	z, err := e.zone(id)
	if err != nil {
		return err
	}
	return z.store.SetGrowthStage(stage)
}

// SetMedium stores a zone's growing medium
func (e *Engine) SetMedium(id, medium string) error {
	z, err := e.zone(id)
	if err != nil {
		return err
	}
	return z.store.SetMediumType(medium)
}

// Presets composes the current preset of every phase for a zone
func (e *Engine) Presets(id string) ([]preset.Preset, error) {
	z, err := e.zone(id)
	if err != nil {
		return nil, err
	}

	medium := substrate.Rockwool
	if name, err := z.store.MediumType(); err != nil {
		return nil, err
	} else if name != "" {
		medium = substrate.ParseMedium(name)
	}
	stage, err := z.store.GrowthStage()
	if err != nil {
		return nil, err
	}

	out := make([]preset.Preset, 0, len(model.Phases))
	for _, phase := range model.Phases {
		p, err := e.presets.Preset(phase, medium, stage, z.store)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// StartCalibration starts a calibration run, replacing any active one
func (e *Engine) StartCalibration(id string, phase model.Phase, bound model.Bound) (string, error) {
	z, err := e.zone(id)
	if err != nil {
		return "", err
	}
	return z.calibration.Start(phase, bound)
}

// CancelCalibration cancels the active run; false when none was running
func (e *Engine) CancelCalibration(id string) (bool, error) {
	z, err := e.zone(id)
	if err != nil {
		return false, err
	}
	return z.calibration.Cancel(), nil
}

// CalibrationStatus returns the active run, nil when idle
func (e *Engine) CalibrationStatus(id string) (*calibration.RunStatus, error) {
	z, err := e.zone(id)
	if err != nil {
		return nil, err
	}
	if st, ok := z.calibration.Active(); ok {
		return &st, nil
	}
	return nil, nil
}

// Database exposes the store for tooling
func (e *Engine) Database() *storage.DB {
	return e.db
}

var _ api.ZoneService = (*Engine)(nil)
