// Package api exposes the HTTP control surface: zone status, the operating
// mode selector, growth stage and calibration requests.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agsys/crop-steering/internal/calibration"
	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/preset"
	"github.com/agsys/crop-steering/internal/steering"
	"github.com/agsys/crop-steering/internal/storage"
)

// ErrZoneNotFound is returned by a ZoneService for an unknown zone id
var ErrZoneNotFound = errors.New("zone not found")

// ZoneService is what the API drives
type ZoneService interface {
	ZoneIDs() []string
	ZoneStatus(zone string) (steering.Status, error)
	SetMode(zone string, m model.Mode) error
	SetGrowthStage(zone string, stage model.GrowthStage) error
	SetMedium(zone, medium string) error
	Presets(zone string) ([]preset.Preset, error)
	StartCalibration(zone string, phase model.Phase, bound model.Bound) (string, error)
	CancelCalibration(zone string) (bool, error)
	CalibrationStatus(zone string) (*calibration.RunStatus, error)
	RecentEvents(zone string, kind events.Kind) ([]events.Envelope, error)
}

// History reads the persisted records
type History interface {
	GetIrrigationEvents(zoneID string, limit int) ([]*storage.IrrigationEvent, error)
	GetPhaseTransitions(zoneID string, limit int) ([]*storage.PhaseTransition, error)
	GetDrybackRecords(zoneID string, limit int) ([]*storage.DrybackRecord, error)
	GetCalibrationRecords(zoneID string, limit int) ([]*storage.CalibrationRow, error)
	GetSensorReadings(zoneID string, limit int) ([]*storage.SensorReading, error)
}

// Config holds server settings
type Config struct {
	Listen string
	// APIKey, when set, is required in X-API-Key on every mutating request
	APIKey string
}

// Server is the HTTP control surface
type Server struct {
	config  Config
	zones   ZoneService
	history History
	router  *gin.Engine
	started time.Time
}

// NewServer creates the server and its routes
func NewServer(config Config, zones ZoneService, history History) *Server {
	s := &Server{
		config:  config,
		zones:   zones,
		history: history,
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.health)

	zones := r.Group("/zones")
	{
		zones.GET("", s.listZones)
		zones.GET("/:zone", s.zoneStatus)
		zones.GET("/:zone/presets", s.presets)
		zones.GET("/:zone/calibration", s.calibrationStatus)
		zones.GET("/:zone/history/:kind", s.zoneHistory)
		zones.GET("/:zone/events", s.zoneEvents)

		write := zones.Group("", requireAPIKey(s.config.APIKey))
		write.PUT("/:zone/mode", s.setMode)
		write.PUT("/:zone/stage", s.setStage)
		write.PUT("/:zone/medium", s.setMedium)
		write.POST("/:zone/calibration", s.startCalibration)
		write.DELETE("/:zone/calibration", s.cancelCalibration)
	}
	return r
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s", s.config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API shutdown failed: %w", err)
		}
		return nil
	}
}

// requestLogger writes one line per request through the standard logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("API %s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// requireAPIKey validates the X-API-Key header when a key is configured
func requireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-API-Key")
		if got == "" {
			errorResponse(c, http.StatusUnauthorized, "API key is required in X-API-Key header")
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			errorResponse(c, http.StatusUnauthorized, "Invalid API key")
			c.Abort()
			return
		}
		c.Next()
	}
}

// zoneError maps service errors onto HTTP status codes
func zoneError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrZoneNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, preset.ErrInvalidPreset):
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}
