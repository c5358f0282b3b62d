package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agsys/crop-steering/internal/events"
	"github.com/agsys/crop-steering/internal/model"
	"github.com/agsys/crop-steering/internal/substrate"
)

func (s *Server) health(c *gin.Context) {
	successResponse(c, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"zones":  len(s.zones.ZoneIDs()),
	})
}

func (s *Server) listZones(c *gin.Context) {
	ids := s.zones.ZoneIDs()
	statuses := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		st, err := s.zones.ZoneStatus(id)
		if err != nil {
			zoneError(c, err)
			return
		}
		statuses = append(statuses, st)
	}
	successResponse(c, gin.H{
		"zones": statuses,
		"count": len(statuses),
	})
}

func (s *Server) zoneStatus(c *gin.Context) {
	st, err := s.zones.ZoneStatus(c.Param("zone"))
	if err != nil {
		zoneError(c, err)
		return
	}
	successResponse(c, st)
}

func (s *Server) presets(c *gin.Context) {
	presets, err := s.zones.Presets(c.Param("zone"))
	if err != nil {
		zoneError(c, err)
		return
	}
	successResponse(c, presets)
}

// SetModeRequest selects a zone's operating mode
type SetModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) setMode(c *gin.Context) {
	var req SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := model.ParseMode(req.Mode)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.zones.SetMode(c.Param("zone"), mode); err != nil {
		zoneError(c, err)
		return
	}
	messageResponse(c, "Mode set to "+string(mode))
}

// SetStageRequest sets the plant growth stage
type SetStageRequest struct {
	Generative bool `json:"generative"`
	Week       int  `json:"week" binding:"gte=0,lte=20"`
}

func (s *Server) setStage(c *gin.Context) {
	var req SetStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Generative && req.Week < 1 {
		errorResponse(c, http.StatusBadRequest, "generative stage needs a week of 1 or more")
		return
	}
	stage := model.GrowthStage{Generative: req.Generative, Week: req.Week}
	if err := s.zones.SetGrowthStage(c.Param("zone"), stage); err != nil {
		zoneError(c, err)
		return
	}
	messageResponse(c, "Growth stage set to "+stage.String())
}

// SetMediumRequest changes the growing medium
type SetMediumRequest struct {
	Medium string `json:"medium" binding:"required"`
}

func (s *Server) setMedium(c *gin.Context) {
	var req SetMediumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	m := substrate.ParseMedium(req.Medium)
	if !m.Known() {
		errorResponse(c, http.StatusBadRequest, "unknown medium "+req.Medium)
		return
	}
	if err := s.zones.SetMedium(c.Param("zone"), string(m)); err != nil {
		zoneError(c, err)
		return
	}
	messageResponse(c, "Medium set to "+string(m))
}

// StartCalibrationRequest asks for a calibration run
type StartCalibrationRequest struct {
	Phase string `json:"phase" binding:"required"`
	Bound string `json:"bound" binding:"required,oneof=max min"`
}

func (s *Server) startCalibration(c *gin.Context) {
	var req StartCalibrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	phase, err := model.ParsePhase(req.Phase)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	bound, err := model.ParseBound(req.Bound)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := s.zones.StartCalibration(c.Param("zone"), phase, bound)
	if err != nil {
		zoneError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"run_id": runID,
			"phase":  phase.Short(),
			"bound":  bound,
		},
	})
}

func (s *Server) cancelCalibration(c *gin.Context) {
	cancelled, err := s.zones.CancelCalibration(c.Param("zone"))
	if err != nil {
		zoneError(c, err)
		return
	}
	if !cancelled {
		errorResponse(c, http.StatusNotFound, "no calibration running")
		return
	}
	messageResponse(c, "Calibration cancelled")
}

func (s *Server) calibrationStatus(c *gin.Context) {
	st, err := s.zones.CalibrationStatus(c.Param("zone"))
	if err != nil {
		zoneError(c, err)
		return
	}
	successResponse(c, gin.H{
		"active": st != nil,
		"run":    st,
	})
}

func (s *Server) zoneHistory(c *gin.Context) {
	zone := c.Param("zone")
	if _, err := s.zones.ZoneStatus(zone); err != nil {
		zoneError(c, err)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		errorResponse(c, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	var data interface{}
	switch c.Param("kind") {
	case "irrigation":
		data, err = s.history.GetIrrigationEvents(zone, limit)
	case "transitions":
		data, err = s.history.GetPhaseTransitions(zone, limit)
	case "drybacks":
		data, err = s.history.GetDrybackRecords(zone, limit)
	case "calibrations":
		data, err = s.history.GetCalibrationRecords(zone, limit)
	case "readings":
		data, err = s.history.GetSensorReadings(zone, limit)
	default:
		errorResponse(c, http.StatusNotFound, "unknown history "+c.Param("kind"))
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch history")
		return
	}
	successResponse(c, data)
}

func (s *Server) zoneEvents(c *gin.Context) {
	recent, err := s.zones.RecentEvents(c.Param("zone"), events.Kind(c.Query("kind")))
	if err != nil {
		zoneError(c, err)
		return
	}
	successResponse(c, gin.H{
		"events": recent,
		"count":  len(recent),
	})
}
