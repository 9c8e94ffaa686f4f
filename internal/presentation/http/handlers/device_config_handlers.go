package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/okmonitor/okmonitor-go/internal/application/services"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/performance"
)

// deviceStaleAfter is how long a silent device stays "online".
const deviceStaleAfter = 2 * time.Minute

// DeviceConfigHandlers serves device configuration: trigger schedules,
// the normal description, and device presence.
type DeviceConfigHandlers struct {
	deviceConfig *services.DeviceConfigService
	logger       *logging.ChanneledLogger
	perfTracker  *performance.Tracker
}

// NewDeviceConfigHandlers creates config handlers with injected dependencies.
func NewDeviceConfigHandlers(deviceConfig *services.DeviceConfigService, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *DeviceConfigHandlers {
	return &DeviceConfigHandlers{
		deviceConfig: deviceConfig,
		logger:       logger,
		perfTracker:  perfTracker,
	}
}

// GetDeviceConfig handles GET /api/v1/device-config?deviceId=... -
// devices poll this on boot before their stream is up.
func (h *DeviceConfigHandlers) GetDeviceConfig(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId query parameter is required"})
		return
	}

	config := h.deviceConfig.TriggerConfigFor(deviceID)
	c.JSON(http.StatusOK, gin.H{
		"deviceId": deviceID,
		"trigger":  config,
	})
}

type triggerConfigUpdate struct {
	DeviceID        string `json:"deviceId"`
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

// PutTriggerConfig handles PUT /api/v1/config/trigger. An empty deviceId
// updates the default schedule.
func (h *DeviceConfigHandlers) PutTriggerConfig(c *gin.Context) {
	var body triggerConfigUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trigger config body"})
		return
	}

	config := services.TriggerConfig{Enabled: body.Enabled, IntervalSeconds: body.IntervalSeconds}
	if err := h.deviceConfig.SetTriggerConfig(body.DeviceID, config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deviceId": body.DeviceID, "trigger": config})
}

// GetNormalDescription handles GET /api/v1/config/normal-description.
func (h *DeviceConfigHandlers) GetNormalDescription(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"normalDescription": h.deviceConfig.NormalDescription()})
}

// PutNormalDescription handles PUT /api/v1/config/normal-description -
// updates the guidance used by both classifier backends, effective on
// the next capture.
func (h *DeviceConfigHandlers) PutNormalDescription(c *gin.Context) {
	var body struct {
		NormalDescription string `json:"normalDescription"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body, expected {\"normalDescription\": \"...\"}"})
		return
	}

	h.deviceConfig.SetNormalDescription(body.NormalDescription)
	c.JSON(http.StatusOK, gin.H{"normalDescription": h.deviceConfig.NormalDescription()})
}

// GetDevices handles GET /api/v1/devices - presence listing for the
// dashboard.
func (h *DeviceConfigHandlers) GetDevices(c *gin.Context) {
	devices := h.deviceConfig.Devices(deviceStaleAfter)
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}
