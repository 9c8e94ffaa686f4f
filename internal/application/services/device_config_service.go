package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/infrastructure/messaging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
)

// TriggerConfig tells a device when to capture on its own.
type TriggerConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"intervalSeconds"`
}

// DeviceConfigService owns runtime device configuration: capture trigger
// schedules, manual trigger dispatch, and the shared normal description.
// Updated trigger configs are pushed to connected devices through the hub.
type DeviceConfigService struct {
	hub       *messaging.Hub
	ingestion *IngestionService
	logger    *logging.ChanneledLogger

	mu                sync.RWMutex
	defaults          TriggerConfig
	perDevice         map[string]TriggerConfig
	normalDescription string
}

// NewDeviceConfigService creates the service with the given defaults.
func NewDeviceConfigService(hub *messaging.Hub, ingestion *IngestionService, defaults TriggerConfig, normalDescription string, logger *logging.ChanneledLogger) *DeviceConfigService {
	return &DeviceConfigService{
		hub:               hub,
		ingestion:         ingestion,
		logger:            logger,
		defaults:          defaults,
		perDevice:         make(map[string]TriggerConfig),
		normalDescription: normalDescription,
	}
}

// TriggerConfigFor returns the device's schedule, falling back to the
// service defaults for devices never configured explicitly.
func (s *DeviceConfigService) TriggerConfigFor(deviceID string) TriggerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if config, exists := s.perDevice[deviceID]; exists {
		return config
	}
	return s.defaults
}

// SetTriggerConfig stores the device's schedule and pushes it to the
// device channel so a connected device applies it without polling. An
// empty deviceID updates the defaults for all unconfigured devices.
func (s *DeviceConfigService) SetTriggerConfig(deviceID string, config TriggerConfig) error {
	if config.IntervalSeconds < 1 {
		return fmt.Errorf("trigger interval must be at least 1 second, got %d", config.IntervalSeconds)
	}

	s.mu.Lock()
	if deviceID == "" {
		s.defaults = config
	} else {
		s.perDevice[deviceID] = config
	}
	s.mu.Unlock()

	s.logger.System().Info("Trigger config updated",
		"deviceId", deviceID, "enabled", config.Enabled, "intervalSeconds", config.IntervalSeconds)

	if deviceID != "" {
		s.hub.Publish(deviceID, messaging.Event{
			Type:     "trigger_config",
			DeviceID: deviceID,
			Payload: map[string]any{
				"enabled":         config.Enabled,
				"intervalSeconds": config.IntervalSeconds,
			},
		})
	}
	return nil
}

// FireManualTrigger publishes a manual capture request to the device.
// The assigned sequence is returned so callers can correlate the ack.
func (s *DeviceConfigService) FireManualTrigger(deviceID, label string) (messaging.Event, error) {
	if strings.TrimSpace(deviceID) == "" {
		return messaging.Event{}, fmt.Errorf("device id is required")
	}

	payload := map[string]any{}
	if label != "" {
		payload["label"] = label
	}
	return s.hub.PublishManualTrigger(deviceID, payload), nil
}

// NormalDescription returns the currently active guidance text.
func (s *DeviceConfigService) NormalDescription() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.normalDescription
}

// SetNormalDescription stores the guidance and pushes it into both
// classifier backends, taking effect on the next classification.
func (s *DeviceConfigService) SetNormalDescription(description string) {
	description = strings.TrimSpace(description)

	s.mu.Lock()
	s.normalDescription = description
	s.mu.Unlock()

	s.ingestion.SetNormalDescription(description)
	s.logger.System().Info("Normal description updated", "length", len(description))
}

// DevicePresence is one device's liveness entry for the dashboard.
type DevicePresence struct {
	DeviceID        string    `json:"deviceId"`
	LastSeen        time.Time `json:"lastSeen"`
	Online          bool      `json:"online"`
	PendingTriggers int       `json:"pendingTriggers"`
}

// Devices lists every known device with its presence state. A device is
// considered online when it was active within the staleness window.
func (s *DeviceConfigService) Devices(staleAfter time.Duration) []DevicePresence {
	ids := s.hub.Devices()
	devices := make([]DevicePresence, 0, len(ids))
	now := time.Now()

	for _, id := range ids {
		presence := DevicePresence{DeviceID: id, PendingTriggers: s.hub.PendingTriggers(id)}
		if lastSeen, seen := s.hub.LastSeen(id); seen {
			presence.LastSeen = lastSeen
			presence.Online = now.Sub(lastSeen) <= staleAfter
		}
		devices = append(devices, presence)
	}
	return devices
}
