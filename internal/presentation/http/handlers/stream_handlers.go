package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/okmonitor/okmonitor-go/internal/application/services"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/messaging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/performance"
)

const maxSSEConnections = 1000

var activeSSEConnections int64

// StreamHandlers serves the live surfaces: dashboard SSE, the device
// websocket with trigger acknowledgements, and manual trigger dispatch.
type StreamHandlers struct {
	hub          *messaging.Hub
	deviceConfig *services.DeviceConfigService
	logger       *logging.ChanneledLogger
	perfTracker  *performance.Tracker
	upgrader     websocket.Upgrader
}

// NewStreamHandlers creates stream handlers with injected dependencies.
func NewStreamHandlers(hub *messaging.Hub, deviceConfig *services.DeviceConfigService, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *StreamHandlers {
	return &StreamHandlers{
		hub:          hub,
		deviceConfig: deviceConfig,
		logger:       logger,
		perfTracker:  perfTracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Devices connect from arbitrary local networks.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// GetSSE handles GET /api/v1/events/sse - dashboard event stream over
// the hub's broadcast channel. An optional deviceId query narrows the
// stream to one device's channel.
func (h *StreamHandlers) GetSSE(c *gin.Context) {
	marker := h.perfTracker.StartOperation("sse_stream", c.Query("deviceId"))
	defer marker.Complete()

	currentConnections := atomic.LoadInt64(&activeSSEConnections)
	if currentConnections >= maxSSEConnections {
		h.logger.SSE().Warn("SSE connection limit reached", "currentConnections", currentConnections)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "SSE connection limit reached. Please try again later."})
		return
	}

	channel := messaging.BroadcastChannel
	if deviceID := c.Query("deviceId"); deviceID != "" {
		channel = deviceID
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sub := h.hub.Subscribe(channel)
	atomic.AddInt64(&activeSSEConnections, 1)
	defer func() {
		atomic.AddInt64(&activeSSEConnections, -1)
		h.hub.Unsubscribe(sub)
	}()

	clientCtx := c.Request.Context()
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	fmt.Fprintf(c.Writer, "data: {\"type\":\"connected\",\"channel\":%q,\"timestamp\":%q}\n\n",
		channel, time.Now().Format(time.RFC3339))
	flusher.Flush()

	h.logger.SSE().Info("SSE client connected", "channel", channel, "subscriberId", sub.ID)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	connectionStart := time.Now()
	for {
		select {
		case <-clientCtx.Done():
			h.logger.SSE().Info("SSE client disconnected",
				"channel", channel, "connectionDuration", time.Since(connectionStart))
			return

		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.SSE().Error("Failed to encode event", "error", err.Error())
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// deviceAck is the only frame devices send upstream on the websocket.
type deviceAck struct {
	Ack uint64 `json:"ack"`
}

// GetDeviceStream handles GET /api/v1/devices/:deviceId/stream - the
// device's persistent websocket. The hub replays unacknowledged manual
// triggers on connect; the device acknowledges each processed trigger
// with {"ack": seq}.
func (h *StreamHandlers) GetDeviceStream(c *gin.Context) {
	deviceID := c.Param("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.SSE().Error("Websocket upgrade failed", "deviceId", deviceID, "error", err.Error())
		return
	}
	defer conn.Close()

	h.hub.Touch(deviceID)
	sub := h.hub.Subscribe(deviceID)
	defer h.hub.Unsubscribe(sub)

	h.logger.SSE().Info("Device stream connected", "deviceId", deviceID, "subscriberId", sub.ID)

	done := make(chan struct{})

	// Reader: acks and presence. Any read error tears the stream down.
	go func() {
		defer close(done)
		for {
			var ack deviceAck
			if err := conn.ReadJSON(&ack); err != nil {
				return
			}
			h.hub.Touch(deviceID)
			if ack.Ack > 0 {
				h.hub.Ack(deviceID, ack.Ack)
				h.logger.SSE().Debug("Trigger acknowledged", "deviceId", deviceID, "seq", ack.Ack)
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.logger.SSE().Info("Device stream disconnected", "deviceId", deviceID)
			return

		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.SSE().Warn("Device stream write failed", "deviceId", deviceID, "error", err.Error())
				return
			}

		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// PostTrigger handles POST /api/v1/devices/:deviceId/trigger - fires a
// manual capture trigger at the device.
func (h *StreamHandlers) PostTrigger(c *gin.Context) {
	deviceID := c.Param("deviceId")

	var body struct {
		Label string `json:"label"`
	}
	_ = c.ShouldBindJSON(&body) // body is optional

	event, err := h.deviceConfig.FireManualTrigger(deviceID, body.Label)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"deviceId": deviceID,
		"seq":      event.Seq,
		"pending":  h.hub.PendingTriggers(deviceID),
	})
}
