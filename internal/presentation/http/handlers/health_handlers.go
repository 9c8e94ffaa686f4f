package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/okmonitor/okmonitor-go/internal/infrastructure/caching/stores"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/performance"
)

// HealthHandlers serves liveness and operational metrics.
type HealthHandlers struct {
	index       *stores.CaptureIndex
	logger      *logging.ChanneledLogger
	perfTracker *performance.Tracker
	started     time.Time
}

// NewHealthHandlers creates health handlers with injected dependencies.
func NewHealthHandlers(index *stores.CaptureIndex, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *HealthHandlers {
	return &HealthHandlers{
		index:       index,
		logger:      logger,
		perfTracker: perfTracker,
		started:     time.Now(),
	}
}

// GetHealth handles GET /health.
func (h *HealthHandlers) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime":         time.Since(h.started).String(),
		"indexedRecords": h.index.Len(),
	})
}

// GetMetrics handles GET /api/v1/metrics - performance stats and alerts.
func (h *HealthHandlers) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":  h.perfTracker.GetOverallStats(),
		"alerts": h.perfTracker.GetAlerts(c.Query("deviceId")),
	})
}
