// Package routes provides HTTP route configuration for the presentation layer.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/okmonitor/okmonitor-go/internal/application/container"
	"github.com/okmonitor/okmonitor-go/internal/presentation/http/handlers"
	"github.com/okmonitor/okmonitor-go/internal/presentation/http/middleware"
)

// SetupRoutes configures all HTTP routes and middleware with dependency injection.
func SetupRoutes(container *container.Container) *gin.Engine {
	r := gin.Default()

	r.Use(middleware.CORSMiddleware())

	// Initialize handlers
	captureHandlers := handlers.NewCaptureHandlers(container.IngestionService, container.CaptureQueryService, container.Logger, container.PerfTracker)
	streamHandlers := handlers.NewStreamHandlers(container.Hub, container.DeviceConfigService, container.Logger, container.PerfTracker)
	deviceConfigHandlers := handlers.NewDeviceConfigHandlers(container.DeviceConfigService, container.Logger, container.PerfTracker)
	healthHandlers := handlers.NewHealthHandlers(container.Index, container.Logger, container.PerfTracker)

	r.GET("/health", healthHandlers.GetHealth)

	api := r.Group("/api/v1")
	{
		// Capture ingestion and dashboard queries
		api.POST("/captures", captureHandlers.PostCapture)
		api.GET("/captures", captureHandlers.GetCaptures)
		api.GET("/captures/:recordId", captureHandlers.GetCapture)
		api.GET("/captures/:recordId/image", captureHandlers.GetCaptureImage)
		api.GET("/captures/:recordId/thumbnail", captureHandlers.GetCaptureThumbnail)

		// Live surfaces
		api.GET("/events/sse", streamHandlers.GetSSE)
		api.GET("/devices/:deviceId/stream", streamHandlers.GetDeviceStream)
		api.POST("/devices/:deviceId/trigger", streamHandlers.PostTrigger)
		api.GET("/devices", deviceConfigHandlers.GetDevices)

		// Device and classifier configuration
		api.GET("/device-config", deviceConfigHandlers.GetDeviceConfig)
		api.PUT("/config/trigger", deviceConfigHandlers.PutTriggerConfig)
		api.GET("/config/normal-description", deviceConfigHandlers.GetNormalDescription)
		api.PUT("/config/normal-description", deviceConfigHandlers.PutNormalDescription)

		// Operational metrics
		api.GET("/metrics", healthHandlers.GetMetrics)
	}

	return r
}
