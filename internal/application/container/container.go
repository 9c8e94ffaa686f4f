// Package container provides dependency injection for all singleton services
package container

import (
	"fmt"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/application/services"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/ai"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/caching/stores"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/datalake"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/email"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/messaging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/performance"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/persistence/database"
	"github.com/okmonitor/okmonitor-go/pkg/config"
)

// Container holds all singleton services and infrastructure dependencies
type Container struct {
	// Application services
	IngestionService    *services.IngestionService
	CaptureQueryService *services.CaptureQueryService
	DeviceConfigService *services.DeviceConfigService

	// Infrastructure
	Lake         *datalake.Lake
	Index        *stores.CaptureIndex
	Streaks      *stores.StreakStore
	Similarity   *stores.SimilarityStore
	Hub          *messaging.Hub
	SimilarityDB *database.DB

	// Observability
	Logger      *logging.ChanneledLogger
	PerfTracker *performance.Tracker
}

// NewContainer creates and wires all singleton services from the
// package-level configuration.
func NewContainer() (*Container, error) {
	logger, err := logging.NewChanneledLogger(logging.DefaultLoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	perfTracker := performance.NewTracker(performance.DefaultTrackerConfig())

	lake, err := datalake.NewLake(config.DatalakeRoot, config.ThumbnailWidth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open datalake: %w", err)
	}

	var similarityDB *database.DB
	if config.SimilarityCachePath != "" {
		similarityDB, err = database.NewConnectionWithLogger("sqlite3", config.SimilarityCachePath, logger)
		if err != nil {
			// The cache is an optimization; a broken backing file must
			// not keep the service down.
			logger.Cache().Warn("Similarity cache database unavailable, running memory-only",
				"path", config.SimilarityCachePath, "error", err.Error())
			similarityDB = nil
		}
	}

	similarity, err := stores.NewSimilarityStore(
		similarityDB,
		config.SimilarityThreshold,
		time.Duration(config.SimilarityExpiryMinutes)*time.Minute,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create similarity store: %w", err)
	}

	index := stores.NewCaptureIndex(config.IndexCapacity)
	streaks := stores.NewStreakStore(config.StreakThreshold, config.StreakKeepEvery)
	hub := messaging.NewHub(config.HubSubscriberBuffer, config.HubReplayBuffer, logger)

	primary := ai.NewOpenAIClassifier(
		config.PrimaryAPIKey, config.PrimaryModel, config.PrimaryBaseURL,
		config.ClassifierTimeout, config.NormalDescription, logger)
	secondary := ai.NewGeminiClassifier(
		config.SecondaryAPIKey, config.SecondaryModel, config.SecondaryBaseURL,
		config.ClassifierTimeout, config.NormalDescription, logger)

	var emailSvc email.Service
	if config.AlertEmailEnabled {
		emailSvc, err = email.NewService(config.AlertEmailFrom, config.AlertEmailTo, config.AlertUIBaseURL, logger)
		if err != nil {
			logger.Email().Warn("Alert email disabled", "reason", err.Error())
			emailSvc = nil
		}
	}

	ingestion := services.NewIngestionService(services.IngestionDeps{
		Primary:           primary,
		Secondary:         secondary,
		Reconciler:        ai.NewReconciler(config.ConfidenceFloor),
		Streaks:           streaks,
		Similarity:        similarity,
		Index:             index,
		Lake:              lake,
		Hub:               hub,
		Locks:             stores.NewDeviceLocks(),
		EmailService:      emailSvc,
		Logger:            logger,
		PerfTracker:       perfTracker,
		ClassifierTimeout: config.ClassifierTimeout,
		SimilarityEnabled: config.SimilarityEnabled,
	})

	queries := services.NewCaptureQueryService(index, lake, config.MaxCaptureQueryLimit, logger, perfTracker)

	deviceConfig := services.NewDeviceConfigService(hub, ingestion,
		services.TriggerConfig{Enabled: true, IntervalSeconds: 60},
		config.NormalDescription, logger)

	return &Container{
		IngestionService:    ingestion,
		CaptureQueryService: queries,
		DeviceConfigService: deviceConfig,
		Lake:                lake,
		Index:               index,
		Streaks:             streaks,
		Similarity:          similarity,
		Hub:                 hub,
		SimilarityDB:        similarityDB,
		Logger:              logger,
		PerfTracker:         perfTracker,
	}, nil
}

// Close releases the container's long-lived resources.
func (c *Container) Close() {
	c.Hub.Close()
	if c.SimilarityDB != nil {
		if err := c.SimilarityDB.Close(); err != nil {
			c.Logger.Shutdown().Error("Error closing similarity cache database", "error", err.Error())
		}
	}
	if err := c.Logger.Close(); err != nil {
		fmt.Printf("Error closing logger: %v\n", err)
	}
}
