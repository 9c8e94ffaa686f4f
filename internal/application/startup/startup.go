// Package startup prepares the application server
package startup

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/okmonitor/okmonitor-go/internal/application/container"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/datalake"
	"github.com/okmonitor/okmonitor-go/internal/presentation/http/server"
	"github.com/okmonitor/okmonitor-go/pkg/config"
)

// Initialize performs the complete startup sequence: container wiring,
// index rebuild, background workers, HTTP server and graceful shutdown.
func Initialize() error {
	setupLogging()

	start := time.Now().UTC()

	ctx, cancelBackgroundTasks := context.WithCancel(context.Background())
	defer cancelBackgroundTasks()

	log.Println("Initializing OK Monitor cloud service...")

	appContainer, err := container.NewContainer()
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}
	defer appContainer.Close()

	logger := appContainer.Logger
	logger.Startup().Info("Container initialization complete - switching to channeled logging")

	// Warm the capture index from the datalake so the dashboard has
	// history immediately after a restart.
	if config.IndexRebuildOnStart {
		rebuildStart := time.Now()
		count, err := appContainer.Lake.Rebuild(config.IndexCapacity, appContainer.Index.Insert)
		if err != nil {
			logger.Startup().Error("Capture index rebuild failed", "error", err.Error())
		} else {
			logger.Startup().Info("Capture index rebuilt",
				"records", count, "duration", time.Since(rebuildStart))
		}
	}

	// Background workers.
	if config.PrunerEnabled {
		pruner := datalake.NewPruner(appContainer.Lake, config.PrunerRetention, config.PrunerSweepInterval, logger)
		go pruner.Run(ctx)
		logger.Startup().Info("Datalake pruner started",
			"retention", config.PrunerRetention.String(), "interval", config.PrunerSweepInterval.String())
	}

	go similarityPruneLoop(ctx, appContainer)
	go perfCleanupLoop(ctx, appContainer)

	// HTTP server.
	port := config.Port
	httpServer := server.New(port, appContainer)

	gracefulShutdown := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.System().Info("Starting HTTP server", "address", ":"+port)
		if err := httpServer.Start(); err != nil {
			logger.System().Error("HTTP server failed", "error", err.Error())
		}
	}()

	logger.Startup().Info("Application startup complete",
		"totalDuration", time.Since(start),
		"port", port,
		"datalakeRoot", config.DatalakeRoot)

	<-gracefulShutdown
	logger.Shutdown().Info("Shutdown signal received, starting graceful shutdown...")

	shutdownStart := time.Now()
	cancelBackgroundTasks()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Shutdown().Info("Stopping HTTP server...")
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Shutdown().Error("Error during server shutdown", "error", err.Error())
	} else {
		logger.Shutdown().Info("HTTP server stopped successfully")
	}

	logger.Shutdown().Info("Application shutdown complete",
		"totalUptime", time.Since(start),
		"shutdownDuration", time.Since(shutdownStart))

	return nil
}

// similarityPruneLoop evicts expired similarity entries periodically so
// stale verdicts do not linger for offline devices.
func similarityPruneLoop(ctx context.Context, appContainer *container.Container) {
	interval := time.Duration(config.SimilarityExpiryMinutes) * time.Minute
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := appContainer.Similarity.PruneExpired(); pruned > 0 {
				appContainer.Logger.Cache().Info("Similarity cache pruned", "entries", pruned)
			}
		}
	}
}

// perfCleanupLoop drops aged performance markers.
func perfCleanupLoop(ctx context.Context, appContainer *container.Container) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			appContainer.PerfTracker.Cleanup()
		}
	}
}

// setupLogging configures application logging
func setupLogging() {
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}
