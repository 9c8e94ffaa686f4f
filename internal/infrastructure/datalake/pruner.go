package datalake

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
)

// Pruner deletes capture images older than the retention window on a
// fixed sweep interval. Metadata JSON is never touched, so the audit
// trail survives the images.
type Pruner struct {
	lake      *Lake
	retention time.Duration
	interval  time.Duration
	logger    *logging.ChanneledLogger
}

// NewPruner creates a pruner over the lake.
func NewPruner(lake *Lake, retention, interval time.Duration, logger *logging.ChanneledLogger) *Pruner {
	return &Pruner{lake: lake, retention: retention, interval: interval, logger: logger}
}

// Run sweeps immediately and then on every interval tick until the
// context is cancelled. It is meant to be launched as a goroutine at
// startup.
func (p *Pruner) Run(ctx context.Context) {
	p.sweep()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Datalake().Info("Datalake pruner stopped")
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep removes every image and thumbnail older than the retention
// window, then drops day directories left empty.
func (p *Pruner) sweep() {
	cutoff := time.Now().Add(-p.retention)
	removed := 0

	err := filepath.Walk(p.lake.Root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".jpeg") && !strings.HasSuffix(path, ".webp") {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		if removeErr := os.Remove(path); removeErr != nil {
			p.logger.Datalake().Warn("Failed to prune image", "path", path, "error", removeErr.Error())
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		p.logger.Datalake().Error("Pruner sweep failed", "error", err.Error())
		return
	}

	if removed > 0 {
		p.logger.Datalake().Info("Pruner sweep completed", "imagesRemoved", removed, "retention", p.retention.String())
	}
	p.removeEmptyDayDirs()
}

// removeEmptyDayDirs clears out day/month/year directories whose images
// and metadata are all gone.
func (p *Pruner) removeEmptyDayDirs() {
	var dirs []string
	_ = filepath.Walk(p.lake.Root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && path != p.lake.Root() {
			dirs = append(dirs, path)
		}
		return nil
	})

	// Deepest first so emptied parents collapse too.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		_ = os.Remove(dirs[i])
	}
}
