package stores

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/persistence/database"
)

func quietLogger(t *testing.T) *logging.ChanneledLogger {
	t.Helper()
	logger, err := logging.NewChanneledLogger(&logging.LoggerConfig{
		OutputToFile: true,
		LogDirectory: t.TempDir(),
		JSONFormat:   true,
		DefaultLevel: slog.LevelError,
	})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestSimilarityHitWithinThreshold(t *testing.T) {
	store, err := NewSimilarityStore(nil, 5, time.Hour, quietLogger(t))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	store.Update("cam-1", 0b1111, capture.StateNormal, 0.9, "", "r1")

	// Distance 1: hit.
	if hit := store.Check("cam-1", 0b1110); hit == nil {
		t.Fatal("expected a hit within the threshold")
	} else if hit.State != capture.StateNormal || hit.RecordID != "r1" {
		t.Errorf("hit = %+v", hit)
	}

	// Distance 8: miss.
	if hit := store.Check("cam-1", 0b11111111_1111); hit != nil {
		t.Error("expected a miss beyond the threshold")
	}

	// Other devices never share entries.
	if hit := store.Check("cam-2", 0b1111); hit != nil {
		t.Error("expected a miss for a different device")
	}
}

func TestSimilarityExpiry(t *testing.T) {
	store, err := NewSimilarityStore(nil, 5, time.Minute, quietLogger(t))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	current := time.Now()
	store.now = func() time.Time { return current }

	store.Update("cam-1", 42, capture.StateNormal, 0.9, "", "r1")

	current = current.Add(30 * time.Second)
	if store.Check("cam-1", 42) == nil {
		t.Error("entry should still be fresh at half the expiry")
	}

	current = current.Add(45 * time.Second)
	if store.Check("cam-1", 42) != nil {
		t.Error("expired entry must be a miss")
	}
	// The expired check also evicts.
	current = current.Add(-time.Hour)
	if store.Check("cam-1", 42) != nil {
		t.Error("expired entry should have been evicted")
	}
}

func TestSimilarityPruneExpired(t *testing.T) {
	store, err := NewSimilarityStore(nil, 5, time.Minute, quietLogger(t))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	current := time.Now()
	store.now = func() time.Time { return current }

	store.Update("cam-1", 1, capture.StateNormal, 0.9, "", "r1")
	current = current.Add(2 * time.Minute)
	store.Update("cam-2", 2, capture.StateNormal, 0.9, "", "r2")

	if pruned := store.PruneExpired(); pruned != 1 {
		t.Errorf("pruned %d entries, want 1", pruned)
	}
	if store.Check("cam-2", 2) == nil {
		t.Error("fresh entry must survive pruning")
	}
}

func TestSimilaritySurvivesRestart(t *testing.T) {
	logger := quietLogger(t)
	dbPath := filepath.Join(t.TempDir(), "similarity.db")

	db, err := database.NewConnection("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	store, err := NewSimilarityStore(db, 5, time.Hour, logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	store.Update("cam-1", 99, capture.StateAbnormal, 0.8, "door open", "r1")
	db.Close()

	db2, err := database.NewConnection("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db2.Close()

	restored, err := NewSimilarityStore(db2, 5, time.Hour, logger)
	if err != nil {
		t.Fatalf("restored store: %v", err)
	}

	hit := restored.Check("cam-1", 99)
	if hit == nil {
		t.Fatal("entry should survive a restart")
	}
	if hit.State != capture.StateAbnormal || hit.Reason != "door open" || hit.RecordID != "r1" {
		t.Errorf("restored hit = %+v", hit)
	}
}

func TestSimilarityUpdateOverwrites(t *testing.T) {
	store, err := NewSimilarityStore(nil, 5, time.Hour, quietLogger(t))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	store.Update("cam-1", 1, capture.StateNormal, 0.9, "", "r1")
	store.Update("cam-1", 1, capture.StateAbnormal, 0.7, "smoke", "r2")

	hit := store.Check("cam-1", 1)
	if hit == nil {
		t.Fatal("expected a hit")
	}
	if hit.State != capture.StateAbnormal || hit.RecordID != "r2" {
		t.Errorf("hit = %+v, want the newest verdict", hit)
	}
}
