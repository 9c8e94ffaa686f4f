package stores

import (
	"database/sql"
	"sync"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/persistence/database"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/vision"
)

// SimilarityEntry is the per-device reuse candidate: the fingerprint and
// verdict of the device's most recent classification.
type SimilarityEntry struct {
	DeviceID    string
	Fingerprint uint64
	State       capture.State
	Confidence  float64
	Reason      string
	RecordID    string
	CachedAt    time.Time
}

// CachedVerdict is what a similarity hit hands back to the pipeline.
type CachedVerdict struct {
	State      capture.State
	Confidence float64
	Reason     string
	RecordID   string
}

// SimilarityStore caches the last fingerprint+verdict per device so that
// visually unchanged captures can skip classification entirely. Entries
// are written through to a sqlite key-value table so the cache survives
// process restarts; in-memory state is authoritative between writes
// (last-writer-wins per device).
type SimilarityStore struct {
	db        *database.DB
	logger    *logging.ChanneledLogger
	threshold int           // max Hamming distance counted as a match
	expiry    time.Duration // 0 = entries never expire
	entries   map[string]*SimilarityEntry
	mu        sync.RWMutex
	now       func() time.Time
}

const similaritySchema = `
CREATE TABLE IF NOT EXISTS similarity_cache (
	device_id   TEXT PRIMARY KEY,
	fingerprint INTEGER NOT NULL,
	state       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	reason      TEXT,
	record_id   TEXT NOT NULL,
	cached_at   TEXT NOT NULL
)`

// NewSimilarityStore creates the store and loads any surviving entries
// from the backing database. db may be nil, in which case the cache is
// memory-only. Unreadable rows are dropped; cache corruption is treated
// as a miss, never as a failure.
func NewSimilarityStore(db *database.DB, threshold int, expiry time.Duration, logger *logging.ChanneledLogger) (*SimilarityStore, error) {
	s := &SimilarityStore{
		db:        db,
		logger:    logger,
		threshold: threshold,
		expiry:    expiry,
		entries:   make(map[string]*SimilarityEntry),
		now:       time.Now,
	}

	if db != nil {
		if _, err := db.Exec(similaritySchema); err != nil {
			return nil, err
		}
		s.load()
	}

	return s, nil
}

// load restores persisted entries into memory. Malformed rows are skipped.
func (s *SimilarityStore) load() {
	rows, err := s.db.Query(`SELECT device_id, fingerprint, state, confidence, reason, record_id, cached_at FROM similarity_cache`)
	if err != nil {
		s.logger.Cache().Warn("Similarity cache load failed, starting empty", "error", err.Error())
		return
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var (
			entry       SimilarityEntry
			fingerprint int64
			reason      sql.NullString
			cachedAt    string
		)
		if err := rows.Scan(&entry.DeviceID, &fingerprint, &entry.State, &entry.Confidence, &reason, &entry.RecordID, &cachedAt); err != nil {
			s.logger.Cache().Warn("Skipping malformed similarity cache row", "error", err.Error())
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, cachedAt)
		if err != nil {
			s.logger.Cache().Warn("Skipping similarity cache row with bad timestamp", "deviceId", entry.DeviceID, "cachedAt", cachedAt)
			continue
		}
		entry.Fingerprint = uint64(fingerprint)
		entry.Reason = reason.String
		entry.CachedAt = parsed
		s.entries[entry.DeviceID] = &entry
		loaded++
	}

	if loaded > 0 {
		s.logger.Cache().Info("Similarity cache restored", "entries", loaded)
	}
}

// Check returns the cached verdict when the new fingerprint is within the
// similarity threshold of the device's stored entry and the entry has not
// expired. Expired entries are evicted on the spot.
func (s *SimilarityStore) Check(deviceID string, fingerprint uint64) *CachedVerdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[deviceID]
	if !exists {
		return nil
	}

	if s.expiry > 0 && s.now().Sub(entry.CachedAt) > s.expiry {
		delete(s.entries, deviceID)
		s.deleteRow(deviceID)
		return nil
	}

	if vision.Distance(entry.Fingerprint, fingerprint) > s.threshold {
		return nil
	}

	return &CachedVerdict{
		State:      entry.State,
		Confidence: entry.Confidence,
		Reason:     entry.Reason,
		RecordID:   entry.RecordID,
	}
}

// Update stores the newly observed fingerprint+verdict for the device,
// unconditionally overwriting any prior entry, and writes it through to
// the backing table. Persistence is best-effort.
func (s *SimilarityStore) Update(deviceID string, fingerprint uint64, state capture.State, confidence float64, reason, recordID string) {
	entry := &SimilarityEntry{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		State:       state,
		Confidence:  confidence,
		Reason:      reason,
		RecordID:    recordID,
		CachedAt:    s.now(),
	}

	s.mu.Lock()
	s.entries[deviceID] = entry
	s.mu.Unlock()

	if s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO similarity_cache (device_id, fingerprint, state, confidence, reason, record_id, cached_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			state = excluded.state,
			confidence = excluded.confidence,
			reason = excluded.reason,
			record_id = excluded.record_id,
			cached_at = excluded.cached_at`,
		deviceID, int64(fingerprint), string(state), confidence, reason, recordID,
		entry.CachedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Cache().Warn("Similarity cache persistence failed", "deviceId", deviceID, "error", err.Error())
	}
}

// PruneExpired drops every entry older than the configured expiry.
func (s *SimilarityStore) PruneExpired() int {
	if s.expiry <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.expiry)
	pruned := 0
	for deviceID, entry := range s.entries {
		if entry.CachedAt.Before(cutoff) {
			delete(s.entries, deviceID)
			s.deleteRow(deviceID)
			pruned++
		}
	}
	return pruned
}

func (s *SimilarityStore) deleteRow(deviceID string) {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec(`DELETE FROM similarity_cache WHERE device_id = ?`, deviceID); err != nil {
		s.logger.Cache().Warn("Similarity cache eviction failed", "deviceId", deviceID, "error", err.Error())
	}
}
