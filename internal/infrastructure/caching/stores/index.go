package stores

import (
	"sync"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
)

// IndexFilters narrows a capture index query. Zero values mean "no filter".
type IndexFilters struct {
	State    capture.State
	DeviceID string
	From     time.Time
	To       time.Time
}

// CaptureIndex is a bounded, newest-first window over recently ingested
// captures. It is a fast-path cache for the dashboard; the datalake
// remains the durable source of truth.
type CaptureIndex struct {
	capacity int
	entries  []capture.Record
	mu       sync.RWMutex
}

// NewCaptureIndex creates an index holding at most capacity records.
func NewCaptureIndex(capacity int) *CaptureIndex {
	if capacity < 1 {
		capacity = 1
	}
	return &CaptureIndex{
		capacity: capacity,
		entries:  make([]capture.Record, 0, capacity),
	}
}

// Insert places the record at the head of the index, evicting the oldest
// entry when the index is at capacity. Records are inserted only after
// their datalake write succeeded.
func (ci *CaptureIndex) Insert(record capture.Record) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	ci.entries = append(ci.entries, capture.Record{})
	copy(ci.entries[1:], ci.entries)
	ci.entries[0] = record

	if len(ci.entries) > ci.capacity {
		ci.entries = ci.entries[:ci.capacity]
	}
}

// Query returns up to limit records matching the filters, newest-first by
// ingestion time. It is a pure filter + truncate with no side effects.
func (ci *CaptureIndex) Query(filters IndexFilters, limit int) []capture.Record {
	if limit <= 0 {
		return []capture.Record{}
	}

	ci.mu.RLock()
	defer ci.mu.RUnlock()

	results := make([]capture.Record, 0, limit)
	for _, record := range ci.entries {
		if !matches(record, filters) {
			continue
		}
		results = append(results, record)
		if len(results) >= limit {
			break
		}
	}
	return results
}

// Len returns the current number of indexed records.
func (ci *CaptureIndex) Len() int {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return len(ci.entries)
}

// Latest returns the most recent record for the device, if any.
func (ci *CaptureIndex) Latest(deviceID string) (capture.Record, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	for _, record := range ci.entries {
		if deviceID == "" || record.DeviceID == deviceID {
			return record, true
		}
	}
	return capture.Record{}, false
}

func matches(record capture.Record, filters IndexFilters) bool {
	if filters.State != "" && record.State != filters.State {
		return false
	}
	if filters.DeviceID != "" && record.DeviceID != filters.DeviceID {
		return false
	}
	if !filters.From.IsZero() && record.CapturedAt.Before(filters.From) {
		return false
	}
	if !filters.To.IsZero() && record.CapturedAt.After(filters.To) {
		return false
	}
	return true
}
