// Package stores provides the in-memory state stores backing the capture
// ingestion pipeline: per-device streaks, the similarity cache and the
// recent-capture index.
package stores

import (
	"fmt"
	"sync"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
)

// StreakState is the per-device rolling count of consecutive identical
// verdicts. It is mutated exactly once per ingested capture, under the
// pipeline's per-device lock.
type StreakState struct {
	DeviceID                   string        `json:"deviceId"`
	CurrentState               capture.State `json:"currentState"`
	ConsecutiveCount           int           `json:"consecutiveCount"`
	CapturesSinceLastKeptImage int           `json:"capturesSinceLastKeptImage"`
}

// StreakDecision is the image-persistence verdict for one capture.
// Metadata is always recorded; only the JPEG write is skipped when
// PersistImage is false.
type StreakDecision struct {
	PersistImage bool
	Reason       string
}

// StreakStore tracks one StreakState per device, created lazily on the
// first capture.
type StreakStore struct {
	threshold int // grace window of always-kept captures per streak
	keepEvery int // after the grace window, keep every n-th image
	states    map[string]*StreakState
	mu        sync.RWMutex
}

// NewStreakStore creates a streak store. threshold=0 disables the grace
// window entirely; keepEvery=1 effectively disables pruning.
func NewStreakStore(threshold, keepEvery int) *StreakStore {
	if keepEvery < 1 {
		keepEvery = 1
	}
	return &StreakStore{
		threshold: threshold,
		keepEvery: keepEvery,
		states:    make(map[string]*StreakState),
	}
}

// Observe folds one classified capture into the device's streak and
// returns whether its image should be persisted.
func (s *StreakStore) Observe(deviceID string, state capture.State) StreakDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.states[deviceID]
	if !exists {
		st = &StreakState{DeviceID: deviceID}
		s.states[deviceID] = st
	}

	if !exists || st.CurrentState != state {
		// A state transition is always visually interesting.
		st.CurrentState = state
		st.ConsecutiveCount = 1
		st.CapturesSinceLastKeptImage = 0
		return StreakDecision{PersistImage: true, Reason: fmt.Sprintf("state changed to %s", state)}
	}

	st.ConsecutiveCount++

	if st.ConsecutiveCount <= s.threshold {
		st.CapturesSinceLastKeptImage = 0
		return StreakDecision{
			PersistImage: true,
			Reason:       fmt.Sprintf("streak %d within grace window of %d", st.ConsecutiveCount, s.threshold),
		}
	}

	st.CapturesSinceLastKeptImage++
	if st.CapturesSinceLastKeptImage >= s.keepEvery {
		st.CapturesSinceLastKeptImage = 0
		return StreakDecision{
			PersistImage: true,
			Reason:       fmt.Sprintf("keeping every %d-th capture of stable %s streak", s.keepEvery, state),
		}
	}

	return StreakDecision{
		PersistImage: false,
		Reason:       fmt.Sprintf("pruned: %s streak at %d captures", state, st.ConsecutiveCount),
	}
}

// Count returns the device's current consecutive-verdict count, zero when
// the device has never been observed.
func (s *StreakStore) Count(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, exists := s.states[deviceID]; exists {
		return st.ConsecutiveCount
	}
	return 0
}

// Threshold exposes the configured streak activation threshold so the
// pipeline can gate similarity reuse on it.
func (s *StreakStore) Threshold() int { return s.threshold }

// State returns a copy of the device's streak state for diagnostics.
func (s *StreakStore) State(deviceID string) (StreakState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, exists := s.states[deviceID]; exists {
		return *st, true
	}
	return StreakState{}, false
}
