// Package capture defines the core domain entities for ingested captures.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// State is the classified condition of a single capture.
type State string

const (
	StateNormal    State = "normal"
	StateAbnormal  State = "abnormal"
	StateUncertain State = "uncertain"
)

// ParseState normalizes free-form classifier labels into a State.
// Vendor models occasionally answer with near-synonyms; anything
// unrecognizable degrades to uncertain rather than normal.
func ParseState(value string) State {
	label := strings.ToLower(strings.TrimSpace(value))
	switch label {
	case "normal", "abnormal", "uncertain":
		return State(label)
	}
	if strings.Contains(label, "abnormal") || strings.Contains(label, "alert") {
		return StateAbnormal
	}
	if strings.Contains(label, "normal") {
		return StateNormal
	}
	return StateUncertain
}

// Valid reports whether s is one of the three known states.
func (s State) Valid() bool {
	switch s {
	case StateNormal, StateAbnormal, StateUncertain:
		return true
	}
	return false
}

// Record is one ingested image event. Records are immutable once built
// by the ingestion pipeline; the index and dashboard only read them.
type Record struct {
	RecordID      string                 `json:"recordId"`
	DeviceID      string                 `json:"deviceId"`
	CapturedAt    time.Time              `json:"capturedAt"`
	IngestedAt    time.Time              `json:"ingestedAt"`
	TriggerLabel  string                 `json:"triggerLabel"`
	State         State                  `json:"state"`
	Confidence    *float64               `json:"confidence,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	AgentReports  map[string]AgentReport `json:"agentReports,omitempty"`
	ImageStored   bool                   `json:"imageStored"`
	ImagePath     string                 `json:"imagePath,omitempty"`
	ThumbnailPath string                 `json:"thumbnailPath,omitempty"`
}

// NewRecordID derives the globally unique record identifier from the
// originating device, the device-side capture clock and the image content.
func NewRecordID(deviceID string, capturedAt time.Time, imageBytes []byte) string {
	sum := sha256.Sum256(imageBytes)
	return fmt.Sprintf("%s_%d_%s", deviceID, capturedAt.UTC().Unix(), hex.EncodeToString(sum[:6]))
}

// Anonymized agent labels used at the external interface boundary. The
// record itself keeps real provider names as the source of truth.
const (
	AgentLabelPrimary   = "Agent1"
	AgentLabelSecondary = "Agent2"
)

// AnonymizedAgentReasons projects provider-keyed agent reports onto the
// Agent1/Agent2 aliases exposed to the dashboard and devices.
func (r *Record) AnonymizedAgentReasons(primaryProvider, secondaryProvider string) map[string]AgentReport {
	if len(r.AgentReports) == 0 {
		return nil
	}
	out := make(map[string]AgentReport, len(r.AgentReports))
	for provider, report := range r.AgentReports {
		switch provider {
		case primaryProvider:
			out[AgentLabelPrimary] = report
		case secondaryProvider:
			out[AgentLabelSecondary] = report
		default:
			out[provider] = report
		}
	}
	return out
}
