// Package ai provides the vendor classifier adapters and the consensus
// reconciler that merges their verdicts.
package ai

import (
	"context"
	"strings"
	"sync"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
)

// Classifier is one vendor classification backend. Implementations treat
// the vendor call as opaque I/O bounded by the context deadline.
type Classifier interface {
	// Classify labels the supplied JPEG bytes as normal/abnormal/uncertain.
	Classify(ctx context.Context, imageBytes []byte) (capture.Verdict, error)
	// Provider returns the real backend name used in logs and audit records.
	Provider() string
	// SetNormalDescription swaps the guidance string applied to the next
	// classification call; no restart required.
	SetNormalDescription(description string)
}

// guidance holds the runtime-updatable normal description shared by the
// vendor adapters.
type guidance struct {
	mu          sync.RWMutex
	description string
}

func (g *guidance) Set(description string) {
	g.mu.Lock()
	g.description = strings.TrimSpace(description)
	g.mu.Unlock()
}

func (g *guidance) Get() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.description
}

const systemPrompt = "You are an inspection classifier for machine captures. " +
	"Analyse each image and decide whether it is Normal, Abnormal, or Uncertain. " +
	"Only respond with JSON describing your decision."

// buildPrompt renders the per-capture user prompt around the current
// normal description.
func buildPrompt(normalDescription string) string {
	description := strings.TrimSpace(normalDescription)
	if description == "" {
		description = "No normal description provided."
	}
	return "Use the following description of a normal capture as context:\n" +
		description + "\n\n" +
		"Label the supplied image as one of: Normal, Abnormal, or Uncertain.\n" +
		"Return a JSON object with fields 'state' (lowercase label), 'confidence' (float between 0 and 1), " +
		"and 'reason' (short explanation for abnormal results; use null for other states)."
}

// verdictPayload is the JSON shape both vendors are prompted to return.
type verdictPayload struct {
	State      string   `json:"state"`
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
	Score      *float64 `json:"score"`
	Reason     string   `json:"reason"`
}

// toVerdict normalizes a parsed vendor payload into a domain verdict.
func (p verdictPayload) toVerdict() (capture.Verdict, bool) {
	raw := p.State
	if raw == "" {
		raw = p.Label
	}
	if raw == "" {
		return capture.Verdict{}, false
	}

	confidence := 0.0
	if p.Confidence != nil {
		confidence = *p.Confidence
	} else if p.Score != nil {
		confidence = *p.Score
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	verdict := capture.Verdict{
		State:      capture.ParseState(raw),
		Confidence: confidence,
		Reason:     strings.TrimSpace(p.Reason),
	}
	if verdict.State == capture.StateAbnormal && verdict.Reason == "" {
		verdict.Reason = "Model marked capture as abnormal but did not provide details."
	}
	return verdict, true
}
