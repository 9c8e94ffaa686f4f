package ai

import (
	"fmt"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
)

// Reconciler merges the two backend outcomes into one final verdict.
// Two answering backends must agree, and agree confidently, before their
// verdict stands; every other combination degrades rather than guesses.
type Reconciler struct {
	confidenceFloor float64
}

// NewReconciler creates a reconciler with the given two-agent confidence
// floor. The floor never applies when only one backend answered.
func NewReconciler(confidenceFloor float64) *Reconciler {
	return &Reconciler{confidenceFloor: confidenceFloor}
}

// Reconcile merges the primary and secondary outcomes:
//
//   - both answered, same state, min confidence at or above the floor:
//     that state wins with the lower of the two confidences, both
//     non-empty reasons joined
//   - both answered but disagree, or agree below the floor: uncertain,
//     with each agent's state and confidence spelled out in the reason
//   - exactly one answered: its state and confidence pass through
//     verbatim, the reason prefixed to note single-agent mode
//   - neither answered: uncertain with zero confidence
//
// Reason texts use the anonymized agent labels so provider names never
// leak through the record's reason field. The per-backend reports are
// retained on every path.
func (r *Reconciler) Reconcile(primary, secondary capture.BackendVerdict) capture.Consensus {
	reports := map[string]capture.AgentReport{
		primary.Provider:   primary.Report(),
		secondary.Provider: secondary.Report(),
	}

	switch {
	case primary.Available() && secondary.Available():
		return r.reconcilePair(*primary.Verdict, *secondary.Verdict, reports)
	case primary.Available():
		return soloConsensus(*primary.Verdict, capture.AgentLabelPrimary, reports)
	case secondary.Available():
		return soloConsensus(*secondary.Verdict, capture.AgentLabelSecondary, reports)
	default:
		return capture.Consensus{
			State:        capture.StateUncertain,
			Confidence:   0,
			Reason:       "classification unavailable",
			AgentReports: reports,
		}
	}
}

func (r *Reconciler) reconcilePair(a, b capture.Verdict, reports map[string]capture.AgentReport) capture.Consensus {
	if a.State != b.State {
		return capture.Consensus{
			State:        capture.StateUncertain,
			Confidence:   0,
			Reason:       fmt.Sprintf("Classifiers disagreed: %s.", pairSummary(a, b)),
			AgentReports: reports,
		}
	}

	confidence := a.Confidence
	if b.Confidence < confidence {
		confidence = b.Confidence
	}

	if confidence < r.confidenceFloor {
		return capture.Consensus{
			State:        capture.StateUncertain,
			Confidence:   confidence,
			Reason:       fmt.Sprintf("Confidence below the %.2f floor: %s.", r.confidenceFloor, pairSummary(a, b)),
			AgentReports: reports,
		}
	}

	return capture.Consensus{
		State:        a.State,
		Confidence:   confidence,
		Reason:       joinReasons(a.Reason, b.Reason),
		AgentReports: reports,
	}
}

// pairSummary renders both verdicts as "Agent1=normal(0.9) vs
// Agent2=abnormal(0.4)" for disagreement and low-confidence reasons.
func pairSummary(a, b capture.Verdict) string {
	return fmt.Sprintf("%s=%s(%g) vs %s=%s(%g)",
		capture.AgentLabelPrimary, string(a.State), a.Confidence,
		capture.AgentLabelSecondary, string(b.State), b.Confidence)
}

// joinReasons concatenates the non-empty reasons of two agreeing agents.
func joinReasons(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	}
	return a + "; " + b
}

// soloConsensus passes the single available verdict's state and
// confidence through unchanged; only the reason is marked as coming from
// one agent.
func soloConsensus(v capture.Verdict, label string, reports map[string]capture.AgentReport) capture.Consensus {
	reason := fmt.Sprintf("%s only", label)
	if v.Reason != "" {
		reason = fmt.Sprintf("%s only: %s", label, v.Reason)
	}
	return capture.Consensus{
		State:        v.State,
		Confidence:   v.Confidence,
		Reason:       reason,
		AgentReports: reports,
	}
}
