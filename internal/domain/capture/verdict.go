package capture

// Verdict is the {state, confidence, reason} answer of one classifier
// backend for one capture.
type Verdict struct {
	State      State   `json:"state"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// BackendVerdict is the tagged outcome of a single backend call: either
// an Ok verdict or an Unavailable sentinel carrying the failure cause.
// Reconciliation pattern-matches on Available rather than trusting
// untyped vendor payloads.
type BackendVerdict struct {
	Provider string
	Verdict  *Verdict
	Cause    string
}

// Ok wraps a successful backend answer.
func Ok(provider string, v Verdict) BackendVerdict {
	return BackendVerdict{Provider: provider, Verdict: &v}
}

// Unavailable marks a backend as disabled or errored for this capture.
func Unavailable(provider, cause string) BackendVerdict {
	return BackendVerdict{Provider: provider, Cause: cause}
}

// Available reports whether the backend produced a usable verdict.
func (b BackendVerdict) Available() bool { return b.Verdict != nil }

// Report converts the outcome into its audit representation.
func (b BackendVerdict) Report() AgentReport {
	if b.Verdict != nil {
		return AgentReport{
			State:      string(b.Verdict.State),
			Confidence: b.Verdict.Confidence,
			Reason:     b.Verdict.Reason,
		}
	}
	return AgentReport{Error: b.Cause}
}

// AgentReport is the per-backend audit entry retained on every record,
// regardless of which reconciliation path produced the final verdict.
type AgentReport struct {
	State      string  `json:"state,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Consensus is the reconciled final decision for one capture.
type Consensus struct {
	State        State
	Confidence   float64
	Reason       string
	AgentReports map[string]AgentReport
}
