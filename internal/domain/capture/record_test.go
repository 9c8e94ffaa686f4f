package capture

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		input string
		want  State
	}{
		{"normal", StateNormal},
		{"Normal", StateNormal},
		{"  NORMAL  ", StateNormal},
		{"abnormal", StateAbnormal},
		{"Abnormal - smoke visible", StateAbnormal},
		{"alert", StateAbnormal},
		{"uncertain", StateUncertain},
		{"ok but normal-ish", StateNormal},
		{"no idea", StateUncertain},
		{"", StateUncertain},
	}

	for _, tt := range tests {
		if got := ParseState(tt.input); got != tt.want {
			t.Errorf("ParseState(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestNewRecordID(t *testing.T) {
	capturedAt := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	image := []byte("jpeg bytes")

	id := NewRecordID("cam-1", capturedAt, image)

	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		t.Fatalf("id %q should have three underscore-separated parts", id)
	}
	if parts[0] != "cam-1" {
		t.Errorf("device part = %q", parts[0])
	}
	if parts[1] != strconv.FormatInt(capturedAt.Unix(), 10) {
		t.Errorf("timestamp part = %q, want unix seconds", parts[1])
	}
	if len(parts[2]) != 12 {
		t.Errorf("hash part %q should be 12 hex chars (6 bytes)", parts[2])
	}

	// Same inputs are stable; different image bytes change the id.
	if NewRecordID("cam-1", capturedAt, image) != id {
		t.Error("record id must be deterministic")
	}
	if NewRecordID("cam-1", capturedAt, []byte("other")) == id {
		t.Error("different image bytes must produce a different id")
	}
}

func TestAnonymizedAgentReasons(t *testing.T) {
	record := Record{
		AgentReports: map[string]AgentReport{
			"openai": {State: "normal", Confidence: 0.9},
			"gemini": {State: "abnormal", Confidence: 0.8, Reason: "smoke"},
		},
	}

	out := record.AnonymizedAgentReasons("openai", "gemini")
	if len(out) != 2 {
		t.Fatalf("got %d entries, want 2", len(out))
	}
	if out[AgentLabelPrimary].State != "normal" {
		t.Errorf("Agent1 = %+v, want the primary's report", out[AgentLabelPrimary])
	}
	if out[AgentLabelSecondary].Reason != "smoke" {
		t.Errorf("Agent2 = %+v, want the secondary's report", out[AgentLabelSecondary])
	}
	for key := range out {
		if key == "openai" || key == "gemini" {
			t.Errorf("real provider name %q leaked through anonymization", key)
		}
	}

	var empty Record
	if empty.AnonymizedAgentReasons("openai", "gemini") != nil {
		t.Error("record without reports should anonymize to nil")
	}
}
