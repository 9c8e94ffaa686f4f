package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/ai"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/caching/stores"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/datalake"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/messaging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/performance"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/vision"
)

// fakeClassifier returns a fixed verdict and counts invocations.
type fakeClassifier struct {
	provider string
	verdict  capture.Verdict
	err      error
	calls    atomic.Int64
}

func (f *fakeClassifier) Classify(ctx context.Context, imageBytes []byte) (capture.Verdict, error) {
	f.calls.Add(1)
	if f.err != nil {
		return capture.Verdict{}, f.err
	}
	return f.verdict, nil
}

func (f *fakeClassifier) Provider() string                 { return f.provider }
func (f *fakeClassifier) SetNormalDescription(desc string) {}

// fakeEmail records alert sends.
type fakeEmail struct {
	sent chan capture.Record
}

func (f *fakeEmail) SendAbnormalAlert(record capture.Record) error {
	f.sent <- record
	return nil
}

type pipelineFixture struct {
	svc       *IngestionService
	primary   *fakeClassifier
	secondary *fakeClassifier
	hub       *messaging.Hub
	streaks   *stores.StreakStore
	email     *fakeEmail
}

func newFixture(t *testing.T, similarityEnabled bool) *pipelineFixture {
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

	lake, err := datalake.NewLake(t.TempDir(), 64, logger)
	if err != nil {
		t.Fatalf("lake: %v", err)
	}

	similarity, err := stores.NewSimilarityStore(nil, 5, time.Hour, logger)
	if err != nil {
		t.Fatalf("similarity store: %v", err)
	}

	primary := &fakeClassifier{provider: "openai", verdict: capture.Verdict{State: capture.StateNormal, Confidence: 0.95}}
	secondary := &fakeClassifier{provider: "gemini", verdict: capture.Verdict{State: capture.StateNormal, Confidence: 0.9}}
	hub := messaging.NewHub(16, 16, logger)
	streaks := stores.NewStreakStore(3, 2)
	mail := &fakeEmail{sent: make(chan capture.Record, 4)}

	svc := NewIngestionService(IngestionDeps{
		Primary:           primary,
		Secondary:         secondary,
		Reconciler:        ai.NewReconciler(0.6),
		Streaks:           streaks,
		Similarity:        similarity,
		Index:             stores.NewCaptureIndex(100),
		Lake:              lake,
		Hub:               hub,
		Locks:             stores.NewDeviceLocks(),
		EmailService:      mail,
		Logger:            logger,
		PerfTracker:       performance.NewTracker(nil),
		ClassifierTimeout: time.Second,
		SimilarityEnabled: similarityEnabled,
	})

	return &pipelineFixture{
		svc:       svc,
		primary:   primary,
		secondary: secondary,
		hub:       hub,
		streaks:   streaks,
		email:     mail,
	}
}

// jpegFill renders a uniform JPEG; jpegCheckerboard a high-contrast one.
// Their perceptual fingerprints are far apart, while re-encodings of the
// same pattern collide.
func jpegFill(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func jpegCheckerboard(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			if (x/4+y/4)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func ingestAt(t *testing.T, f *pipelineFixture, deviceID string, jpeg []byte, at time.Time) IngestResult {
	t.Helper()
	result, err := f.svc.Ingest(context.Background(), IngestRequest{
		DeviceID:     deviceID,
		CapturedAt:   at,
		TriggerLabel: "scheduled",
		ImageBytes:   jpeg,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return result
}

func TestIngestHappyPath(t *testing.T) {
	f := newFixture(t, true)
	sub := f.hub.Subscribe("cam-1")
	defer f.hub.Unsubscribe(sub)

	jpeg := jpegFill(t, color.RGBA{R: 120, G: 120, B: 120, A: 255})
	result := ingestAt(t, f, "cam-1", jpeg, time.Now())

	if result.Record.State != capture.StateNormal {
		t.Errorf("state = %s, want normal", result.Record.State)
	}
	if result.Record.Confidence == nil || *result.Record.Confidence != 0.9 {
		t.Errorf("confidence should be the agreeing minimum 0.9, got %v", result.Record.Confidence)
	}
	if !result.ImagePersisted {
		t.Error("first capture of a streak must persist its image")
	}
	if !result.Published || result.FromCache {
		t.Errorf("result = %+v, want published and not from cache", result)
	}
	if len(result.Record.AgentReports) != 2 {
		t.Errorf("expected 2 agent reports, got %d", len(result.Record.AgentReports))
	}

	select {
	case event := <-sub.Events:
		if event.Type != "capture_decided" {
			t.Errorf("event type = %s, want capture_decided", event.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("expected a capture_decided event on the device channel")
	}
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, true)
	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	now := time.Now()

	tests := []struct {
		name string
		req  IngestRequest
	}{
		{"missing device id", IngestRequest{CapturedAt: now, TriggerLabel: "manual", ImageBytes: jpeg}},
		{"empty image", IngestRequest{DeviceID: "cam-1", CapturedAt: now, TriggerLabel: "manual"}},
		{"missing trigger label", IngestRequest{DeviceID: "cam-1", CapturedAt: now, ImageBytes: jpeg}},
		{"missing capture timestamp", IngestRequest{DeviceID: "cam-1", TriggerLabel: "manual", ImageBytes: jpeg}},
		{"undecodable image", IngestRequest{DeviceID: "cam-1", CapturedAt: now, TriggerLabel: "manual", ImageBytes: []byte("not a jpeg")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Ingest(context.Background(), tt.req); !errors.Is(err, ErrInvalidCapture) {
				t.Errorf("err = %v, want ErrInvalidCapture", err)
			}
		})
	}
	if f.svc.index.Len() != 0 {
		t.Error("rejected submissions must not be recorded")
	}
}

func TestSimilarityDoesNotEngageBelowStreakThreshold(t *testing.T) {
	f := newFixture(t, true)
	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	base := time.Now()

	// Streak threshold is 3; similarity requires count > 3 before the
	// capture, so the first four identical captures all classify.
	for i := 0; i < 4; i++ {
		result := ingestAt(t, f, "cam-1", jpeg, base.Add(time.Duration(i)*time.Second))
		if result.FromCache {
			t.Fatalf("capture %d reused the cache before the streak exceeded the threshold", i+1)
		}
	}
	if calls := f.primary.calls.Load(); calls != 4 {
		t.Errorf("primary classifier called %d times, want 4", calls)
	}
}

func TestSimilarityReusesVerdictOnStableStreak(t *testing.T) {
	f := newFixture(t, true)
	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	base := time.Now()

	for i := 0; i < 4; i++ {
		ingestAt(t, f, "cam-1", jpeg, base.Add(time.Duration(i)*time.Second))
	}
	callsBefore := f.primary.calls.Load()

	// Fifth identical capture: streak is 4 (> 3), fingerprint matches.
	result := ingestAt(t, f, "cam-1", jpeg, base.Add(5*time.Second))
	if !result.FromCache {
		t.Fatal("expected a similarity cache hit on the fifth identical capture")
	}
	if result.Record.State != capture.StateNormal {
		t.Errorf("cached verdict state = %s, want normal", result.Record.State)
	}
	if f.primary.calls.Load() != callsBefore {
		t.Error("classifier must not be called on a similarity hit")
	}

	// A visually different capture must bypass the cache.
	result = ingestAt(t, f, "cam-1", jpegCheckerboard(t), base.Add(6*time.Second))
	if result.FromCache {
		t.Error("a dissimilar capture must be classified fresh")
	}
	if f.primary.calls.Load() != callsBefore+1 {
		t.Error("dissimilar capture should invoke the classifier")
	}
}

func TestSimilarityHitRefreshesCacheEntry(t *testing.T) {
	f := newFixture(t, true)
	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	base := time.Now()

	for i := 0; i < 4; i++ {
		ingestAt(t, f, "cam-1", jpeg, base.Add(time.Duration(i)*time.Second))
	}

	// The fifth capture hits the cache; the entry must still be replaced
	// so it points at the latest confirmation, not the last miss.
	hit := ingestAt(t, f, "cam-1", jpeg, base.Add(5*time.Second))
	if !hit.FromCache {
		t.Fatal("expected a similarity cache hit on the fifth identical capture")
	}

	fingerprint, err := vision.Fingerprint(jpeg)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	cached := f.svc.similarity.Check("cam-1", fingerprint)
	if cached == nil {
		t.Fatal("cache entry should still be present after the hit")
	}
	if cached.RecordID != hit.Record.RecordID {
		t.Errorf("cache entry references record %s, want the hit's record %s",
			cached.RecordID, hit.Record.RecordID)
	}
}

func TestStreakPrunesImagesOnStableRun(t *testing.T) {
	f := newFixture(t, false)
	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	base := time.Now()

	var persisted []int
	for i := 1; i <= 10; i++ {
		result := ingestAt(t, f, "cam-1", jpeg, base.Add(time.Duration(i)*time.Second))
		if result.ImagePersisted {
			persisted = append(persisted, i)
		}
	}

	// Grace window of 3 keeps 1-3; afterwards every 2nd capture is kept.
	want := []int{1, 2, 3, 5, 7, 9}
	if len(persisted) != len(want) {
		t.Fatalf("persisted captures %v, want %v", persisted, want)
	}
	for i := range want {
		if persisted[i] != want[i] {
			t.Fatalf("persisted captures %v, want %v", persisted, want)
		}
	}
}

func TestStateTransitionResetsStreakAndKeepsImage(t *testing.T) {
	f := newFixture(t, false)
	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	base := time.Now()

	for i := 0; i < 6; i++ {
		ingestAt(t, f, "cam-1", jpeg, base.Add(time.Duration(i)*time.Second))
	}

	f.primary.verdict = capture.Verdict{State: capture.StateAbnormal, Confidence: 0.9, Reason: "smoke"}
	f.secondary.verdict = capture.Verdict{State: capture.StateAbnormal, Confidence: 0.85, Reason: "smoke"}

	result := ingestAt(t, f, "cam-1", jpeg, base.Add(10*time.Second))
	if result.Record.State != capture.StateAbnormal {
		t.Fatalf("state = %s, want abnormal", result.Record.State)
	}
	if !result.ImagePersisted {
		t.Error("a state transition must always persist the image")
	}
	if count := f.streaks.Count("cam-1"); count != 1 {
		t.Errorf("streak count after transition = %d, want 1", count)
	}
}

func TestAbnormalCaptureSendsAlert(t *testing.T) {
	f := newFixture(t, false)
	f.primary.verdict = capture.Verdict{State: capture.StateAbnormal, Confidence: 0.9, Reason: "door open"}
	f.secondary.verdict = capture.Verdict{State: capture.StateAbnormal, Confidence: 0.8, Reason: "door open"}

	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	result := ingestAt(t, f, "cam-1", jpeg, time.Now())

	select {
	case record := <-f.email.sent:
		if record.RecordID != result.Record.RecordID {
			t.Errorf("alert for %s, want %s", record.RecordID, result.Record.RecordID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("expected an abnormal alert email")
	}
}

func TestDisagreementYieldsUncertain(t *testing.T) {
	f := newFixture(t, false)
	f.secondary.verdict = capture.Verdict{State: capture.StateAbnormal, Confidence: 0.9, Reason: "shadow"}

	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	result := ingestAt(t, f, "cam-1", jpeg, time.Now())

	if result.Record.State != capture.StateUncertain {
		t.Errorf("state = %s, want uncertain on disagreement", result.Record.State)
	}
}

func TestSingleBackendFailureUsesSurvivor(t *testing.T) {
	f := newFixture(t, false)
	f.secondary.err = errors.New("HTTP 500")
	f.primary.verdict = capture.Verdict{State: capture.StateNormal, Confidence: 0.4}

	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	result := ingestAt(t, f, "cam-1", jpeg, time.Now())

	// Single-backend verdicts bypass the confidence floor.
	if result.Record.State != capture.StateNormal {
		t.Errorf("state = %s, want the survivor's verdict", result.Record.State)
	}
	if result.Record.Confidence == nil || *result.Record.Confidence != 0.4 {
		t.Errorf("confidence = %v, want 0.4 verbatim", result.Record.Confidence)
	}
	if report := result.Record.AgentReports["gemini"]; report.Error == "" {
		t.Error("failed backend must be recorded in the agent reports")
	}
}

func TestCancelledContextPersistsButSkipsPublish(t *testing.T) {
	f := newFixture(t, false)
	sub := f.hub.Subscribe("cam-1")
	defer f.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jpeg := jpegFill(t, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	result, err := f.svc.Ingest(ctx, IngestRequest{
		DeviceID:     "cam-1",
		CapturedAt:   time.Now(),
		TriggerLabel: "manual",
		ImageBytes:   jpeg,
	})
	if err != nil {
		t.Fatalf("ingest under cancelled context should still persist: %v", err)
	}
	if result.Published {
		t.Error("publication must be skipped when the submission was cancelled")
	}

	// The record reached the datalake and the index regardless.
	if f.svc.index.Len() != 1 {
		t.Error("record should be indexed despite cancellation")
	}

	select {
	case event := <-sub.Events:
		t.Errorf("unexpected event %s after cancelled submission", event.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
