// Package services provides application-level orchestration services
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/ai"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/caching/stores"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/datalake"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/email"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/messaging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/performance"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/vision"
)

var (
	// ErrInvalidCapture marks rejected input: missing device, empty or
	// undecodable image bytes.
	ErrInvalidCapture = errors.New("invalid capture submission")

	// ErrPersistence marks a datalake write failure. Nothing is indexed
	// or published when persistence fails.
	ErrPersistence = errors.New("capture persistence failed")
)

// IngestRequest is one capture submission from a device.
type IngestRequest struct {
	DeviceID     string
	CapturedAt   time.Time
	TriggerLabel string
	ImageBytes   []byte
}

// IngestResult reports what the pipeline did with the capture.
type IngestResult struct {
	Record         capture.Record
	FromCache      bool
	ImagePersisted bool
	Published      bool
}

// IngestionService runs the capture decision pipeline: fingerprint,
// similarity short-circuit, dual classification, consensus, streak-based
// image retention, datalake persistence, indexing, and publication.
type IngestionService struct {
	primary     ai.Classifier
	secondary   ai.Classifier
	reconciler  *ai.Reconciler
	streaks     *stores.StreakStore
	similarity  *stores.SimilarityStore
	index       *stores.CaptureIndex
	lake        *datalake.Lake
	hub         *messaging.Hub
	locks       *stores.DeviceLocks
	emailSvc    email.Service
	logger      *logging.ChanneledLogger
	perfTracker *performance.Tracker

	classifierTimeout time.Duration
	similarityEnabled bool
	now               func() time.Time
}

// IngestionDeps bundles the pipeline's collaborators.
type IngestionDeps struct {
	Primary           ai.Classifier
	Secondary         ai.Classifier
	Reconciler        *ai.Reconciler
	Streaks           *stores.StreakStore
	Similarity        *stores.SimilarityStore
	Index             *stores.CaptureIndex
	Lake              *datalake.Lake
	Hub               *messaging.Hub
	Locks             *stores.DeviceLocks
	EmailService      email.Service // nil disables alerting
	Logger            *logging.ChanneledLogger
	PerfTracker       *performance.Tracker
	ClassifierTimeout time.Duration
	SimilarityEnabled bool
}

// NewIngestionService creates the pipeline service.
func NewIngestionService(deps IngestionDeps) *IngestionService {
	return &IngestionService{
		primary:           deps.Primary,
		secondary:         deps.Secondary,
		reconciler:        deps.Reconciler,
		streaks:           deps.Streaks,
		similarity:        deps.Similarity,
		index:             deps.Index,
		lake:              deps.Lake,
		hub:               deps.Hub,
		locks:             deps.Locks,
		emailSvc:          deps.EmailService,
		logger:            deps.Logger,
		perfTracker:       deps.PerfTracker,
		classifierTimeout: deps.ClassifierTimeout,
		similarityEnabled: deps.SimilarityEnabled,
		now:               time.Now,
	}
}

// Ingest runs one capture through the full pipeline. Captures from the
// same device are serialized; different devices proceed concurrently.
// When ctx is cancelled mid-flight the capture is still persisted and
// indexed, but publication to listeners is skipped.
func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	marker := s.perfTracker.StartOperation("ingest_capture", req.DeviceID)
	defer s.perfTracker.CompleteOperation(marker)

	if req.DeviceID == "" {
		marker.SetError(errors.New("missing device id"))
		return IngestResult{}, fmt.Errorf("%w: device id is required", ErrInvalidCapture)
	}
	if len(req.ImageBytes) == 0 {
		marker.SetError(errors.New("empty image"))
		return IngestResult{}, fmt.Errorf("%w: image bytes are required", ErrInvalidCapture)
	}
	if req.TriggerLabel == "" {
		marker.SetError(errors.New("missing trigger label"))
		return IngestResult{}, fmt.Errorf("%w: trigger label is required", ErrInvalidCapture)
	}
	if req.CapturedAt.IsZero() {
		marker.SetError(errors.New("missing capture timestamp"))
		return IngestResult{}, fmt.Errorf("%w: capture timestamp is required", ErrInvalidCapture)
	}
	capturedAt := req.CapturedAt

	fingerprint, err := vision.Fingerprint(req.ImageBytes)
	if err != nil {
		marker.SetError(err)
		return IngestResult{}, fmt.Errorf("%w: %v", ErrInvalidCapture, err)
	}

	record := capture.Record{
		RecordID:     capture.NewRecordID(req.DeviceID, capturedAt, req.ImageBytes),
		DeviceID:     req.DeviceID,
		CapturedAt:   capturedAt,
		TriggerLabel: req.TriggerLabel,
	}

	s.locks.Lock(req.DeviceID)
	defer s.locks.Unlock(req.DeviceID)

	s.hub.Touch(req.DeviceID)

	// The similarity short-circuit only engages once the device's
	// current streak, before this capture, has strictly exceeded the
	// streak threshold. Early captures always get a fresh verdict.
	fromCache := false
	if s.similarityEnabled && s.streaks.Count(req.DeviceID) > s.streaks.Threshold() {
		if cached := s.similarity.Check(req.DeviceID, fingerprint); cached != nil {
			confidence := cached.Confidence
			record.State = cached.State
			record.Confidence = &confidence
			record.Reason = cached.Reason
			fromCache = true
			marker.AddCacheHit()
			s.logger.LogCacheOperation("similarity_check", req.DeviceID, true, time.Since(marker.StartTime))
		} else {
			marker.AddCacheMiss()
		}
	}

	if !fromCache {
		consensus := s.classify(req.ImageBytes, req.DeviceID)
		confidence := consensus.Confidence
		record.State = consensus.State
		record.Confidence = &confidence
		record.Reason = consensus.Reason
		record.AgentReports = consensus.AgentReports
	}

	// The cache entry is refreshed on every decided capture, hits
	// included: the stored fingerprint tracks frame drift and CachedAt
	// reflects the latest confirmation, so a stable scene never expires
	// out from under a device that keeps hitting.
	s.similarity.Update(req.DeviceID, fingerprint, record.State,
		*record.Confidence, record.Reason, record.RecordID)

	decision := s.streaks.Observe(req.DeviceID, record.State)
	record.IngestedAt = s.now()

	stored, err := s.lake.Store(record, req.ImageBytes, decision.PersistImage)
	if err != nil {
		marker.SetError(err)
		return IngestResult{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.index.Insert(stored)

	result := IngestResult{
		Record:         stored,
		FromCache:      fromCache,
		ImagePersisted: decision.PersistImage,
	}

	// Persistence always completes; a cancelled submission just stops
	// short of notifying listeners.
	if ctx.Err() == nil {
		s.publishDecision(stored, fromCache, decision)
		result.Published = true
	} else {
		s.logger.Capture().Warn("Submission cancelled after persistence, skipping publish",
			"recordId", stored.RecordID, "deviceId", stored.DeviceID)
	}

	if stored.State == capture.StateAbnormal {
		s.notifyAbnormal(stored)
	}

	marker.SetSuccess(true)
	marker.AddMetadata("recordId", stored.RecordID)
	marker.AddMetadata("state", string(stored.State))
	marker.AddMetadata("fromCache", fromCache)
	marker.AddMetadata("imagePersisted", decision.PersistImage)

	s.logger.Capture().Info("Capture ingested",
		"recordId", stored.RecordID,
		"deviceId", stored.DeviceID,
		"state", string(stored.State),
		"fromCache", fromCache,
		"imagePersisted", decision.PersistImage,
		"streakReason", decision.Reason)

	return result, nil
}

// classify runs both backends concurrently, each under its own timeout
// that is deliberately independent of the submission context: a device
// hanging up must not abort a classification that is already paid for.
func (s *IngestionService) classify(imageBytes []byte, deviceID string) capture.Consensus {
	marker := s.perfTracker.StartOperation("classify_consensus", deviceID)
	defer s.perfTracker.CompleteOperation(marker)

	var wg sync.WaitGroup
	var primaryVerdict, secondaryVerdict capture.BackendVerdict

	wg.Add(2)
	go func() {
		defer wg.Done()
		primaryVerdict = s.callBackend(s.primary, imageBytes)
	}()
	go func() {
		defer wg.Done()
		secondaryVerdict = s.callBackend(s.secondary, imageBytes)
	}()
	wg.Wait()

	consensus := s.reconciler.Reconcile(primaryVerdict, secondaryVerdict)
	marker.SetSuccess(true)
	marker.AddMetadata("state", string(consensus.State))
	return consensus
}

func (s *IngestionService) callBackend(backend ai.Classifier, imageBytes []byte) capture.BackendVerdict {
	ctx, cancel := context.WithTimeout(context.Background(), s.classifierTimeout)
	defer cancel()

	verdict, err := backend.Classify(ctx, imageBytes)
	if err != nil {
		s.logger.Classify().Warn("Classifier backend unavailable",
			"provider", backend.Provider(), "error", err.Error())
		return capture.Unavailable(backend.Provider(), err.Error())
	}
	return capture.Ok(backend.Provider(), verdict)
}

// publishDecision pushes the decided capture to the device channel (and,
// via the hub's mirror, to broadcast listeners).
func (s *IngestionService) publishDecision(record capture.Record, fromCache bool, decision stores.StreakDecision) {
	payload := map[string]any{
		"recordId":       record.RecordID,
		"state":          string(record.State),
		"reason":         record.Reason,
		"fromCache":      fromCache,
		"imagePersisted": decision.PersistImage,
	}
	if record.Confidence != nil {
		payload["confidence"] = *record.Confidence
	}

	s.hub.Publish(record.DeviceID, messaging.Event{
		Type:     "capture_decided",
		DeviceID: record.DeviceID,
		Payload:  payload,
	})
}

// notifyAbnormal sends the alert email without blocking the pipeline.
func (s *IngestionService) notifyAbnormal(record capture.Record) {
	if s.emailSvc == nil {
		return
	}
	go func() {
		if err := s.emailSvc.SendAbnormalAlert(record); err != nil {
			s.logger.Email().Error("Abnormal alert delivery failed",
				"recordId", record.RecordID, "error", err.Error())
		}
	}()
}

// SetNormalDescription pushes a new normal description into both
// classifier backends at runtime.
func (s *IngestionService) SetNormalDescription(description string) {
	s.primary.SetNormalDescription(description)
	s.secondary.SetNormalDescription(description)
}

// Providers returns the real backend names in (primary, secondary) order.
func (s *IngestionService) Providers() (string, string) {
	return s.primary.Provider(), s.secondary.Provider()
}
