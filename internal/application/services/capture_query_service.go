package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/caching/stores"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/datalake"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/performance"
)

// ErrRecordNotFound marks a lookup for a record or image that does not
// exist in the index or the datalake.
var ErrRecordNotFound = errors.New("capture record not found")

// CaptureQueryService serves dashboard reads: recent-capture listings
// from the in-memory index and image fetches from the datalake.
type CaptureQueryService struct {
	index       *stores.CaptureIndex
	lake        *datalake.Lake
	logger      *logging.ChanneledLogger
	perfTracker *performance.Tracker
	maxLimit    int
}

// NewCaptureQueryService creates a new capture query service.
func NewCaptureQueryService(index *stores.CaptureIndex, lake *datalake.Lake, maxLimit int, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *CaptureQueryService {
	if maxLimit < 1 {
		maxLimit = 100
	}
	return &CaptureQueryService{
		index:       index,
		lake:        lake,
		logger:      logger,
		perfTracker: perfTracker,
		maxLimit:    maxLimit,
	}
}

// QueryParams narrows a capture listing. Limit < 0 means the caller did
// not ask for one; an explicit 0 yields an empty result.
type QueryParams struct {
	State    string
	DeviceID string
	From     time.Time
	To       time.Time
	Limit    int
}

// Query returns recent captures newest-first. An absent limit falls back
// to the configured maximum, oversized limits are clamped to it, and an
// explicit zero returns no records; an unknown state filter is rejected.
func (s *CaptureQueryService) Query(params QueryParams) ([]capture.Record, error) {
	marker := s.perfTracker.StartOperation("query_captures", params.DeviceID)
	defer s.perfTracker.CompleteOperation(marker)

	filters := stores.IndexFilters{
		DeviceID: params.DeviceID,
		From:     params.From,
		To:       params.To,
	}
	if params.State != "" {
		state := capture.State(params.State)
		if !state.Valid() {
			marker.SetError(fmt.Errorf("unknown state filter %q", params.State))
			return nil, fmt.Errorf("unknown state filter %q", params.State)
		}
		filters.State = state
	}

	limit := params.Limit
	if limit < 0 || limit > s.maxLimit {
		limit = s.maxLimit
	}

	records := s.index.Query(filters, limit)
	marker.SetSuccess(true)
	marker.AddMetadata("results", len(records))
	return records, nil
}

// Get returns one record by id, falling back to the datalake when the
// record has already rotated out of the in-memory index.
func (s *CaptureQueryService) Get(recordID string) (capture.Record, error) {
	if record, found := s.findInIndex(recordID); found {
		return record, nil
	}

	record, err := s.lake.LoadMetadata(recordID)
	if err != nil {
		return capture.Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	return record, nil
}

// Image returns the stored JPEG for a record.
func (s *CaptureQueryService) Image(recordID string) ([]byte, error) {
	data, err := s.lake.FindImage(recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: image for %s", ErrRecordNotFound, recordID)
	}
	return data, nil
}

// Thumbnail returns the stored webp preview for a record.
func (s *CaptureQueryService) Thumbnail(recordID string) ([]byte, error) {
	data, err := s.lake.FindThumbnail(recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: thumbnail for %s", ErrRecordNotFound, recordID)
	}
	return data, nil
}

// Latest returns the device's most recent capture, if any.
func (s *CaptureQueryService) Latest(deviceID string) (capture.Record, bool) {
	return s.index.Latest(deviceID)
}

func (s *CaptureQueryService) findInIndex(recordID string) (capture.Record, bool) {
	for _, record := range s.index.Query(stores.IndexFilters{}, s.index.Len()) {
		if record.RecordID == recordID {
			return record, true
		}
	}
	return capture.Record{}, false
}
