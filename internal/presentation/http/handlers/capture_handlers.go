// Package handlers provides HTTP handlers for the presentation layer.
package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/okmonitor/okmonitor-go/internal/application/services"
	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/performance"
)

// maxCaptureUpload bounds a single capture submission.
const maxCaptureUpload = 10 << 20 // 10 MiB

// CaptureHandlers serves capture submission and dashboard queries.
type CaptureHandlers struct {
	ingestion   *services.IngestionService
	queries     *services.CaptureQueryService
	logger      *logging.ChanneledLogger
	perfTracker *performance.Tracker
}

// NewCaptureHandlers creates capture handlers with injected dependencies.
func NewCaptureHandlers(ingestion *services.IngestionService, queries *services.CaptureQueryService, logger *logging.ChanneledLogger, perfTracker *performance.Tracker) *CaptureHandlers {
	return &CaptureHandlers{
		ingestion:   ingestion,
		queries:     queries,
		logger:      logger,
		perfTracker: perfTracker,
	}
}

// captureView is the externally visible projection of a record. Agent
// reports are anonymized to Agent1/Agent2 at this boundary.
type captureView struct {
	RecordID       string                         `json:"recordId"`
	DeviceID       string                         `json:"deviceId"`
	CapturedAt     time.Time                      `json:"capturedAt"`
	IngestedAt     time.Time                      `json:"ingestedAt"`
	TriggerLabel   string                         `json:"triggerLabel,omitempty"`
	State          string                         `json:"state"`
	Confidence     *float64                       `json:"confidence,omitempty"`
	Reason         string                         `json:"reason,omitempty"`
	AgentReports   map[string]capture.AgentReport `json:"agentReports,omitempty"`
	ImageStored    bool                           `json:"imageStored"`
	ImageURL       string                         `json:"imageUrl,omitempty"`
	ThumbnailURL   string                         `json:"thumbnailUrl,omitempty"`
	FromCache      bool                           `json:"fromCache,omitempty"`
	ImagePersisted bool                           `json:"imagePersisted"`
}

func (h *CaptureHandlers) view(record capture.Record) captureView {
	primary, secondary := h.ingestion.Providers()
	view := captureView{
		RecordID:       record.RecordID,
		DeviceID:       record.DeviceID,
		CapturedAt:     record.CapturedAt,
		IngestedAt:     record.IngestedAt,
		TriggerLabel:   record.TriggerLabel,
		State:          string(record.State),
		Confidence:     record.Confidence,
		Reason:         record.Reason,
		AgentReports:   record.AnonymizedAgentReasons(primary, secondary),
		ImageStored:    record.ImageStored,
		ImagePersisted: record.ImageStored,
	}
	if record.ImageStored {
		view.ImageURL = "/api/v1/captures/" + record.RecordID + "/image"
		view.ThumbnailURL = "/api/v1/captures/" + record.RecordID + "/thumbnail"
	}
	return view
}

// captureSubmission is the JSON submission shape; multipart is the
// preferred transport for devices on constrained links.
type captureSubmission struct {
	DeviceID     string `json:"deviceId"`
	CapturedAt   int64  `json:"capturedAt"` // unix seconds, device clock
	TriggerLabel string `json:"triggerLabel"`
	ImageBase64  string `json:"imageBase64"`
}

// PostCapture handles POST /api/v1/captures. Devices submit either
// multipart form data (fields deviceId, capturedAt, triggerLabel, file
// "image") or a JSON body with base64 image bytes.
func (h *CaptureHandlers) PostCapture(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCaptureUpload)

	req, err := h.parseSubmission(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.ingestion.Ingest(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidCapture):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrPersistence):
			h.logger.Capture().Error("Capture persistence failed", "deviceId", req.DeviceID, "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist capture"})
		default:
			h.logger.Capture().Error("Capture ingestion failed", "deviceId", req.DeviceID, "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "capture ingestion failed"})
		}
		return
	}

	view := h.view(result.Record)
	view.FromCache = result.FromCache
	view.ImagePersisted = result.ImagePersisted
	c.JSON(http.StatusCreated, view)
}

func (h *CaptureHandlers) parseSubmission(c *gin.Context) (services.IngestRequest, error) {
	if file, err := c.FormFile("image"); err == nil {
		opened, openErr := file.Open()
		if openErr != nil {
			return services.IngestRequest{}, errors.New("unreadable image upload")
		}
		defer opened.Close()

		imageBytes, readErr := io.ReadAll(opened)
		if readErr != nil {
			return services.IngestRequest{}, errors.New("unreadable image upload")
		}

		req := services.IngestRequest{
			DeviceID:     c.PostForm("deviceId"),
			TriggerLabel: c.PostForm("triggerLabel"),
			ImageBytes:   imageBytes,
		}
		if raw := c.PostForm("capturedAt"); raw != "" {
			unix, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil {
				return services.IngestRequest{}, errors.New("capturedAt must be unix seconds")
			}
			req.CapturedAt = time.Unix(unix, 0).UTC()
		}
		return req, nil
	}

	var body captureSubmission
	if err := c.ShouldBindJSON(&body); err != nil {
		return services.IngestRequest{}, errors.New("expected multipart form with an image file or a JSON body")
	}

	imageBytes, err := base64.StdEncoding.DecodeString(body.ImageBase64)
	if err != nil {
		return services.IngestRequest{}, errors.New("imageBase64 is not valid base64")
	}

	req := services.IngestRequest{
		DeviceID:     body.DeviceID,
		TriggerLabel: body.TriggerLabel,
		ImageBytes:   imageBytes,
	}
	if body.CapturedAt > 0 {
		req.CapturedAt = time.Unix(body.CapturedAt, 0).UTC()
	}
	return req, nil
}

// GetCaptures handles GET /api/v1/captures with state, deviceId, from,
// to (RFC3339) and limit query parameters.
func (h *CaptureHandlers) GetCaptures(c *gin.Context) {
	params := services.QueryParams{
		State:    c.Query("state"),
		DeviceID: c.Query("deviceId"),
		Limit:    -1, // absent unless the query carries one
	}

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		params.From = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		params.To = parsed
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		params.Limit = limit
	}

	records, err := h.queries.Query(params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	views := make([]captureView, 0, len(records))
	for _, record := range records {
		views = append(views, h.view(record))
	}
	c.JSON(http.StatusOK, gin.H{"captures": views, "count": len(views)})
}

// GetCapture handles GET /api/v1/captures/:recordId.
func (h *CaptureHandlers) GetCapture(c *gin.Context) {
	record, err := h.queries.Get(c.Param("recordId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "capture not found"})
		return
	}
	c.JSON(http.StatusOK, h.view(record))
}

// GetCaptureImage handles GET /api/v1/captures/:recordId/image.
func (h *CaptureHandlers) GetCaptureImage(c *gin.Context) {
	data, err := h.queries.Image(c.Param("recordId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not available"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetCaptureThumbnail handles GET /api/v1/captures/:recordId/thumbnail.
func (h *CaptureHandlers) GetCaptureThumbnail(c *gin.Context) {
	data, err := h.queries.Thumbnail(c.Param("recordId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thumbnail not available"})
		return
	}
	c.Data(http.StatusOK, "image/webp", data)
}
