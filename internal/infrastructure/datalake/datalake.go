// Package datalake is the durable filesystem store for capture records:
// metadata JSON for every capture, plus the JPEG and a webp thumbnail for
// captures whose image survived the streak decision.
package datalake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/chai2010/webp"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
)

// Lake stores records under root/YYYY/MM/DD/. Metadata is written for
// every capture; image bytes only when the pipeline decided to keep them.
type Lake struct {
	root           string
	thumbnailWidth int
	logger         *logging.ChanneledLogger
}

// NewLake creates the store, ensuring the root directory exists.
func NewLake(root string, thumbnailWidth int, logger *logging.ChanneledLogger) (*Lake, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("datalake root %s: %w", root, err)
	}
	if thumbnailWidth < 1 {
		thumbnailWidth = 320
	}
	return &Lake{root: root, thumbnailWidth: thumbnailWidth, logger: logger}, nil
}

// Root returns the lake's base directory.
func (l *Lake) Root() string { return l.root }

// dayDir returns the directory for the record's capture date.
func (l *Lake) dayDir(capturedAt time.Time) string {
	utc := capturedAt.UTC()
	return filepath.Join(l.root,
		fmt.Sprintf("%04d", utc.Year()),
		fmt.Sprintf("%02d", int(utc.Month())),
		fmt.Sprintf("%02d", utc.Day()))
}

// Store persists the record's metadata and, when persistImage is set, the
// JPEG alongside a downscaled webp thumbnail. The returned record carries
// the relative image and thumbnail paths. Metadata is written last so a
// metadata file always refers to images that exist.
func (l *Lake) Store(record capture.Record, imageBytes []byte, persistImage bool) (capture.Record, error) {
	dir := l.dayDir(record.CapturedAt)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return record, fmt.Errorf("create datalake day directory: %w", err)
	}

	record.ImageStored = persistImage
	if persistImage {
		imagePath := filepath.Join(dir, record.RecordID+".jpeg")
		if err := os.WriteFile(imagePath, imageBytes, 0644); err != nil {
			return record, fmt.Errorf("write capture image: %w", err)
		}
		rel, err := filepath.Rel(l.root, imagePath)
		if err != nil {
			rel = imagePath
		}
		record.ImagePath = rel

		if thumbPath, err := l.writeThumbnail(dir, record.RecordID, imageBytes); err != nil {
			l.logger.Datalake().Warn("Thumbnail generation failed",
				"recordId", record.RecordID, "error", err.Error())
		} else {
			if rel, relErr := filepath.Rel(l.root, thumbPath); relErr == nil {
				record.ThumbnailPath = rel
			} else {
				record.ThumbnailPath = thumbPath
			}
		}
	}

	metadata, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return record, fmt.Errorf("encode record metadata: %w", err)
	}
	metadataPath := filepath.Join(dir, record.RecordID+".json")
	if err := os.WriteFile(metadataPath, metadata, 0644); err != nil {
		return record, fmt.Errorf("write record metadata: %w", err)
	}

	l.logger.Datalake().Debug("Record stored",
		"recordId", record.RecordID, "deviceId", record.DeviceID, "imageStored", persistImage)
	return record, nil
}

// writeThumbnail renders a width-bounded webp preview next to the JPEG.
func (l *Lake) writeThumbnail(dir, recordID string, imageBytes []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	// Height 0 preserves aspect ratio.
	thumb := imaging.Resize(img, l.thumbnailWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, thumb, &webp.Options{Quality: 80}); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	thumbPath := filepath.Join(dir, recordID+"_thumb.webp")
	if err := os.WriteFile(thumbPath, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	return thumbPath, nil
}

// LoadMetadata reads one record by id. The capture date is embedded in
// the record id, so no directory scan is needed.
func (l *Lake) LoadMetadata(recordID string) (capture.Record, error) {
	dir, err := l.dirForRecordID(recordID)
	if err != nil {
		return capture.Record{}, err
	}

	data, err := os.ReadFile(filepath.Join(dir, recordID+".json"))
	if err != nil {
		return capture.Record{}, fmt.Errorf("read record %s: %w", recordID, err)
	}

	var record capture.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return capture.Record{}, fmt.Errorf("decode record %s: %w", recordID, err)
	}
	return record, nil
}

// FindImage returns the stored JPEG for the record, or an error if the
// image was pruned by the streak policy or the retention sweep.
func (l *Lake) FindImage(recordID string) ([]byte, error) {
	dir, err := l.dirForRecordID(recordID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, recordID+".jpeg"))
	if err != nil {
		return nil, fmt.Errorf("image for record %s: %w", recordID, err)
	}
	return data, nil
}

// FindThumbnail returns the stored webp thumbnail for the record.
func (l *Lake) FindThumbnail(recordID string) ([]byte, error) {
	dir, err := l.dirForRecordID(recordID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, recordID+"_thumb.webp"))
	if err != nil {
		return nil, fmt.Errorf("thumbnail for record %s: %w", recordID, err)
	}
	return data, nil
}

// dirForRecordID derives the day directory from the unix timestamp baked
// into the record id (<device>_<unix>_<hash>).
func (l *Lake) dirForRecordID(recordID string) (string, error) {
	parts := strings.Split(recordID, "_")
	if len(parts) < 3 {
		return "", fmt.Errorf("malformed record id %q", recordID)
	}

	var unix int64
	if _, err := fmt.Sscanf(parts[len(parts)-2], "%d", &unix); err != nil {
		return "", fmt.Errorf("malformed record id %q: %w", recordID, err)
	}
	return l.dayDir(time.Unix(unix, 0)), nil
}

// Rebuild walks the lake newest-first and feeds up to limit records to
// insert, oldest-first so the index ends up newest-at-head. It is called
// once at startup to warm the in-memory index from disk.
func (l *Lake) Rebuild(limit int, insert func(capture.Record)) (int, error) {
	var records []capture.Record

	err := filepath.Walk(l.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			l.logger.Datalake().Warn("Skipping unreadable metadata file", "path", path, "error", readErr.Error())
			return nil
		}

		var record capture.Record
		if unmarshalErr := json.Unmarshal(data, &record); unmarshalErr != nil {
			l.logger.Datalake().Warn("Skipping malformed metadata file", "path", path, "error", unmarshalErr.Error())
			return nil
		}

		records = append(records, record)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk datalake: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].IngestedAt.Before(records[j].IngestedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	for _, record := range records {
		insert(record)
	}

	l.logger.Datalake().Info("Capture index rebuilt from datalake", "records", len(records))
	return len(records), nil
}
