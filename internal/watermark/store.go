// Package watermark persists the highest position committed to staging.
//
// Stores assume a single writer; the scheduler that launches cycles is
// responsible for never running two against the same dataset.
package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

const (
	BackendDatabase = "database"
	BackendFile     = "file"
	BackendS3       = "s3"
)

// Store reads and durably writes the watermark of one dataset.
type Store interface {
	// Read returns the current watermark; ok is false when none was written.
	Read(ctx context.Context) (mark models.Watermark, ok bool, err error)
	// Write records a successful commit at position and refreshes the
	// last-success time. The stored position never moves backwards: an older
	// position only refreshes the timestamp. It returns only once the value
	// is durable.
	Write(ctx context.Context, position time.Time) error
	// Reset removes the watermark so the next cycle backfills.
	Reset(ctx context.Context) error
}

// later returns the greater of the stored and the proposed position.
func later(current models.Watermark, ok bool, position time.Time) time.Time {
	if ok && current.Position.After(position) {
		return current.Position
	}
	return position
}

// document is the serialized form used by the file and object backends.
type document struct {
	Dataset       string    `json:"dataset"`
	Position      time.Time `json:"position"`
	LastSuccessAt time.Time `json:"last_success_at"`
}

func encode(dataset string, position, now time.Time) ([]byte, error) {
	return json.MarshalIndent(document{
		Dataset:       dataset,
		Position:      position.UTC(),
		LastSuccessAt: now.UTC(),
	}, "", "  ")
}

func decode(dataset string, data []byte) (models.Watermark, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return models.Watermark{}, fmt.Errorf("decode watermark: %w", err)
	}
	if doc.Dataset != "" && doc.Dataset != dataset {
		return models.Watermark{}, fmt.Errorf("watermark belongs to dataset %q, not %q", doc.Dataset, dataset)
	}
	if doc.Position.IsZero() {
		return models.Watermark{}, fmt.Errorf("watermark has no position")
	}
	return models.Watermark{
		Dataset:       dataset,
		Position:      doc.Position.UTC(),
		LastSuccessAt: doc.LastSuccessAt.UTC(),
		UpdatedAt:     doc.LastSuccessAt.UTC(),
	}, nil
}
