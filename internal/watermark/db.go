package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

// DBStore keeps the watermark in the ingest_watermarks table next to the
// staging data.
type DBStore struct {
	db      bun.IDB
	dataset string
}

// NewDBStore creates a store for dataset.
func NewDBStore(db bun.IDB, dataset string) *DBStore {
	return &DBStore{db: db, dataset: dataset}
}

func (s *DBStore) Read(ctx context.Context) (models.Watermark, bool, error) {
	var mark models.Watermark
	err := s.db.NewSelect().Model(&mark).Where("dataset = ?", s.dataset).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Watermark{}, false, nil
	}
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("read watermark: %w", err)
	}
	mark.Position = mark.Position.UTC()
	return mark, true, nil
}

func (s *DBStore) Write(ctx context.Context, position time.Time) error {
	now := time.Now().UTC()
	mark := &models.Watermark{
		Dataset:       s.dataset,
		Position:      position.UTC(),
		LastSuccessAt: now,
		UpdatedAt:     now,
	}
	_, err := s.db.NewInsert().
		Model(mark).
		On("CONFLICT (dataset) DO UPDATE").
		Set("position = CASE WHEN EXCLUDED.position > w.position THEN EXCLUDED.position ELSE w.position END").
		Set("last_success_at = EXCLUDED.last_success_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}

func (s *DBStore) Reset(ctx context.Context) error {
	_, err := s.db.NewDelete().
		Model((*models.Watermark)(nil)).
		Where("dataset = ?", s.dataset).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return nil
}
