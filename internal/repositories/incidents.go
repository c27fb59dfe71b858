package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

// DefaultChunkSize bounds the rows written by one INSERT statement.
const DefaultChunkSize = 500

// GetIncident fetches one staged incident by natural key.
func GetIncident(ctx context.Context, db bun.IDB, key models.NaturalKey) (*models.Incident, error) {
	inc := new(models.Incident)
	err := db.NewSelect().
		Model(inc).
		Where("incident_number = ?", key.IncidentNumber).
		Where("exposure_number = ?", key.ExposureNumber).
		Scan(ctx)
	return inc, err
}

// CountIncidents returns the number of staged rows.
func CountIncidents(ctx context.Context, db bun.IDB) (int, error) {
	return db.NewSelect().Model((*models.Incident)(nil)).Count(ctx)
}

// existingKeys returns which of the given keys are already staged.
func existingKeys(ctx context.Context, db bun.IDB, incidents []*models.Incident) (map[models.NaturalKey]bool, error) {
	tuples := make([][]string, len(incidents))
	for i, inc := range incidents {
		tuples[i] = []string{inc.IncidentNumber, inc.ExposureNumber}
	}

	var rows []struct {
		IncidentNumber string `bun:"incident_number"`
		ExposureNumber string `bun:"exposure_number"`
	}
	err := db.NewSelect().
		Model((*models.Incident)(nil)).
		Column("incident_number", "exposure_number").
		Where("(incident_number, exposure_number) IN (?)", bun.In(tuples)).
		Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	out := make(map[models.NaturalKey]bool, len(rows))
	for _, r := range rows {
		out[models.NaturalKey{IncidentNumber: r.IncidentNumber, ExposureNumber: r.ExposureNumber}] = true
	}
	return out, nil
}

// UpsertIncidents merges incidents keyed by (incident_number, exposure_number).
// Existing rows get every non-key column overwritten. The caller provides the
// transaction; incidents must not repeat a key.
func UpsertIncidents(ctx context.Context, db bun.IDB, incidents []*models.Incident) (models.LoadResult, error) {
	var res models.LoadResult
	if len(incidents) == 0 {
		return res, nil
	}

	existing, err := existingKeys(ctx, db, incidents)
	if err != nil {
		return res, fmt.Errorf("lookup existing keys: %w", err)
	}

	q := db.NewInsert().
		Model(&incidents).
		On("CONFLICT (incident_number, exposure_number) DO UPDATE")
	for _, col := range updateColumns(db) {
		q = q.Set("? = EXCLUDED.?", bun.Ident(col), bun.Ident(col))
	}
	if _, err := q.Exec(ctx); err != nil {
		return res, fmt.Errorf("upsert incidents: %w", err)
	}

	for _, inc := range incidents {
		if existing[inc.Key()] {
			res.Updated++
		} else {
			res.Inserted++
		}
	}
	return res, nil
}

// updateColumns lists the staging columns outside the natural key.
func updateColumns(db bun.IDB) []string {
	table := db.Dialect().Tables().Get(reflect.TypeOf((*models.Incident)(nil)).Elem())
	cols := make([]string, 0, len(table.DataFields))
	for _, f := range table.DataFields {
		cols = append(cols, f.Name)
	}
	return cols
}

// StagingLoader writes validated batches to the staging table.
type StagingLoader struct {
	db        *bun.DB
	chunkSize int
	logger    *slog.Logger

	// beforeChunk runs ahead of each chunk inside the transaction.
	beforeChunk func(chunk int) error
}

// NewStagingLoader creates a loader writing chunkSize rows per statement.
func NewStagingLoader(db *bun.DB, chunkSize int, logger *slog.Logger) *StagingLoader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StagingLoader{db: db, chunkSize: chunkSize, logger: logger}
}

// Load merges the batch in a single transaction. Either every row is
// committed or none is, and errors wrap models.ErrStorage.
func (l *StagingLoader) Load(ctx context.Context, incidents []*models.Incident) (models.LoadResult, error) {
	var total models.LoadResult
	if len(incidents) == 0 {
		return total, nil
	}

	now := time.Now().UTC()
	runID := models.RunIDFrom(ctx)
	for _, inc := range incidents {
		inc.IngestedAt = now
		if runID != "" {
			inc.RunID = runID
		}
	}

	start := time.Now()
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		total = models.LoadResult{}
		for i, n := 0, 0; i < len(incidents); i, n = i+l.chunkSize, n+1 {
			if l.beforeChunk != nil {
				if err := l.beforeChunk(n); err != nil {
					return err
				}
			}
			end := min(i+l.chunkSize, len(incidents))
			res, err := UpsertIncidents(ctx, tx, incidents[i:end])
			if err != nil {
				return fmt.Errorf("chunk %d: %w", n, err)
			}
			total.Inserted += res.Inserted
			total.Updated += res.Updated
		}
		return nil
	})
	if err != nil {
		return models.LoadResult{}, fmt.Errorf("%w: %w", models.ErrStorage, err)
	}

	l.logger.DebugContext(ctx, "staging batch committed",
		"rows", len(incidents), "inserted", total.Inserted, "updated", total.Updated, "took", time.Since(start))
	return total, nil
}
