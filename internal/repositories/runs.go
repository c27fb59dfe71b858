package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

// RecordRun appends a cycle outcome to the run log.
func RecordRun(ctx context.Context, db bun.IDB, run *models.IngestRun) error {
	_, err := db.NewInsert().Model(run).Exec(ctx)
	return err
}

// RecentRuns returns the latest runs for a dataset, newest first.
func RecentRuns(ctx context.Context, db bun.IDB, dataset string, limit int) ([]*models.IngestRun, error) {
	var runs []*models.IngestRun
	err := db.NewSelect().
		Model(&runs).
		Where("dataset = ?", dataset).
		OrderExpr("start_time DESC, id DESC").
		Limit(limit).
		Scan(ctx)
	return runs, err
}

// RunLog records cycle outcomes into ingest_runs.
type RunLog struct {
	db bun.IDB
}

func NewRunLog(db bun.IDB) *RunLog {
	return &RunLog{db: db}
}

func (r *RunLog) RecordRun(ctx context.Context, run *models.IngestRun) error {
	return RecordRun(ctx, r.db, run)
}
