package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"CREATE INDEX IF NOT EXISTS idx_stg_fire_incidents_position ON stg_fire_incidents_raw(response_timestamp)",
			"CREATE INDEX IF NOT EXISTS idx_stg_fire_incidents_run ON stg_fire_incidents_raw(run_id)",
			"CREATE INDEX IF NOT EXISTS idx_ingest_runs_dataset_start ON ingest_runs(dataset, start_time)",
		}
		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"DROP INDEX IF EXISTS idx_stg_fire_incidents_position",
			"DROP INDEX IF EXISTS idx_stg_fire_incidents_run",
			"DROP INDEX IF EXISTS idx_ingest_runs_dataset_start",
		}
		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}
		return nil
	})
}
