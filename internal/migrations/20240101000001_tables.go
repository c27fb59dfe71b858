package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

func tables() []interface{} {
	return []interface{}{
		(*models.Incident)(nil),
		(*models.Watermark)(nil),
		(*models.IngestRun)(nil),
	}
}

// Staging, watermark and run log tables.
func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		for _, model := range tables() {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		list := tables()
		for i := len(list) - 1; i >= 0; i-- {
			if _, err := db.NewDropTable().Model(list[i]).IfExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
