package migrations

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

// RunMigrations runs all pending migrations.
func RunMigrations(ctx context.Context, db *bun.DB) error {
	migrator := migrate.NewMigrator(db, Migrations)

	if err := migrator.Init(ctx); err != nil {
		return err
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		slog.InfoContext(ctx, "no new migrations to run")
		return nil
	}

	slog.InfoContext(ctx, "migrated", "group", group.String())
	return nil
}

// RollbackMigrations reverts the last applied migration group.
func RollbackMigrations(ctx context.Context, db *bun.DB) error {
	migrator := migrate.NewMigrator(db, Migrations)

	if err := migrator.Init(ctx); err != nil {
		return err
	}

	group, err := migrator.Rollback(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		slog.InfoContext(ctx, "no migrations to roll back")
		return nil
	}

	slog.InfoContext(ctx, "rolled back", "group", group.String())
	return nil
}
