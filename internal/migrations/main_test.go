package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/fireincidents/ingester/internal/database"
)

func TestRunMigrationsIsRepeatable(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewDB(database.Config{DSN: filepath.Join(t.TempDir(), "staging.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, RunMigrations(ctx, db))
	require.NoError(t, RunMigrations(ctx, db))

	for _, table := range []string{"stg_fire_incidents_raw", "ingest_watermarks", "ingest_runs"} {
		var n int
		err := db.NewRaw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(ctx, &n)
		require.NoError(t, err)
		require.Equal(t, 1, n, table)
	}
}

func TestMigrationsRegisteredInOrder(t *testing.T) {
	sorted := Migrations.Sorted()
	require.Len(t, sorted, 2)
	require.Equal(t, "20240101000001", sorted[0].Name)
	require.Equal(t, "tables", sorted[0].Comment)
	require.Equal(t, "20240101000002", sorted[1].Name)
	require.Equal(t, "indexes", sorted[1].Comment)
}

func TestRollbackMigrationsDropsTables(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewDB(database.Config{DSN: filepath.Join(t.TempDir(), "staging.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, RunMigrations(ctx, db))
	require.NoError(t, RollbackMigrations(ctx, db))

	var n int
	err = db.NewRaw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", "stg_fire_incidents_raw").Scan(ctx, &n)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, RunMigrations(ctx, db))
}
