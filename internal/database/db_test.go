package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDBSQLite(t *testing.T) {
	db, err := NewDB(Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "staging.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var mode int
	require.NoError(t, db.NewRaw("PRAGMA synchronous").Scan(context.Background(), &mode))
	// 2 is FULL
	require.Equal(t, 2, mode)
}

func TestNewDBUnsupportedDriver(t *testing.T) {
	_, err := NewDB(Config{Driver: "oracle", DSN: "x"})
	require.ErrorContains(t, err, "unsupported database driver")
}
