package repositories

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/mkoziy/fireincidents/ingester/internal/database"
	"github.com/mkoziy/fireincidents/ingester/internal/migrations"
	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

func setupDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := database.NewDB(database.Config{DSN: filepath.Join(t.TempDir(), "staging.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.RunMigrations(context.Background(), db))
	return db
}

func ptr[T any](v T) *T { return &v }

func incident(number string, position int, city string) *models.Incident {
	return &models.Incident{
		IncidentNumber:    number,
		ExposureNumber:    "0",
		ResponseTimestamp: time.Date(2024, 1, 1, 0, 0, position, 0, time.UTC),
		City:              ptr(city),
		SuppressionUnits:  ptr(int64(position)),
	}
}

func TestLoadInsertsThenUpdates(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	loader := NewStagingLoader(db, 2, nil)

	res, err := loader.Load(ctx, []*models.Incident{incident("A", 10, "SF"), incident("B", 20, "SF"), incident("C", 20, "SF")})
	require.NoError(t, err)
	require.Equal(t, models.LoadResult{Inserted: 3}, res)

	updated := incident("A", 25, "Oakland")
	updated.CoercionFailures = models.StringArray{"zipcode"}
	res, err = loader.Load(ctx, []*models.Incident{updated, incident("D", 30, "SF")})
	require.NoError(t, err)
	require.Equal(t, models.LoadResult{Inserted: 1, Updated: 1}, res)

	n, err := CountIncidents(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	got, err := GetIncident(ctx, db, models.NaturalKey{IncidentNumber: "A", ExposureNumber: "0"})
	require.NoError(t, err)
	require.Equal(t, "Oakland", *got.City)
	require.EqualValues(t, 25, *got.SuppressionUnits)
	require.True(t, got.ResponseTimestamp.Equal(updated.ResponseTimestamp))
	require.Equal(t, models.StringArray{"zipcode"}, got.CoercionFailures)
}

func TestLoadOverwritesWithNull(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	loader := NewStagingLoader(db, 0, nil)

	_, err := loader.Load(ctx, []*models.Incident{incident("A", 10, "SF")})
	require.NoError(t, err)

	cleared := incident("A", 11, "SF")
	cleared.City = nil
	_, err = loader.Load(ctx, []*models.Incident{cleared})
	require.NoError(t, err)

	got, err := GetIncident(ctx, db, models.NaturalKey{IncidentNumber: "A", ExposureNumber: "0"})
	require.NoError(t, err)
	require.Nil(t, got.City, "last write wins for every non-key column")
}

func TestLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	loader := NewStagingLoader(db, 0, nil)
	batch := func() []*models.Incident {
		return []*models.Incident{incident("A", 10, "SF"), incident("B", 20, "SF")}
	}

	_, err := loader.Load(ctx, batch())
	require.NoError(t, err)
	res, err := loader.Load(ctx, batch())
	require.NoError(t, err)
	require.Equal(t, models.LoadResult{Updated: 2}, res)

	n, err := CountIncidents(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLoadRollsBackWholeBatch(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	loader := NewStagingLoader(db, 1, nil)

	_, err := loader.Load(ctx, []*models.Incident{incident("A", 10, "SF")})
	require.NoError(t, err)

	t.Run("constraint violation in a later chunk", func(t *testing.T) {
		broken := incident("C", 0, "SF")
		broken.ResponseTimestamp = time.Time{}

		_, err := loader.Load(ctx, []*models.Incident{incident("A", 15, "Oakland"), incident("B", 20, "SF"), broken})
		require.ErrorIs(t, err, models.ErrStorage)
	})

	t.Run("failure after N of M chunks", func(t *testing.T) {
		failing := NewStagingLoader(db, 1, nil)
		failing.beforeChunk = func(chunk int) error {
			if chunk == 2 {
				return errors.New("simulated crash")
			}
			return nil
		}

		_, err := failing.Load(ctx, []*models.Incident{incident("A", 15, "Oakland"), incident("B", 20, "SF"), incident("C", 30, "SF")})
		require.ErrorIs(t, err, models.ErrStorage)
		require.ErrorContains(t, err, "simulated crash")
	})

	n, err := CountIncidents(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := GetIncident(ctx, db, models.NaturalKey{IncidentNumber: "A", ExposureNumber: "0"})
	require.NoError(t, err)
	require.Equal(t, "SF", *got.City)
}

func TestLoadStampsRunID(t *testing.T) {
	ctx := models.WithRunID(context.Background(), "run-1")
	db := setupDB(t)

	_, err := NewStagingLoader(db, 0, nil).Load(ctx, []*models.Incident{incident("A", 10, "SF")})
	require.NoError(t, err)

	got, err := GetIncident(ctx, db, models.NaturalKey{IncidentNumber: "A", ExposureNumber: "0"})
	require.NoError(t, err)
	require.Equal(t, "run-1", got.RunID)
	require.False(t, got.IngestedAt.IsZero())
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	start := time.Now().UTC()
	for i, status := range []string{models.RunStatusFailed, models.RunStatusSucceeded} {
		run := &models.IngestRun{
			RunID:     status,
			Dataset:   "wr8u-xric",
			StartTime: start.Add(time.Duration(i) * time.Second),
			Status:    status,
		}
		require.NoError(t, RecordRun(ctx, db, run))
	}

	runs, err := RecentRuns(ctx, db, "wr8u-xric", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, models.RunStatusSucceeded, runs[0].Status)
}
