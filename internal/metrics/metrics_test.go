package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()

	m.CycleFinished("succeeded", "", 2*time.Second)
	m.CycleFinished("failed", "transient_network", time.Second)
	m.AddRecords("fetched", 10)
	m.AddRecords("rejected", 0)
	m.HTTPRetry("503")
	m.ArchivedPage(nil)
	m.Notified(errors.New("broker down"))
	m.SetWatermark(time.Unix(1700000000, 0))

	require.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("failed", "transient_network")))
	require.Equal(t, 10.0, testutil.ToFloat64(m.records.WithLabelValues("fetched")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRetries.WithLabelValues("503")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("failure")))
	require.Equal(t, 1700000000.0, testutil.ToFloat64(m.watermark))
	require.Equal(t, 1, testutil.CollectAndCount(m.cycleDuration))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.AddRecords("inserted", 3)

	path := filepath.Join(t.TempDir(), "fire_ingest.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `fire_ingest_records_total{stage="inserted"} 3`)
}

func TestPush(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := New()
	m.AddRecords("fetched", 1)
	require.NoError(t, m.Push(srv.URL, "fire_ingest"))
	require.True(t, strings.HasPrefix(path, "/metrics/job/fire_ingest"), path)
	require.NotEmpty(t, body)
}
