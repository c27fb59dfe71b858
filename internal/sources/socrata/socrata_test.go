package socrata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
	"github.com/mkoziy/fireincidents/ingester/internal/ratelimit"
)

// mockLimiter is a no-op limiter for tests.
type mockLimiter struct{}

func (mockLimiter) Wait(_ context.Context) error                  { return nil }
func (mockLimiter) RetryAfter(int, time.Duration) time.Duration { return 0 }

// hintLimiter records the retry attempts and server hints it is asked about.
type hintLimiter struct {
	mockLimiter
	attempts []int
	hints    []time.Duration
}

func (l *hintLimiter) RetryAfter(attempt int, hint time.Duration) time.Duration {
	l.attempts = append(l.attempts, attempt)
	l.hints = append(l.hints, hint)
	return 0
}

func fastRetry(max int) ratelimit.Config {
	return ratelimit.Config{
		MaxRetries:        max,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc, token string, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{Domain: srv.URL, Dataset: "wr8u-xric", AppToken: token}, mockLimiter{}, fastRetry(retries))
}

func TestFetchPageSendsSoQLParams(t *testing.T) {
	var got http.Header
	var query map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/resource/wr8u-xric.json", r.URL.Path)
		got = r.Header.Clone()
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		_, _ = w.Write([]byte(`[{"incident_number":"1","exposure_number":"0","suppression_units":3}]`))
	}, "secret", 0)

	records, err := client.FetchPage(context.Background(), PageQuery{
		Where: "response_timestamp > '2024-01-01T00:00:00.000'", Order: "response_timestamp", Limit: 50, Offset: 100,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, json.Number("3"), records[0]["suppression_units"])

	require.Equal(t, "secret", got.Get("X-App-Token"))
	require.Equal(t, "response_timestamp > '2024-01-01T00:00:00.000'", query["$where"])
	require.Equal(t, "response_timestamp", query["$order"])
	require.Equal(t, "50", query["$limit"])
	require.Equal(t, "100", query["$offset"])
}

func TestFetchPageOmitsTokenWhenUnset(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("X-App-Token"))
		_, _ = w.Write([]byte(`[]`))
	}, "", 0)

	records, err := client.FetchPage(context.Background(), PageQuery{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFetchPageRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	var retries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`[{"incident_number":"1"}]`))
		}
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{Domain: srv.URL}, mockLimiter{}, fastRetry(3),
		WithRetryObserver(func(reason string) { retries = append(retries, reason) }))

	records, err := client.FetchPage(context.Background(), PageQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, []string{"503", "429"}, retries)
}

func TestFetchPageBacksOffThroughLimiter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	t.Cleanup(srv.Close)

	limiter := &hintLimiter{}
	client := NewClient(Config{Domain: srv.URL}, limiter, fastRetry(3))

	_, err := client.FetchPage(context.Background(), PageQuery{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, limiter.attempts)
	require.Equal(t, []time.Duration{7 * time.Second, 0}, limiter.hints)
}

func TestFetchPageExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}, "", 2)

	_, err := client.FetchPage(context.Background(), PageQuery{Limit: 10})
	require.ErrorIs(t, err, models.ErrTransientNetwork)
	require.True(t, models.IsRetryable(err))
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchPageClientErrorIsConfiguration(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"no such column: response_timestamp"}`, http.StatusBadRequest)
	}, "", 3)

	_, err := client.FetchPage(context.Background(), PageQuery{Limit: 10})
	require.ErrorIs(t, err, models.ErrConfiguration)
	require.ErrorContains(t, err, "no such column")
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchPageMalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":true}`))
	}, "", 3)

	_, err := client.FetchPage(context.Background(), PageQuery{Limit: 10})
	require.ErrorIs(t, err, models.ErrRemoteProtocol)
	require.False(t, models.IsRetryable(err))
}

func TestFetchPageStopsOnCanceledContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, "", 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.FetchPage(ctx, PageQuery{Limit: 10})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 7*time.Second, retryAfter("7", now))
	require.Equal(t, 30*time.Second, retryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	require.Zero(t, retryAfter("", now))
	require.Zero(t, retryAfter("soon", now))
}

func TestIncrementalQuery(t *testing.T) {
	ts := time.Date(2024, 3, 9, 18, 4, 5, 120*int(time.Millisecond), time.UTC)

	where, order := IncrementalQuery("response_timestamp", &ts, "")
	require.Equal(t, "response_timestamp > '2024-03-09T18:04:05.120'", where)
	require.Equal(t, "response_timestamp, incident_number, exposure_number", order)

	where, _ = IncrementalQuery("response_timestamp", nil, "battalion = 'B02'")
	require.Equal(t, "response_timestamp IS NOT NULL AND (battalion = 'B02')", where)
}

// pagedDataset serves n records with ascending positions honoring $limit
// and $offset.
type pagedDataset struct {
	mu       sync.Mutex
	total    int
	failAt   int
	maxRows  int
	requests []PageQuery
}

func (d *pagedDataset) FetchPage(_ context.Context, q PageQuery) ([]models.RawRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, q)
	if d.failAt > 0 && q.Offset >= d.failAt {
		return nil, fmt.Errorf("%w: connection reset", models.ErrTransientNetwork)
	}
	limit := q.Limit
	if d.maxRows > 0 && limit > d.maxRows {
		limit = d.maxRows
	}
	var out []models.RawRecord
	for i := q.Offset; i < d.total && i < q.Offset+limit; i++ {
		out = append(out, models.RawRecord{"incident_number": strconv.Itoa(i), "exposure_number": "0"})
	}
	return out, nil
}

func (d *pagedDataset) offsets() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, 0, len(d.requests))
	for _, q := range d.requests {
		out = append(out, q.Offset)
	}
	return out
}

func collect(t *testing.T, e *Extractor, after *time.Time) ([]string, error) {
	t.Helper()
	var ids []string
	for rec, err := range e.Extract(context.Background(), after) {
		if err != nil {
			return ids, err
		}
		ids = append(ids, rec["incident_number"].(string))
	}
	return ids, nil
}

func TestExtractPagesInOrder(t *testing.T) {
	for _, prefetch := range []bool{false, true} {
		t.Run(fmt.Sprintf("prefetch=%v", prefetch), func(t *testing.T) {
			ds := &pagedDataset{total: 5}
			e := NewExtractor(ds, Config{PageSize: 2, Prefetch: prefetch})

			ids, err := collect(t, e, nil)
			require.NoError(t, err)
			require.Equal(t, []string{"0", "1", "2", "3", "4"}, ids)
			require.Equal(t, []int{0, 2, 4, 5}, ds.offsets())
		})
	}
}

func TestExtractStopsOnEmptyPage(t *testing.T) {
	ds := &pagedDataset{total: 4}
	e := NewExtractor(ds, Config{PageSize: 2})

	ids, err := collect(t, e, nil)
	require.NoError(t, err)
	require.Len(t, ids, 4)
	require.Equal(t, []int{0, 2, 4}, ds.offsets())
}

func TestExtractServerCappedPages(t *testing.T) {
	ds := &pagedDataset{total: 7, maxRows: 3}
	e := NewExtractor(ds, Config{PageSize: 5})

	ids, err := collect(t, e, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6"}, ids)
	require.Equal(t, []int{0, 3, 6, 7}, ds.offsets())
}

func TestExtractNoNewData(t *testing.T) {
	ds := &pagedDataset{}
	e := NewExtractor(ds, Config{PageSize: 2})

	ts := time.Now()
	ids, err := collect(t, e, &ts)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Contains(t, ds.requests[0].Where, "response_timestamp > '")
}

func TestExtractYieldsErrorAfterPartialPages(t *testing.T) {
	for _, prefetch := range []bool{false, true} {
		t.Run(fmt.Sprintf("prefetch=%v", prefetch), func(t *testing.T) {
			ds := &pagedDataset{total: 10, failAt: 4}
			e := NewExtractor(ds, Config{PageSize: 2, Prefetch: prefetch})

			ids, err := collect(t, e, nil)
			require.ErrorIs(t, err, models.ErrTransientNetwork)
			require.Equal(t, []string{"0", "1", "2", "3"}, ids)
		})
	}
}

func TestExtractEarlyBreakStopsFetching(t *testing.T) {
	ds := &pagedDataset{total: 100}
	e := NewExtractor(ds, Config{PageSize: 2})

	n := 0
	for _, err := range e.Extract(context.Background(), nil) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	require.Equal(t, []int{0, 2}, ds.offsets())
}

type recordingSink struct {
	pages []Page
	err   error
}

func (s *recordingSink) StorePage(_ context.Context, p Page) error {
	s.pages = append(s.pages, p)
	return s.err
}

func TestExtractSendsPagesToSink(t *testing.T) {
	ds := &pagedDataset{total: 3}
	sink := &recordingSink{err: errors.New("bucket unavailable")}
	e := NewExtractor(ds, Config{PageSize: 2}, WithPageSink(sink))

	ids, err := collect(t, e, nil)
	require.NoError(t, err, "sink failures must not fail extraction")
	require.Len(t, ids, 3)
	require.Len(t, sink.pages, 2)
	require.Equal(t, 2, sink.pages[1].Offset)
	require.Equal(t, 1, sink.pages[1].Number)
}
