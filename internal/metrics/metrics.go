package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "fire_ingest"

// Metrics holds the ingester's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	records       *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	watermark     prometheus.Gauge
	lastSuccess   prometheus.Gauge
	httpRetries   *prometheus.CounterVec
	archivedPages *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Ingestion cycles by final status and failure cause.",
		}, []string{"status", "cause"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records by pipeline stage (fetched, rejected, inserted, updated).",
		}, []string{"stage"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of ingestion cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		watermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Committed watermark position as a Unix timestamp.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful cycle.",
		}),
		httpRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "Retried API requests by reason.",
		}, []string{"reason"}),
		archivedPages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_pages_total",
			Help:      "Raw pages written to the landing bucket.",
		}, []string{"result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Downstream notifications published.",
		}, []string{"result"}),
	}
}

// Registry exposes the collectors, e.g. for promhttp or tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CycleFinished counts a finished cycle.
func (m *Metrics) CycleFinished(status, cause string, took time.Duration) {
	m.cycles.WithLabelValues(status, cause).Inc()
	m.cycleDuration.Observe(took.Seconds())
	if cause == "" {
		m.lastSuccess.SetToCurrentTime()
	}
}

// AddRecords adds n records to a stage counter.
func (m *Metrics) AddRecords(stage string, n int) {
	if n > 0 {
		m.records.WithLabelValues(stage).Add(float64(n))
	}
}

// SetWatermark publishes the committed position.
func (m *Metrics) SetWatermark(t time.Time) {
	if !t.IsZero() {
		m.watermark.Set(float64(t.UnixMilli()) / 1000)
	}
}

// HTTPRetry counts one retried request.
func (m *Metrics) HTTPRetry(reason string) {
	m.httpRetries.WithLabelValues(reason).Inc()
}

// ArchivedPage counts an archive attempt.
func (m *Metrics) ArchivedPage(err error) {
	m.archivedPages.WithLabelValues(result(err)).Inc()
}

// Notified counts a notification attempt.
func (m *Metrics) Notified(err error) {
	m.notifications.WithLabelValues(result(err)).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends the registry to a Prometheus Pushgateway under job.
func (m *Metrics) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
