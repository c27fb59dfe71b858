// Package archive lands raw API pages in an object store bucket so a cycle
// can be replayed or audited without calling the API again.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
	"github.com/mkoziy/fireincidents/ingester/internal/sources/socrata"
)

// Config controls raw page landing.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// Archiver writes each page as gzipped JSON. It implements socrata.PageSink.
type Archiver struct {
	client  *minio.Client
	bucket  string
	prefix  string
	dataset string
	observe func(error)
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an archiver writing under prefix in bucket. observe, when set,
// is told about every write attempt.
func New(client *minio.Client, bucket, prefix, dataset string, observe func(error), logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "raw"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		dataset: dataset,
		observe: observe,
		now:     time.Now,
		logger:  logger,
	}
}

// Key returns the object key for a page of run.
func (a *Archiver) Key(runID string, page socrata.Page, at time.Time) string {
	if runID == "" {
		runID = "adhoc"
	}
	return fmt.Sprintf("%s/%s/dt=%s/run=%s/page-%05d.json.gz",
		a.prefix, a.dataset, at.UTC().Format("2006-01-02"), runID, page.Number)
}

// StorePage uploads one page.
func (a *Archiver) StorePage(ctx context.Context, page socrata.Page) error {
	err := a.store(ctx, page)
	if a.observe != nil {
		a.observe(err)
	}
	return err
}

func (a *Archiver) store(ctx context.Context, page socrata.Page) error {
	runID := models.RunIDFrom(ctx)
	key := a.Key(runID, page, a.now())

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(page.Records); err != nil {
		return fmt.Errorf("encode page %d: %w", page.Number, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress page %d: %w", page.Number, err)
	}

	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		UserMetadata: map[string]string{
			"run-id":  runID,
			"page":    strconv.Itoa(page.Number),
			"offset":  strconv.Itoa(page.Offset),
			"records": strconv.Itoa(len(page.Records)),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.DebugContext(ctx, "archived page", "key", key, "records", len(page.Records))
	return nil
}
