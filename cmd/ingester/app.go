package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/uptrace/bun"

	"github.com/mkoziy/fireincidents/ingester/internal/archive"
	"github.com/mkoziy/fireincidents/ingester/internal/config"
	"github.com/mkoziy/fireincidents/ingester/internal/database"
	"github.com/mkoziy/fireincidents/ingester/internal/ingest"
	"github.com/mkoziy/fireincidents/ingester/internal/metrics"
	"github.com/mkoziy/fireincidents/ingester/internal/migrations"
	"github.com/mkoziy/fireincidents/ingester/internal/models"
	"github.com/mkoziy/fireincidents/ingester/internal/notify"
	"github.com/mkoziy/fireincidents/ingester/internal/objectstore"
	"github.com/mkoziy/fireincidents/ingester/internal/ratelimit"
	"github.com/mkoziy/fireincidents/ingester/internal/repositories"
	"github.com/mkoziy/fireincidents/ingester/internal/sources/socrata"
	"github.com/mkoziy/fireincidents/ingester/internal/validate"
	"github.com/mkoziy/fireincidents/ingester/internal/watermark"
)

// app owns the long-lived dependencies of one command invocation.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *bun.DB
	metrics *metrics.Metrics

	objects *minio.Client
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", models.ErrStorage, err)
	}
	return &app{cfg: cfg, logger: logger, db: db, metrics: metrics.New()}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) migrate(ctx context.Context) error {
	if err := migrations.RunMigrations(ctx, a.db); err != nil {
		return fmt.Errorf("%w: migrate: %w", models.ErrStorage, err)
	}
	return nil
}

// objectStore connects lazily; only the s3 watermark backend and the
// archive need it.
func (a *app) objectStore(ctx context.Context) (*minio.Client, error) {
	if a.objects != nil {
		return a.objects, nil
	}
	client, err := objectstore.New(ctx, a.cfg.ObjectStore)
	if err != nil {
		return nil, err
	}
	a.objects = client
	return client, nil
}

func (a *app) watermarkStore(ctx context.Context) (watermark.Store, error) {
	dataset := a.cfg.API.Dataset
	switch a.cfg.Watermark.Backend {
	case watermark.BackendFile:
		return watermark.NewFileStore(a.cfg.Watermark.Path, dataset), nil
	case watermark.BackendS3:
		client, err := a.objectStore(ctx)
		if err != nil {
			return nil, err
		}
		return watermark.NewObjectStore(client, a.cfg.ObjectStore.Bucket, dataset), nil
	default:
		return watermark.NewDBStore(a.db, dataset), nil
	}
}

func (a *app) coordinator(ctx context.Context) (*ingest.Coordinator, error) {
	cfg := a.cfg
	if cfg.API.AppToken == "" {
		a.logger.WarnContext(ctx, "no Socrata app token configured, requests are throttled harder")
	}

	rl := cfg.RateLimit()
	client := socrata.NewClient(cfg.API, ratelimit.NewLimiter(rl), rl,
		socrata.WithLogger(a.logger),
		socrata.WithRetryObserver(a.metrics.HTTPRetry),
	)

	exOpts := []socrata.ExtractorOption{socrata.WithExtractorLogger(a.logger)}
	if cfg.Archive.Enabled {
		objects, err := a.objectStore(ctx)
		if err != nil {
			return nil, err
		}
		arch := archive.New(objects, cfg.ObjectStore.Bucket, cfg.Archive.Prefix, cfg.API.Dataset, a.metrics.ArchivedPage, a.logger)
		exOpts = append(exOpts, socrata.WithPageSink(arch))
	}

	store, err := a.watermarkStore(ctx)
	if err != nil {
		return nil, err
	}
	initial, err := cfg.InitialPosition()
	if err != nil {
		return nil, err
	}

	opts := []ingest.Option{
		ingest.WithLogger(a.logger),
		ingest.WithRecorder(a.metrics),
		ingest.WithRunLog(repositories.NewRunLog(a.db)),
	}
	if cfg.Notify.Enabled {
		opts = append(opts, ingest.WithNotifier(notify.New(cfg.Notify,
			notify.WithObserver(a.metrics.Notified),
			notify.WithLogger(a.logger),
		)))
	}

	return ingest.New(
		ingest.Config{
			Dataset:          cfg.API.Dataset,
			MaxBatchSize:     cfg.Ingest.MaxBatchSize,
			InitialWatermark: initial,
			DryRun:           cfg.Ingest.DryRun,
		},
		store,
		socrata.NewExtractor(client, cfg.API, exOpts...),
		validate.New(cfg.Validation, a.logger),
		repositories.NewStagingLoader(a.db, cfg.Storage.ChunkSize, a.logger),
		opts...,
	), nil
}

// exportMetrics writes the textfile and pushes to the gateway when
// configured. Export problems are logged and never fail the command.
func (a *app) exportMetrics(ctx context.Context) {
	var errs []error
	if path := a.cfg.Metrics.Textfile; path != "" {
		errs = append(errs, a.metrics.WriteTextfile(path))
	}
	if url := a.cfg.Metrics.PushURL; url != "" {
		errs = append(errs, a.metrics.Push(url, a.cfg.Metrics.Job))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.WarnContext(ctx, "metrics export failed", "error", err)
	}
}
