// Package ingest runs incremental ingestion cycles: read the watermark,
// extract newer records, validate them, merge them into staging and only
// then advance the watermark.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
	"github.com/mkoziy/fireincidents/ingester/internal/validate"
	"github.com/mkoziy/fireincidents/ingester/internal/watermark"
)

// ErrCycleRunning is returned when RunCycle is called while another cycle of
// the same Coordinator is in progress.
var ErrCycleRunning = errors.New("ingest: cycle already running")

// Extractor yields raw records positioned after a watermark, in order.
type Extractor interface {
	Extract(ctx context.Context, after *time.Time) iter.Seq2[models.RawRecord, error]
}

// Validator turns raw records into a typed, deduplicated batch.
type Validator interface {
	Validate(ctx context.Context, raws []models.RawRecord) (validate.Result, error)
}

// Loader merges a batch into staging atomically.
type Loader interface {
	Load(ctx context.Context, incidents []*models.Incident) (models.LoadResult, error)
}

// RunLog persists cycle outcomes.
type RunLog interface {
	RecordRun(ctx context.Context, run *models.IngestRun) error
}

// Notifier tells downstream consumers that staging changed.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// Recorder receives cycle metrics.
type Recorder interface {
	CycleFinished(status, cause string, took time.Duration)
	AddRecords(stage string, n int)
	SetWatermark(t time.Time)
}

// Config tunes the coordinator.
type Config struct {
	Dataset string
	// MaxBatchSize caps the records pulled per cycle; 0 means unbounded.
	MaxBatchSize int
	// InitialWatermark is used while the store holds no watermark.
	InitialWatermark *time.Time
	// DryRun extracts and validates without touching storage.
	DryRun bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithRunLog(r RunLog) Option { return func(c *Coordinator) { c.runs = r } }
func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }
func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.metrics = r } }
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }
func WithIDs(fn func() string) Option { return func(c *Coordinator) { c.newID = fn } }
func WithStateObserver(fn func(from, to State)) Option {
	return func(c *Coordinator) { c.observe = fn }
}

// Coordinator drives ingestion cycles for one dataset. Cycles of a single
// Coordinator never overlap; exclusion across processes is left to the
// scheduler.
type Coordinator struct {
	cfg       Config
	store     watermark.Store
	extractor Extractor
	validator Validator
	loader    Loader

	runs     RunLog
	notifier Notifier
	metrics  Recorder
	logger   *slog.Logger
	newID    func() string
	observe  func(from, to State)

	running sync.Mutex
	mu      sync.Mutex
	state   State
}

// New creates a coordinator in the Idle state.
func New(cfg Config, store watermark.Store, ex Extractor, v Validator, l Loader, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		extractor: ex,
		validator: v,
		loader:    l,
		logger:    slog.Default(),
		newID:     uuid.NewString,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) transition(ctx context.Context, to State) {
	c.mu.Lock()
	from := c.state
	if !allowed(from, to) {
		c.mu.Unlock()
		panic(fmt.Sprintf("ingest: illegal transition %s -> %s", from, to))
	}
	c.state = to
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "cycle state", "from", from, "to", to)
	if c.observe != nil {
		c.observe(from, to)
	}
}

// RunCycle performs one cycle. The returned Outcome is filled on every
// branch; on failure the error is also returned and the watermark is left
// untouched. An empty extraction is a success that writes nothing.
func (c *Coordinator) RunCycle(ctx context.Context) (Outcome, error) {
	if !c.running.TryLock() {
		return Outcome{}, ErrCycleRunning
	}
	defer c.running.Unlock()

	o := Outcome{
		RunID:     c.newID(),
		Dataset:   c.cfg.Dataset,
		StartedAt: time.Now().UTC(),
		DryRun:    c.cfg.DryRun,
	}
	ctx = models.WithRunID(ctx, o.RunID)

	err := c.cycle(ctx, &o)
	if err != nil {
		c.fail(ctx, &o, err)
	} else {
		o.Status = models.RunStatusSucceeded
		o.State = StateIdle
	}
	c.finish(ctx, &o)
	return o, err
}

func (c *Coordinator) cycle(ctx context.Context, o *Outcome) error {
	c.transition(ctx, StateExtracting)

	mark, ok, err := c.store.Read(ctx)
	if err != nil {
		o.FailedIn = StateExtracting
		return fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	var after *time.Time
	switch {
	case ok:
		p := mark.Position
		after = &p
	case c.cfg.InitialWatermark != nil:
		p := c.cfg.InitialWatermark.UTC()
		after = &p
	}
	o.WatermarkBefore = after
	o.WatermarkAfter = after

	raws, drained, err := c.pull(ctx, after)
	o.Fetched = len(raws)
	o.Drained = drained
	if err != nil {
		o.FailedIn = StateExtracting
		return err
	}
	if len(raws) == 0 {
		c.touch(ctx, mark, ok)
		c.transition(ctx, StateIdle)
		return nil
	}

	c.transition(ctx, StateValidating)
	res, err := c.validator.Validate(ctx, raws)
	o.Rejected = len(res.Rejects)
	o.Duplicates = res.Duplicates
	if err != nil {
		o.FailedIn = StateValidating
		return err
	}
	if c.cfg.DryRun || len(res.Incidents) == 0 {
		c.transition(ctx, StateIdle)
		return nil
	}

	c.transition(ctx, StateLoading)
	loaded, err := c.loader.Load(ctx, res.Incidents)
	if err != nil {
		o.FailedIn = StateLoading
		return err
	}
	o.Inserted = loaded.Inserted
	o.Updated = loaded.Updated

	c.transition(ctx, StateCommitting)
	if batchMax, has := res.MaxPosition(); has && (after == nil || batchMax.After(*after)) {
		if err := c.store.Write(ctx, batchMax); err != nil {
			o.FailedIn = StateCommitting
			return fmt.Errorf("%w: %w", models.ErrStorage, err)
		}
		o.WatermarkAfter = &batchMax
	} else {
		c.touch(ctx, mark, ok)
	}

	c.transition(ctx, StateIdle)
	return nil
}

// touch rewrites a stored watermark at its own position so the store records
// this successful cycle. A failure is logged and leaves the outcome alone.
func (c *Coordinator) touch(ctx context.Context, mark models.Watermark, ok bool) {
	if !ok || c.cfg.DryRun {
		return
	}
	if err := c.store.Write(ctx, mark.Position); err != nil {
		c.logger.WarnContext(ctx, "refresh watermark success time failed", "error", err)
	}
}

// pull drains the extractor into memory, stopping once MaxBatchSize records
// are held. The cut only happens between two different positions: records
// sharing the position of the record at the cap are still taken, otherwise
// the next cycle's "position > watermark" filter would skip them.
func (c *Coordinator) pull(ctx context.Context, after *time.Time) ([]models.RawRecord, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		raws     []models.RawRecord
		capped   bool
		boundary time.Time
	)
	for rec, err := range c.extractor.Extract(ctx, after) {
		if err != nil {
			return raws, false, err
		}
		if capped {
			p, ok := validate.Position(rec)
			if !ok || !p.Equal(boundary) {
				return raws, false, nil
			}
		}
		raws = append(raws, rec)

		if !capped && c.cfg.MaxBatchSize > 0 && len(raws) >= c.cfg.MaxBatchSize {
			if p, ok := validate.Position(rec); ok {
				capped = true
				boundary = p
			}
		}
	}
	return raws, true, nil
}

func (c *Coordinator) fail(ctx context.Context, o *Outcome, err error) {
	o.Status = models.RunStatusFailed
	o.State = StateFailed
	o.Err = err
	o.Error = err.Error()
	o.Cause = models.ErrorKind(err)
	o.Retryable = models.IsRetryable(err)
	o.WatermarkAfter = o.WatermarkBefore
	c.transition(ctx, StateFailed)
}

// finish reports the outcome to logs, metrics, the run log and, after a
// committed change, the notifier. Reporting failures never change the
// outcome.
func (c *Coordinator) finish(ctx context.Context, o *Outcome) {
	o.Duration = time.Since(o.StartedAt)
	ctx = context.WithoutCancel(ctx)

	if o.Succeeded() {
		c.logger.InfoContext(ctx, "ingestion cycle completed", "outcome", *o)
	} else {
		c.logger.ErrorContext(ctx, "ingestion cycle failed", "outcome", *o)
	}

	if c.metrics != nil {
		c.metrics.CycleFinished(o.Status, o.Cause, o.Duration)
		c.metrics.AddRecords("fetched", o.Fetched)
		c.metrics.AddRecords("rejected", o.Rejected)
		c.metrics.AddRecords("inserted", o.Inserted)
		c.metrics.AddRecords("updated", o.Updated)
		if o.WatermarkAfter != nil {
			c.metrics.SetWatermark(*o.WatermarkAfter)
		}
	}

	if c.runs != nil && !o.DryRun {
		if err := c.runs.RecordRun(ctx, o.Run()); err != nil {
			c.logger.WarnContext(ctx, "failed to record run", "run_id", o.RunID, "error", err)
		}
	}

	if c.notifier != nil && o.Succeeded() && !o.DryRun && o.Inserted+o.Updated > 0 {
		if err := c.notifier.Notify(ctx, *o); err != nil {
			c.logger.WarnContext(ctx, "failed to notify downstream", "run_id", o.RunID, "error", err)
		}
	}
}

// RunUntilDrained repeats cycles while they stop at the batch cap, so a large
// backfill is committed in bounded chunks. It stops at the first failure,
// when the source is drained, when a cycle makes no progress, or after
// maxCycles cycles (0 means no limit).
func (c *Coordinator) RunUntilDrained(ctx context.Context, maxCycles int) ([]Outcome, error) {
	var outcomes []Outcome
	for i := 0; maxCycles <= 0 || i < maxCycles; i++ {
		o, err := c.RunCycle(ctx)
		outcomes = append(outcomes, o)
		if err != nil {
			return outcomes, err
		}
		if o.Drained || c.cfg.DryRun {
			return outcomes, nil
		}
		if !o.Advanced() {
			c.logger.WarnContext(ctx, "cycle made no progress, stopping", "run_id", o.RunID)
			return outcomes, nil
		}
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}
