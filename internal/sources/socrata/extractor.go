package socrata

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

// PageFetcher retrieves a single page of records.
type PageFetcher interface {
	FetchPage(ctx context.Context, q PageQuery) ([]models.RawRecord, error)
}

// Page is one fetched response.
type Page struct {
	Number  int
	Offset  int
	Where   string
	Records []models.RawRecord
}

// PageSink receives every fetched page, e.g. to archive raw payloads.
// Sink errors are logged and never fail the extraction.
type PageSink interface {
	StorePage(ctx context.Context, page Page) error
}

// Extractor pages through records positioned after a watermark.
type Extractor struct {
	fetcher  PageFetcher
	pageSize int
	where    string
	prefetch bool
	sink     PageSink
	logger   *slog.Logger
}

// ExtractorOption customizes an Extractor.
type ExtractorOption func(*Extractor)

// WithPageSink sends every fetched page to sink.
func WithPageSink(sink PageSink) ExtractorOption {
	return func(e *Extractor) { e.sink = sink }
}

// WithExtractorLogger sets the extractor logger.
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor creates an extractor using cfg's page size, filter and
// prefetch setting.
func NewExtractor(fetcher PageFetcher, cfg Config, opts ...ExtractorOption) *Extractor {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	e := &Extractor{
		fetcher:  fetcher,
		pageSize: pageSize,
		where:    cfg.Where,
		prefetch: cfg.Prefetch,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the records whose position is strictly after the given
// watermark (all records when after is nil), in position order. The sequence
// is lazy: pages are requested as the caller consumes them, and breaking out
// of the loop stops further requests. A fetch error is yielded once and ends
// the sequence.
func (e *Extractor) Extract(ctx context.Context, after *time.Time) iter.Seq2[models.RawRecord, error] {
	where, order := IncrementalQuery(models.PositionField, after, e.where)

	return func(yield func(models.RawRecord, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		pages := e.pages
		if e.prefetch {
			pages = e.prefetched
		}
		for page, err := range pages(ctx, where, order) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

func (e *Extractor) pages(ctx context.Context, where, order string) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		// The server may return fewer rows than $limit, so only an empty page
		// ends the sequence and the offset advances by what was received.
		for n, offset := 0, 0; ; n++ {
			records, err := e.fetcher.FetchPage(ctx, PageQuery{
				Where:  where,
				Order:  order,
				Limit:  e.pageSize,
				Offset: offset,
			})
			if err != nil {
				yield(Page{}, fmt.Errorf("fetch page %d at offset %d: %w", n, offset, err))
				return
			}
			if len(records) == 0 {
				return
			}

			page := Page{Number: n, Offset: offset, Where: where, Records: records}
			e.logger.DebugContext(ctx, "fetched page", "page", n, "offset", offset, "records", len(records))
			if e.sink != nil {
				if err := e.sink.StorePage(ctx, page); err != nil {
					e.logger.WarnContext(ctx, "page sink failed", "page", n, "error", err)
				}
			}

			if !yield(page, nil) {
				return
			}
			offset += len(records)
		}
	}
}

// prefetched fetches the next page while the caller works on the current one.
// Pages are still delivered in order.
func (e *Extractor) prefetched(ctx context.Context, where, order string) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		ch := make(chan Page, 1)
		g.Go(func() error {
			defer close(ch)
			for page, err := range e.pages(gctx, where, order) {
				if err != nil {
					return err
				}
				select {
				case ch <- page:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})

		for page := range ch {
			if !yield(page, nil) {
				cancel()
				_ = g.Wait()
				return
			}
		}
		if err := g.Wait(); err != nil {
			yield(Page{}, err)
		}
	}
}
