package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/mangadex-client/pkg/logging"
	"github.com/Sternrassler/mangadex-client/pkg/query"
)

var (
	// ErrNoContent is returned by a Fetcher for a 204 listing response.
	ErrNoContent = errors.New("no content")

	// Done is returned by Next once the sequence is exhausted.
	Done = errors.New("no more items")
)

// Listing defaults.
const (
	// DefaultPageSize is the page size requested when Options.PageSize is zero.
	DefaultPageSize = 100

	// DefaultMaxItems is the deepest offset+limit MangaDex serves on a listing.
	DefaultMaxItems = 10000

	// DefaultConcurrency bounds the prefetches in flight per paginator.
	DefaultConcurrency = 10
)

// Prometheus metrics for listing traversal.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mangadex_pages_fetched_total",
		Help: "Total listing pages fetched and decoded",
	})

	prefetchInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mangadex_prefetch_inflight",
		Help: "Listing page prefetches currently in flight",
	})
)

// Fetcher is the page source, usually *client.Client.
type Fetcher interface {
	// FetchPage performs the listing request and returns the raw body, or ErrNoContent.
	FetchPage(ctx context.Context, path string, params query.Params) ([]byte, error)
}

// Page is one decoded listing page.
type Page[T any] struct {
	Results []T
	Total   int
}

// Decoder turns a page envelope into typed records.
type Decoder[T any] func(data []byte) (Page[T], error)

// Options configures a Paginator.
type Options struct {
	// PageSize is the limit sent with each page request.
	PageSize int

	// Offset is the offset of the first item.
	Offset int

	// Limit caps the number of yielded items. Zero means no cap.
	Limit int

	// MaxItems is the server's offset+limit ceiling.
	MaxItems int

	// Concurrency bounds the prefetches in flight.
	Concurrency int

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

type future[T any] struct {
	offset int
	done   chan struct{}
	page   Page[T]
	err    error
}

// Paginator walks an offset/limit listing. After the first page it prefetches every remaining
// page concurrently and yields items strictly in offset order. A Paginator is not safe for
// concurrent use.
type Paginator[T any] struct {
	fetcher Fetcher
	decode  Decoder[T]
	path    string
	params  query.Params
	opts    Options
	logger  zerolog.Logger
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	started   bool
	exhausted bool
	yielded   int
	queue     []T
	pending   []*future[T]
	err       error
}

// New creates a Paginator over path. params are sent with every page; offset and limit are
// managed by the paginator.
func New[T any](fetcher Fetcher, path string, params query.Params, decode Decoder[T], opts Options) *Paginator[T] {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	if params == nil {
		params = query.Params{}
	}

	return &Paginator[T]{
		fetcher: fetcher,
		decode:  decode,
		path:    path,
		params:  params.Clone(),
		opts:    opts,
		logger:  logging.Component(opts.Logger, "paginator").With().Str("path", path).Logger(),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// HasNext reports whether Next will yield an item. It may block on the next page.
func (p *Paginator[T]) HasNext(ctx context.Context) (bool, error) {
	err := p.fill(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, Done):
		return false, nil
	default:
		return false, err
	}
}

// Next returns the next item, Done once the listing is exhausted, or the error of the page
// the item would have come from.
func (p *Paginator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := p.fill(ctx); err != nil {
		return zero, err
	}

	item := p.queue[0]
	p.queue[0] = zero
	p.queue = p.queue[1:]
	p.yielded++
	return item, nil
}

// All drains the listing into a slice.
func (p *Paginator[T]) All(ctx context.Context) ([]T, error) {
	var items []T
	for {
		item, err := p.Next(ctx)
		if errors.Is(err, Done) {
			return items, nil
		}
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
}

// Seq returns the listing as an iterator. A failure is yielded once as the final pair.
// Breaking out of the loop closes the paginator.
func (p *Paginator[T]) Seq(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := p.Next(ctx)
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				p.Close()
				return
			}
		}
	}
}

// Close abandons the listing and cancels prefetches still in flight.
func (p *Paginator[T]) Close() {
	p.finish()
	p.queue = nil
}

// Yielded returns the number of items handed out so far.
func (p *Paginator[T]) Yielded() int {
	return p.yielded
}

// fill makes sure the queue holds an item. It returns Done when there is none left.
func (p *Paginator[T]) fill(ctx context.Context) error {
	for {
		if p.err != nil {
			return p.err
		}
		if p.opts.Limit > 0 && p.yielded >= p.opts.Limit {
			p.finish()
			return Done
		}
		if len(p.queue) > 0 {
			return nil
		}
		if p.exhausted {
			return Done
		}

		if !p.started {
			p.started = true
			p.ctx, p.cancel = context.WithCancel(ctx)
			if err := p.first(ctx); err != nil {
				p.err = err
				p.finish()
				return err
			}
			continue
		}

		if len(p.pending) == 0 {
			p.finish()
			return Done
		}

		// Always the oldest prefetch, whichever finished first.
		f := p.pending[0]
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
		}
		p.pending[0] = nil
		p.pending = p.pending[1:]

		if errors.Is(f.err, ErrNoContent) {
			p.logger.Debug().Int("offset", f.offset).Msg("Listing ended early with no content")
			p.finish()
			continue
		}
		if f.err != nil {
			p.err = fmt.Errorf("page at offset %d: %w", f.offset, f.err)
			p.finish()
			return p.err
		}
		p.queue = append(p.queue, f.page.Results...)
	}
}

// first fetches the page at the start offset and launches the follow-up prefetches.
func (p *Paginator[T]) first(ctx context.Context) error {
	size := p.opts.PageSize
	if p.opts.Limit > 0 && p.opts.Limit < size {
		size = p.opts.Limit
	}
	start := p.opts.Offset
	if start+size > p.opts.MaxItems {
		size = p.opts.MaxItems - start
	}
	if size <= 0 {
		p.exhausted = true
		return nil
	}

	page, err := p.fetch(ctx, start, size)
	if errors.Is(err, ErrNoContent) {
		p.exhausted = true
		return nil
	}
	if err != nil {
		return err
	}
	p.queue = page.Results

	end := min(page.Total, p.opts.MaxItems)
	if p.opts.Limit > 0 {
		end = min(end, start+p.opts.Limit)
	}

	launched := 0
	for offset := start + size; offset < end; offset += size {
		p.launch(offset, min(size, end-offset))
		launched++
	}

	if launched > 0 {
		p.logger.Debug().
			Int("total", page.Total).
			Int("page_size", size).
			Int("prefetches", launched).
			Msg("Prefetching remaining pages")
	}
	return nil
}

// launch starts one prefetch and queues its future in launch order.
func (p *Paginator[T]) launch(offset, size int) {
	f := &future[T]{offset: offset, done: make(chan struct{})}
	p.pending = append(p.pending, f)

	ctx := p.ctx
	go func() {
		defer close(f.done)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sem.Release(1)

		prefetchInflight.Inc()
		defer prefetchInflight.Dec()

		f.page, f.err = p.fetch(ctx, offset, size)
	}()
}

func (p *Paginator[T]) fetch(ctx context.Context, offset, size int) (Page[T], error) {
	params := p.params.Clone()
	params["offset"] = offset
	params["limit"] = size

	data, err := p.fetcher.FetchPage(ctx, p.path, params)
	if err != nil {
		return Page[T]{}, err
	}

	page, err := p.decode(data)
	if err != nil {
		return Page[T]{}, fmt.Errorf("decode page at offset %d: %w", offset, err)
	}
	pagesFetchedTotal.Inc()
	return page, nil
}

// finish marks the listing exhausted and cancels outstanding prefetches.
func (p *Paginator[T]) finish() {
	p.exhausted = true
	p.pending = nil
	if p.cancel != nil {
		p.cancel()
	}
}
