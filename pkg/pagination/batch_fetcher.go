package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/mangadex-client/pkg/apierror"
	"github.com/Sternrassler/mangadex-client/pkg/logging"
	"github.com/Sternrassler/mangadex-client/pkg/query"
)

// MaxBatchSize is the most ids MangaDex accepts in one ids[] filter.
const MaxBatchSize = 100

// BatchConfig holds batch fetcher configuration.
type BatchConfig struct {
	// BatchSize is the number of ids per request, at most MaxBatchSize.
	BatchSize int

	// MaxConcurrency is the maximum number of parallel batch requests.
	MaxConcurrency int

	// IDParam is the array parameter carrying the ids.
	IDParam string

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultBatchConfig returns safe default configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:      MaxBatchSize,
		MaxConcurrency: 4,
		IDParam:        "ids",
	}
}

// BatchFetcher resolves many ids through a listing endpoint, MaxBatchSize at a time.
type BatchFetcher[T any] struct {
	fetcher Fetcher
	decode  Decoder[T]
	idOf    func(T) string
	config  BatchConfig
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher. idOf extracts the id of a decoded record.
func NewBatchFetcher[T any](fetcher Fetcher, decode Decoder[T], idOf func(T) string, config BatchConfig) *BatchFetcher[T] {
	if config.BatchSize <= 0 || config.BatchSize > MaxBatchSize {
		config.BatchSize = MaxBatchSize
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.IDParam == "" {
		config.IDParam = "ids"
	}

	return &BatchFetcher[T]{
		fetcher: fetcher,
		decode:  decode,
		idOf:    idOf,
		config:  config,
		logger:  logging.Component(config.Logger, "batch-fetcher"),
	}
}

// FetchByIDs fetches every id in batches and returns the records keyed by id. Duplicate ids
// are requested once; ids the server does not return are absent from the map.
func (bf *BatchFetcher[T]) FetchByIDs(ctx context.Context, path string, ids []string, params query.Params) (map[string]T, error) {
	start := time.Now()

	unique, err := normalizeIDs(ids)
	if err != nil {
		return nil, err
	}
	if len(unique) == 0 {
		return map[string]T{}, nil
	}

	batches := chunk(unique, bf.config.BatchSize)
	bf.logger.Info().
		Str("path", path).
		Int("ids", len(unique)).
		Int("batches", len(batches)).
		Msg("Starting batch fetch")

	results := make(map[string]T, len(unique))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.config.MaxConcurrency)
	for i, batch := range batches {
		g.Go(func() error {
			records, err := bf.FetchBatch(gctx, path, batch, params)
			if err != nil {
				bf.logger.Warn().Err(err).Int("batch", i).Msg("Batch fetch failed")
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, record := range records {
				results[bf.idOf(record)] = record
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bf.logger.Info().
		Str("path", path).
		Int("requested", len(unique)).
		Int("found", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")

	return results, nil
}

// FetchBatch performs one request for at most MaxBatchSize ids.
func (bf *BatchFetcher[T]) FetchBatch(ctx context.Context, path string, ids []string, params query.Params) ([]T, error) {
	if len(ids) > MaxBatchSize {
		return nil, apierror.InvalidArgument("batch of %d ids exceeds the maximum of %d", len(ids), MaxBatchSize)
	}

	if params == nil {
		params = query.Params{}
	}
	batchParams := params.Clone()
	batchParams[bf.config.IDParam] = ids
	batchParams["limit"] = len(ids)

	data, err := bf.fetcher.FetchPage(ctx, path, batchParams)
	if errors.Is(err, ErrNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	page, err := bf.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	pagesFetchedTotal.Inc()
	return page.Results, nil
}

// normalizeIDs validates ids as UUIDs and drops repeats, keeping first-seen order.
func normalizeIDs(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, apierror.InvalidArgument("id %q is not a UUID", id)
		}
		canonical := parsed.String()
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		unique = append(unique, canonical)
	}
	return unique, nil
}

func chunk(ids []string, size int) [][]string {
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for len(ids) > size {
		batches = append(batches, ids[:size:size])
		ids = ids[size:]
	}
	return append(batches, ids)
}
