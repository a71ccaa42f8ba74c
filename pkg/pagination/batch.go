package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/rs/zerolog"
)

// BatchConfig holds batch executor settings.
type BatchConfig struct {
	Clock  clock.Clock
	Logger zerolog.Logger
}

// BatchOptions shape one Run.
type BatchOptions struct {
	// MaxConcurrent is the group size; defaults to 3.
	MaxConcurrent int

	// Delay separates consecutive groups. No delay follows the last group.
	Delay time.Duration

	// BestEffort drops failed requests from the results instead of
	// reporting the first failure.
	BestEffort bool
}

// DefaultBatchOptions returns the options used for entity search.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{MaxConcurrent: 3, Delay: time.Second}
}

// BatchRequest is one independent unit of a fan-out.
type BatchRequest struct {
	Name  string
	Fetch func(ctx context.Context) ([]alert.Alert, error)
}

// BatchResult is the outcome of one request. Index is its position in the
// request slice.
type BatchResult struct {
	Index  int
	Name   string
	Alerts []alert.Alert
	Err    error
}

// BatchExecutor runs requests in consecutive fixed-size groups.
type BatchExecutor struct {
	clock  clock.Clock
	logger zerolog.Logger
}

// NewBatchExecutor creates a batch executor.
func NewBatchExecutor(cfg BatchConfig) *BatchExecutor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &BatchExecutor{clock: cfg.Clock, logger: cfg.Logger}
}

// Run executes requests in groups of opts.MaxConcurrent. Members of a group
// run concurrently and the next group starts opts.Delay after the previous
// one finishes. Each request succeeds or fails on its own.
//
// In strict mode every result is returned, in request order, together with
// the first failure by request order. In best-effort mode only successful
// results are returned and the error is nil. Either way a cancelled ctx
// stops further groups and is returned.
func (b *BatchExecutor) Run(ctx context.Context, requests []BatchRequest, opts BatchOptions) ([]BatchResult, error) {
	size := opts.MaxConcurrent
	if size <= 0 {
		size = DefaultBatchOptions().MaxConcurrent
	}

	results := make([]BatchResult, 0, len(requests))
	groups := (len(requests) + size - 1) / size

	for g := 0; g < groups; g++ {
		if g > 0 && opts.Delay > 0 {
			if err := b.clock.Sleep(ctx, opts.Delay); err != nil {
				return b.finish(results, opts), fmt.Errorf("batch cancelled before group %d: %w", g+1, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return b.finish(results, opts), fmt.Errorf("batch cancelled before group %d: %w", g+1, err)
		}

		start := g * size
		end := min(start+size, len(requests))
		group := make([]BatchResult, end-start)

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := requests[i]
				alerts, err := req.Fetch(ctx)
				group[i-start] = BatchResult{Index: i, Name: req.Name, Alerts: alerts, Err: err}
			}()
		}
		wg.Wait()

		b.logger.Debug().
			Int("group", g+1).
			Int("groups", groups).
			Int("requests", end-start).
			Msg("Batch group complete")
		results = append(results, group...)
	}

	if opts.BestEffort {
		return b.finish(results, opts), nil
	}
	for _, r := range results {
		if r.Err != nil {
			return results, fmt.Errorf("request %d (%s): %w", r.Index, r.Name, r.Err)
		}
	}
	return results, nil
}

// finish drops failed results in best-effort mode.
func (b *BatchExecutor) finish(results []BatchResult, opts BatchOptions) []BatchResult {
	if !opts.BestEffort {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if r.Err != nil {
			b.logger.Warn().Err(r.Err).Str("request", r.Name).Msg("Dropping failed batch request")
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
