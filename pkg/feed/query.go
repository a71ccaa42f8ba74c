package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/Sternrassler/alertfeed/pkg/cache"
	"github.com/Sternrassler/alertfeed/pkg/client"
	"github.com/Sternrassler/alertfeed/pkg/pagination"
	"github.com/Sternrassler/alertfeed/pkg/poll"
)

// SinceQuery selects a range of recent alerts. With Since set, alerts newer
// than Since are returned, at most Count of them when Count > 0. Otherwise
// the Count most recent alerts are returned.
type SinceQuery struct {
	Since time.Time
	Count int
	Lists []string
}

// GetAlertsSince answers from the cache when the cache covers the range and
// falls back to the API otherwise. When the API is throttled or unreachable
// and the cache holds matching alerts, the cached alerts are returned
// instead of the error.
func (s *Service) GetAlertsSince(ctx context.Context, q SinceQuery) ([]alert.Alert, error) {
	switch {
	case !q.Since.IsZero():
		return s.alertsSince(ctx, q)
	case q.Count > 0:
		return s.recentAlerts(ctx, q)
	default:
		return nil, ErrInvalidQuery
	}
}

func (s *Service) alertsSince(ctx context.Context, q SinceQuery) ([]alert.Alert, error) {
	cached := s.cache.Query(cache.Filter{Lists: q.Lists, Since: q.Since})
	if s.covers(q.Since) {
		return limit(cached, q.Count), nil
	}

	var fetched []alert.Alert
	walk, err := s.fetcher.Walk(ctx, pagination.WalkOptions{Since: q.Since, Lists: q.Lists}, func(page []alert.Alert) error {
		for _, a := range page {
			if a.Timestamp.After(q.Since) {
				fetched = append(fetched, a)
			}
		}
		return nil
	})
	if err != nil {
		if len(cached) > 0 && client.IsRetryLater(err) {
			s.logger.Warn().Err(err).Int("alerts", len(cached)).Msg("API unavailable - serving cached alerts")
			return limit(cached, q.Count), nil
		}
		return nil, fmt.Errorf("alerts since %s: %w", q.Since.UTC().Format(time.RFC3339), err)
	}
	if walk.RateLimited {
		if len(cached) == 0 {
			return nil, fmt.Errorf("alerts since %s: %w", q.Since.UTC().Format(time.RFC3339), s.rateLimited())
		}
		s.logger.Warn().Int("pages", walk.Pages).Int("alerts", len(cached)).Msg("Walk rate limited - serving cached alerts")
	}
	return limit(merge(fetched, cached), q.Count), nil
}

func (s *Service) recentAlerts(ctx context.Context, q SinceQuery) ([]alert.Alert, error) {
	cached := s.cache.Query(cache.Filter{Lists: q.Lists})
	if len(cached) >= q.Count {
		return cached[:q.Count], nil
	}

	page, err := s.fetcher.FetchRecent(ctx, q.Count, q.Lists)
	if err != nil {
		if len(cached) > 0 && client.IsRetryLater(err) {
			s.logger.Warn().Err(err).Int("alerts", len(cached)).Msg("API unavailable - serving cached alerts")
			return cached, nil
		}
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	if page.RateLimited {
		if len(cached) == 0 {
			return nil, fmt.Errorf("recent alerts: %w", s.rateLimited())
		}
		s.logger.Warn().Int("alerts", len(page.Alerts)).Msg("Recent alerts cut short by rate limiting")
	}
	return limit(merge(page.Alerts, cached), q.Count), nil
}

// rateLimited reports an exhausted quota as a retry-later error carrying the
// time left in the quota window.
func (s *Service) rateLimited() error {
	return &client.RateLimitError{
		RetryAfter: s.limiter.State().TimeUntilReset(s.clock.Now()),
		Attempts:   s.attempts,
	}
}

// covers reports whether the cache holds every alert newer than since. That
// holds once the poller has bootstrapped and the oldest cached alert is not
// newer than since.
func (s *Service) covers(since time.Time) bool {
	if s.scheduler.State() != poll.StateSteady {
		return false
	}
	oldest, ok := s.cache.Oldest()
	return ok && !oldest.After(since)
}

// SearchOptions shape an entity search.
type SearchOptions struct {
	Lists []string

	// PageSize is the number of alerts requested per entity.
	PageSize int

	// BestEffort drops entities whose request failed instead of failing the
	// search.
	BestEffort bool
}

// Search queries the API once per entity, in throttled batches, and merges
// the results newest first without duplicates. It bypasses the cache.
func (s *Service) Search(ctx context.Context, entities []string, opts SearchOptions) ([]alert.Alert, error) {
	names := normalizeEntities(entities)
	if len(names) == 0 {
		return nil, nil
	}

	requests := make([]pagination.BatchRequest, len(names))
	for i, name := range names {
		requests[i] = pagination.BatchRequest{
			Name: name,
			Fetch: func(ctx context.Context) ([]alert.Alert, error) {
				return s.fetcher.Search(ctx, name, opts.Lists, opts.PageSize)
			},
		}
	}

	batchOpts := s.batchOpts
	batchOpts.BestEffort = opts.BestEffort
	results, err := s.batch.Run(ctx, requests, batchOpts)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	groups := make([][]alert.Alert, 0, len(results))
	for _, r := range results {
		groups = append(groups, r.Alerts)
	}
	merged := merge(groups...)

	s.logger.Debug().
		Int("entities", len(names)).
		Int("alerts", len(merged)).
		Msg("Search complete")
	return merged, nil
}

func normalizeEntities(entities []string) []string {
	seen := make(map[string]struct{}, len(entities))
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		names = append(names, e)
	}
	return names
}

// merge concatenates groups, keeps the first alert per id and sorts newest
// first.
func merge(groups ...[]alert.Alert) []alert.Alert {
	seen := make(map[string]struct{})
	var out []alert.Alert
	for _, g := range groups {
		for _, a := range g {
			if _, ok := seen[a.ID]; ok {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}
	alert.SortNewestFirst(out)
	return out
}

func limit(alerts []alert.Alert, n int) []alert.Alert {
	if n > 0 && len(alerts) > n {
		return alerts[:n]
	}
	return alerts
}
