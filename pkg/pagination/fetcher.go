package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/Sternrassler/alertfeed/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for page fetching.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_pages_fetched_total",
		Help: "Listing pages fetched by mode",
	}, []string{"mode"})

	pagesRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_pages_rate_limited_total",
		Help: "Listing pages returned empty after exhausting 429 retries",
	})

	alertsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_alerts_skipped_total",
		Help: "Listing entries dropped because they could not be decoded",
	})

	walkPages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alertfeed_walk_pages",
		Help:    "Pages visited per since-walk",
		Buckets: []float64{1, 2, 5, 10, 50, 100, 1000},
	})
)

const (
	// DefaultRoutePrefix is the API product prefix in alert routes.
	DefaultRoutePrefix = "firstalert"

	// DefaultPageSize is requested for cursor pages.
	DefaultPageSize = 40

	// MaxPageSize is the largest page the API serves.
	MaxPageSize = 100

	// DefaultMaxPages bounds a since-walk.
	DefaultMaxPages = 1000
)

// Requester sends API requests. *client.Client satisfies it.
type Requester interface {
	Do(ctx context.Context, req client.Request) (*client.Response, error)
}

// AlertStore is the cache consulted by id lookups. *cache.AlertCache
// satisfies it.
type AlertStore interface {
	Get(id string) (alert.Alert, bool)
	Add(alerts ...alert.Alert) []alert.Alert
}

// FetcherConfig holds fetcher settings.
type FetcherConfig struct {
	RoutePrefix string
	PageSize    int

	// Cache, when set, serves FetchByID before the network and receives
	// alerts it finds.
	Cache AlertStore

	Logger zerolog.Logger
}

// PageRequest selects one listing page.
type PageRequest struct {
	// Count > 0 asks for the Count most recent alerts (up to MaxPageSize) and
	// ignores the cursors.
	Count int

	// From continues toward older alerts; To toward newer ones.
	From string
	To   string

	// PageSize applies to cursor requests; zero uses the configured size.
	PageSize int

	Lists []string

	// Query restricts the listing to alerts matching an entity.
	Query string
}

// Page is one decoded listing page, newest first.
type Page struct {
	Alerts         []alert.Alert
	NextCursor     string
	PreviousCursor string

	// RateLimited is set when the page was abandoned after exhausting 429
	// retries; Alerts is empty and there is no next cursor.
	RateLimited bool
}

// Fetcher reads alert listings and single alerts.
type Fetcher struct {
	api      Requester
	cache    AlertStore
	listing  string
	pageSize int
	logger   zerolog.Logger
}

// NewFetcher creates a fetcher on top of an API client.
func NewFetcher(api Requester, cfg FetcherConfig) *Fetcher {
	if cfg.RoutePrefix == "" {
		cfg.RoutePrefix = DefaultRoutePrefix
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = DefaultPageSize
	}
	return &Fetcher{
		api:      api,
		cache:    cfg.Cache,
		listing:  "/" + strings.Trim(cfg.RoutePrefix, "/") + "/v1/alerts",
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
	}
}

// FetchPage fetches one listing page. A page that stays rate limited after
// the client's retries comes back empty with RateLimited set and a nil
// error, so pollers can end the cycle instead of failing it.
func (f *Fetcher) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	page, err := f.fetchPage(ctx, req)
	var rle *client.RateLimitError
	if errors.As(err, &rle) {
		pagesRateLimitedTotal.Inc()
		f.logger.Warn().
			Dur("retry_after", rle.RetryAfter).
			Msg("Page still rate limited after retries - returning empty page")
		return Page{RateLimited: true}, nil
	}
	return page, err
}

func (f *Fetcher) fetchPage(ctx context.Context, req PageRequest) (Page, error) {
	q := url.Values{}
	mode := "cursor"
	switch {
	case req.Count > 0:
		mode = "count"
		q.Set("pageSize", strconv.Itoa(min(req.Count, MaxPageSize)))
	default:
		size := req.PageSize
		if size <= 0 || size > MaxPageSize {
			size = f.pageSize
		}
		q.Set("pageSize", strconv.Itoa(size))
		if req.From != "" {
			q.Set("from", req.From)
		} else if req.To != "" {
			q.Set("to", req.To)
		}
	}
	if len(req.Lists) > 0 {
		q.Set("lists", strings.Join(req.Lists, ","))
	}
	if req.Query != "" {
		mode = "search"
		q.Set("query", req.Query)
	}

	resp, err := f.api.Do(ctx, client.Request{Method: http.MethodGet, Route: f.listing, Query: q})
	if err != nil {
		return Page{}, err
	}
	pagesFetchedTotal.WithLabelValues(mode).Inc()

	decoded, err := alert.DecodeListPage(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("decode alert listing: %w", err)
	}
	if decoded.Skipped > 0 {
		alertsSkippedTotal.Add(float64(decoded.Skipped))
		f.logger.Warn().Int("skipped", decoded.Skipped).Msg("Skipped undecodable alerts")
	}

	alert.SortNewestFirst(decoded.Alerts)
	page := Page{
		Alerts:         decoded.Alerts,
		NextCursor:     nextCursor(decoded.NextPage),
		PreviousCursor: previousCursor(decoded.PreviousPage),
	}

	f.logger.Debug().
		Str("mode", mode).
		Int("alerts", len(page.Alerts)).
		Bool("has_next", page.NextCursor != "").
		Msg("Fetched listing page")
	return page, nil
}

// nextCursor reads the cursor of a nextPage URL, which normally carries it
// in from.
func nextCursor(pageURL string) string {
	return alert.CursorFromURL(pageURL, "from", "to")
}

// previousCursor reads the cursor of a previousPage URL, which normally
// carries it in to.
func previousCursor(pageURL string) string {
	return alert.CursorFromURL(pageURL, "to", "from")
}

// FetchRecent returns up to count of the most recent alerts, newest first,
// following cursors when count exceeds MaxPageSize. If a page is rate
// limited the alerts gathered so far are returned with RateLimited set.
func (f *Fetcher) FetchRecent(ctx context.Context, count int, lists []string) (Page, error) {
	if count <= 0 {
		return Page{}, nil
	}

	first, err := f.FetchPage(ctx, PageRequest{Count: count, Lists: lists})
	if err != nil {
		return Page{}, err
	}
	result := first
	result.Alerts = append([]alert.Alert(nil), first.Alerts...)

	for len(result.Alerts) < count && result.NextCursor != "" {
		remaining := count - len(result.Alerts)
		page, err := f.FetchPage(ctx, PageRequest{
			From:     result.NextCursor,
			PageSize: min(remaining, MaxPageSize),
			Lists:    lists,
		})
		if err != nil {
			return Page{}, err
		}
		result.NextCursor = page.NextCursor
		if page.RateLimited {
			result.RateLimited = true
			break
		}
		if len(page.Alerts) == 0 {
			break
		}
		result.Alerts = append(result.Alerts, page.Alerts...)
	}

	if len(result.Alerts) > count {
		result.Alerts = result.Alerts[:count]
	}
	return result, nil
}

// WalkOptions bounds a since-walk.
type WalkOptions struct {
	// Since drops alerts older than it. Alerts at exactly Since qualify.
	Since time.Time

	Lists    []string
	PageSize int

	// MaxPages defaults to DefaultMaxPages.
	MaxPages int
}

// WalkResult summarizes a since-walk.
type WalkResult struct {
	Pages  int
	Alerts int

	// Truncated is set when the walk stopped at MaxPages.
	Truncated bool

	// RateLimited is set when the walk stopped at a rate limited page.
	RateLimited bool
}

// Walk visits pages from newest toward oldest, handing visit the alerts of
// each page that are not older than opts.Since, in page order. It stops at
// the first page with no qualifying alert, at the last page, at a rate
// limited page, or at the page ceiling. An error from visit ends the walk.
func (f *Fetcher) Walk(ctx context.Context, opts WalkOptions, visit func([]alert.Alert) error) (WalkResult, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var res WalkResult
	defer func() { walkPages.Observe(float64(res.Pages)) }()

	cursor := ""
	for {
		page, err := f.FetchPage(ctx, PageRequest{From: cursor, PageSize: opts.PageSize, Lists: opts.Lists})
		if err != nil {
			return res, fmt.Errorf("fetch page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		if page.RateLimited {
			res.RateLimited = true
			return res, nil
		}

		qualifying := make([]alert.Alert, 0, len(page.Alerts))
		for _, a := range page.Alerts {
			if !a.Timestamp.Before(opts.Since) {
				qualifying = append(qualifying, a)
			}
		}
		if len(qualifying) == 0 {
			f.logger.Debug().Int("pages", res.Pages).Msg("Reached alerts older than watermark")
			return res, nil
		}

		if err := visit(qualifying); err != nil {
			return res, err
		}
		res.Alerts += len(qualifying)

		if page.NextCursor == "" {
			return res, nil
		}
		if res.Pages >= maxPages {
			res.Truncated = true
			f.logger.Warn().
				Int("pages", res.Pages).
				Int("alerts", res.Alerts).
				Msg("Page ceiling reached - stopping walk")
			return res, nil
		}
		cursor = page.NextCursor
	}
}

// FetchByID returns the alert with the given id, or nil if it does not
// exist. The cache is consulted first; alerts fetched from the API are added
// to it. A lookup response of unknown shape is logged and treated as not
// found.
func (f *Fetcher) FetchByID(ctx context.Context, id string, lists []string) (*alert.Alert, error) {
	if id == "" {
		return nil, nil
	}
	if f.cache != nil {
		if a, ok := f.cache.Get(id); ok {
			return &a, nil
		}
	}

	q := url.Values{}
	if len(lists) > 0 {
		q.Set("lists", strings.Join(lists, ","))
	}
	resp, err := f.api.Do(ctx, client.Request{
		Method: http.MethodGet,
		Route:  f.listing + "/" + url.PathEscape(id),
		Label:  f.listing + "/:id",
		Query:  q,
	})
	if errors.Is(err, client.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a, err := alert.DecodeLookup(resp.Body)
	if err != nil {
		var shapeErr *alert.UnexpectedShapeError
		if errors.As(err, &shapeErr) {
			f.logger.Warn().Err(err).Str("alert_id", id).Msg("Unexpected lookup response shape")
			return nil, nil
		}
		return nil, err
	}

	if f.cache != nil {
		f.cache.Add(a)
	}
	return &a, nil
}

// Search fetches one page of alerts matching entity. Unlike FetchPage it
// reports rate limiting as a *client.RateLimitError, so a batched fan-out
// can tell a throttled entity from one with no matches.
func (f *Fetcher) Search(ctx context.Context, entity string, lists []string, pageSize int) ([]alert.Alert, error) {
	page, err := f.fetchPage(ctx, PageRequest{PageSize: pageSize, Lists: lists, Query: entity})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", entity, err)
	}
	return page.Alerts, nil
}
