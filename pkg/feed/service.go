package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/Sternrassler/alertfeed/pkg/cache"
	"github.com/Sternrassler/alertfeed/pkg/client"
	"github.com/Sternrassler/alertfeed/pkg/logging"
	"github.com/Sternrassler/alertfeed/pkg/pagination"
	"github.com/Sternrassler/alertfeed/pkg/poll"
	"github.com/Sternrassler/alertfeed/pkg/ratelimit"
	"github.com/Sternrassler/alertfeed/pkg/token"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrInvalidQuery is returned when a SinceQuery names neither a timestamp nor
// a count.
var ErrInvalidQuery = errors.New("since or count is required")

// restoreTimeout bounds the best-effort quota restore in New.
const restoreTimeout = 5 * time.Second

// Config holds the service configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://api.example.com".
	BaseURL string

	// RoutePrefix is the product segment of alert routes.
	RoutePrefix string

	// Credential may be empty: on-demand calls then fail with a
	// configuration error and polling refuses to start.
	Credential token.Credential

	// CacheCapacity bounds the alert cache.
	CacheCapacity int

	// PageSize is used for cursor pages.
	PageSize int

	// Redis, when set, shares the token and mirrors the quota state.
	Redis *redis.Client

	// Sink receives alerts new to the cache from poll cycles. Optional.
	Sink poll.Sink

	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	Retry      client.RetryPolicy
	Batch      pagination.BatchOptions

	Clock  clock.Clock
	Logger zerolog.Logger
}

// DefaultConfig returns a configuration with the default cache size, page
// size, retry policy and batch options.
func DefaultConfig(baseURL string, cred token.Credential) Config {
	return Config{
		BaseURL:       baseURL,
		RoutePrefix:   pagination.DefaultRoutePrefix,
		Credential:    cred,
		CacheCapacity: cache.DefaultCapacity,
		PageSize:      pagination.DefaultPageSize,
		Timeout:       30 * time.Second,
		UserAgent:     "alertfeed/1.0",
		Retry:         client.DefaultRetryPolicy(),
		Batch:         pagination.DefaultBatchOptions(),
		Logger:        zerolog.Nop(),
	}
}

// Service ingests alerts for one credential pair and serves queries.
type Service struct {
	credential token.Credential
	limiter    *ratelimit.Limiter
	fetcher    *pagination.Fetcher
	batch      *pagination.BatchExecutor
	batchOpts  pagination.BatchOptions
	cache      *cache.AlertCache
	scheduler  *poll.Scheduler
	clock      clock.Clock
	logger     zerolog.Logger

	// attempts is the per-request attempt budget, reported on rate limits.
	attempts int
}

// New wires the service. It does not contact the API; the first request
// issues the token.
func New(cfg Config) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.CacheCapacity < 0 {
		return nil, fmt.Errorf("cache capacity must be >= 0 (got %d)", cfg.CacheCapacity)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	var tokens client.TokenSource = missingCredentials{}
	var quotaStore ratelimit.StateStore
	if cfg.Credential.Valid() {
		tcfg := token.Config{
			BaseURL:    cfg.BaseURL,
			Credential: cfg.Credential,
			HTTPClient: cfg.HTTPClient,
			Clock:      cfg.Clock,
			ExpirySkew: token.DefaultExpirySkew,
			Logger:     logging.Component(cfg.Logger, "token"),
		}
		if cfg.Redis != nil {
			tcfg.Store = token.NewRedisStore(cfg.Redis)
			quotaStore = ratelimit.NewRedisStateStore(cfg.Redis, cfg.Credential.Key())
		}
		mgr, err := token.NewManager(tcfg)
		if err != nil {
			return nil, fmt.Errorf("create token manager: %w", err)
		}
		tokens = mgr
	} else {
		cfg.Logger.Warn().Msg("No client credentials configured - API calls will fail until they are set")
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Clock:  cfg.Clock,
		Store:  quotaStore,
		Logger: logging.Component(cfg.Logger, "ratelimit"),
	})
	restoreCtx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	if err := limiter.Restore(restoreCtx); err != nil {
		cfg.Logger.Warn().Err(err).Msg("Failed to restore quota state")
	}
	cancel()

	ccfg := client.DefaultConfig(cfg.BaseURL, tokens, limiter)
	ccfg.HTTPClient = cfg.HTTPClient
	ccfg.Retry = cfg.Retry
	ccfg.Clock = cfg.Clock
	ccfg.Logger = logging.Component(cfg.Logger, "client")
	if cfg.Timeout > 0 {
		ccfg.Timeout = cfg.Timeout
	}
	if cfg.UserAgent != "" {
		ccfg.UserAgent = cfg.UserAgent
	}
	api, err := client.New(ccfg)
	if err != nil {
		return nil, fmt.Errorf("create api client: %w", err)
	}

	alerts := cache.New(cfg.CacheCapacity)
	fetcher := pagination.NewFetcher(api, pagination.FetcherConfig{
		RoutePrefix: cfg.RoutePrefix,
		PageSize:    cfg.PageSize,
		Cache:       alerts,
		Logger:      logging.Component(cfg.Logger, "fetcher"),
	})

	return &Service{
		credential: cfg.Credential,
		limiter:    limiter,
		fetcher:    fetcher,
		batch: pagination.NewBatchExecutor(pagination.BatchConfig{
			Clock:  cfg.Clock,
			Logger: logging.Component(cfg.Logger, "batch"),
		}),
		batchOpts: cfg.Batch,
		cache:     alerts,
		scheduler: poll.NewScheduler(poll.Config{
			Credential: cfg.Credential,
			Source:     fetcher,
			Store:      alerts,
			Sink:       cfg.Sink,
			Clock:      cfg.Clock,
			Logger:     logging.Component(cfg.Logger, "poll"),
		}),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		attempts: cfg.Retry.MaxRetries + 1,
	}, nil
}

// missingCredentials stands in for the token manager when no credential pair
// is configured.
type missingCredentials struct{}

func (missingCredentials) Get(context.Context, bool) (token.Token, error) {
	return token.Token{}, token.ErrMissingCredentials
}

func (missingCredentials) Invalidate(context.Context, string) error { return nil }

// PollOptions control background polling.
type PollOptions = poll.Options

// StartPolling starts the background poller. Without credentials it returns
// poll.ErrNoCredentials and the service keeps serving on-demand lookups from
// the cache. Calling it while polling is a no-op.
func (s *Service) StartPolling(ctx context.Context, opts PollOptions) error {
	return s.scheduler.Start(ctx, opts)
}

// StopPolling stops the poller and waits for a running cycle. It is
// idempotent.
func (s *Service) StopPolling() {
	s.scheduler.Stop()
}

// PollNow runs one cycle immediately, unless one is already running.
func (s *Service) PollNow(ctx context.Context) poll.CycleResult {
	return s.scheduler.PollOnce(ctx)
}

// GetAlertByID returns the alert with id, from the cache when held. A
// missing alert is reported as nil with a nil error.
func (s *Service) GetAlertByID(ctx context.Context, id string) (*alert.Alert, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("alert id is required")
	}
	a, err := s.fetcher.FetchByID(ctx, id, nil)
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

// Status is a snapshot of the service.
type Status struct {
	Polling               poll.Status          `json:"polling"`
	CacheSize             int                  `json:"cache_size"`
	CacheCapacity         int                  `json:"cache_capacity"`
	Quota                 ratelimit.QuotaState `json:"quota"`
	CredentialsConfigured bool                 `json:"credentials_configured"`
}

// Status returns a snapshot of the poller, cache and quota.
func (s *Service) Status() Status {
	return Status{
		Polling:               s.scheduler.Status(),
		CacheSize:             s.cache.Len(),
		CacheCapacity:         s.cache.Capacity(),
		Quota:                 s.limiter.State(),
		CredentialsConfigured: s.credential.Valid(),
	}
}

// Close stops polling. The Redis client, if any, belongs to the caller.
func (s *Service) Close() error {
	s.scheduler.Stop()
	return nil
}
