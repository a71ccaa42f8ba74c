package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	quotaLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertfeed_quota_limit",
		Help: "Requests allowed per upstream quota window",
	})

	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertfeed_quota_remaining",
		Help: "Requests remaining in the current upstream quota window",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_rate_limit_waits_total",
		Help: "Number of times a caller waited for the quota window to reset",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alertfeed_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the quota window to reset",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60},
	})
)

// Config holds limiter settings.
type Config struct {
	// Limit is the assumed request limit before headers are seen.
	Limit int

	// Window is how long to wait when the quota is exhausted and the server
	// has not said when it resets.
	Window time.Duration

	Clock  clock.Clock
	Store  StateStore
	Logger zerolog.Logger
}

// Limiter gates outgoing requests on the remote quota. It is safe for
// concurrent use; its lock is never held across a network call.
type Limiter struct {
	mu     sync.Mutex
	state  QuotaState
	window time.Duration

	clock  clock.Clock
	store  StateStore
	logger zerolog.Logger
}

// NewLimiter creates a limiter starting from the conservative default state.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	quotaLimit.Set(float64(cfg.Limit))
	quotaRemaining.Set(float64(cfg.Limit))

	return &Limiter{
		state:  QuotaState{Limit: cfg.Limit, Remaining: cfg.Limit},
		window: cfg.Window,
		clock:  cfg.Clock,
		store:  cfg.Store,
		logger: cfg.Logger,
	}
}

// Wait blocks until a request may be sent, then consumes one unit of quota.
// It returns early with ctx.Err() if ctx is cancelled while waiting.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		if l.state.resetIfDue(now) {
			l.logger.Debug().Int("limit", l.state.Limit).Msg("Quota window reset")
		}

		if l.state.Remaining > 0 {
			l.state.Remaining--
			quotaRemaining.Set(float64(l.state.Remaining))
			l.mu.Unlock()
			return nil
		}

		if l.state.ResetAt.IsZero() {
			l.state.ResetAt = now.Add(l.window)
		}
		wait := l.state.ResetAt.Sub(now)
		resetAt := l.state.ResetAt
		l.mu.Unlock()

		rateLimitWaitsTotal.Inc()
		rateLimitWaitSeconds.Observe(wait.Seconds())
		l.logger.Warn().
			Dur("wait", wait).
			Time("reset_at", resetAt).
			Msg("Quota exhausted - waiting for window reset")

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("wait for quota: %w", err)
		}
	}
}

// Observe overwrites the quota state with whatever X-RateLimit-* headers are
// present. It must be called for every response, including errors. Headers
// that fail to parse are skipped and reported in the returned error.
func (l *Limiter) Observe(ctx context.Context, headers http.Header) error {
	limit, hasLimit, limitErr := intHeader(headers, HeaderLimit)
	remaining, hasRemaining, remainErr := intHeader(headers, HeaderRemaining)
	resetMs, hasReset, resetErr := intHeader(headers, HeaderReset)
	parseErr := errors.Join(limitErr, remainErr, resetErr)

	if !hasLimit && !hasRemaining && !hasReset {
		return parseErr
	}

	l.mu.Lock()
	now := l.clock.Now()
	if hasLimit && limit > 0 {
		l.state.Limit = limit
	}
	if hasRemaining && remaining >= 0 {
		l.state.Remaining = remaining
	}
	if hasReset && resetMs >= 0 {
		l.state.ResetAt = now.Add(time.Duration(resetMs) * time.Millisecond)
	}
	l.state.LastUpdate = now
	snapshot := l.state
	l.mu.Unlock()

	quotaLimit.Set(float64(snapshot.Limit))
	quotaRemaining.Set(float64(snapshot.Remaining))

	l.logger.Debug().
		Int("limit", snapshot.Limit).
		Int("remaining", snapshot.Remaining).
		Time("reset_at", snapshot.ResetAt).
		Msg("Quota state updated")

	if l.store != nil {
		if err := l.store.Save(ctx, snapshot); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to mirror quota state")
		}
	}

	return parseErr
}

// Restore loads the last mirrored state from the store. A mirrored window
// that has already reset only contributes its limit.
func (l *Limiter) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	saved, ok, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load quota state: %w", err)
	}
	if !ok || saved.Limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.state.Limit = saved.Limit
	if !saved.ResetAt.IsZero() && now.Before(saved.ResetAt) {
		l.state.Remaining = min(saved.Remaining, saved.Limit)
		l.state.ResetAt = saved.ResetAt
	} else {
		l.state.Remaining = saved.Limit
		l.state.ResetAt = time.Time{}
	}
	l.state.LastUpdate = saved.LastUpdate

	quotaLimit.Set(float64(l.state.Limit))
	quotaRemaining.Set(float64(l.state.Remaining))
	l.logger.Info().
		Int("limit", l.state.Limit).
		Int("remaining", l.state.Remaining).
		Msg("Quota state restored")
	return nil
}

// State returns a snapshot of the current quota state.
func (l *Limiter) State() QuotaState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ResetDelay returns the server-provided time until the quota resets, if the
// response carried a valid reset header.
func ResetDelay(headers http.Header) (time.Duration, bool) {
	ms, ok, err := intHeader(headers, HeaderReset)
	if !ok || err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func intHeader(headers http.Header, name string) (int, bool, error) {
	raw := headers.Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s header: %w", name, err)
	}
	return v, true, nil
}
