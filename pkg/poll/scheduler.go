// Package poll runs the periodic ingestion cycle that keeps the alert cache
// current. A scheduler bootstraps with the most recent alerts, then walks
// forward from a "last seen" watermark on a fixed interval.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/Sternrassler/alertfeed/pkg/pagination"
	"github.com/Sternrassler/alertfeed/pkg/token"
	"github.com/rs/zerolog"
)

// ErrNoCredentials is returned by Start when no client credentials are
// configured.
var ErrNoCredentials = errors.New("polling requires client credentials")

const (
	// MinInterval is the shortest allowed polling interval.
	MinInterval = 30 * time.Second

	// DefaultInterval is used when Options.Interval is zero.
	DefaultInterval = time.Minute

	// DefaultBootstrapCount is how many recent alerts seed the cache.
	DefaultBootstrapCount = 10
)

// State is the scheduler's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateSteady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateSteady:
		return "steady"
	default:
		return "unknown"
	}
}

// Watermark records ingestion progress. It only moves forward.
type Watermark struct {
	LastPollTime         time.Time `json:"last_poll_time"`
	TotalAlertsProcessed int64     `json:"total_alerts_processed"`
}

// CycleResult describes one poll cycle. Cycles report failures here rather
// than returning errors.
type CycleResult struct {
	Success bool  `json:"success"`
	Error   error `json:"-"`

	// Message is Error's text, for status reports.
	Message string `json:"error,omitempty"`

	Bootstrap bool `json:"bootstrap"`
	Alerts    int  `json:"alerts"`
	New       int  `json:"new"`
	Pages     int  `json:"pages"`

	// Truncated is set when the walk hit the page ceiling.
	Truncated bool `json:"truncated"`

	// Degraded is set when a page was rate limited. The cycle still counts
	// as a partial success: the alerts gathered are kept and the watermark
	// advances.
	Degraded bool `json:"degraded"`

	// Skipped is set when another cycle was already running.
	Skipped bool `json:"skipped"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Source fetches alerts for a cycle. *pagination.Fetcher satisfies it.
type Source interface {
	FetchRecent(ctx context.Context, count int, lists []string) (pagination.Page, error)
	Walk(ctx context.Context, opts pagination.WalkOptions, visit func([]alert.Alert) error) (pagination.WalkResult, error)
}

// Store receives ingested alerts and returns those it had not seen.
// *cache.AlertCache satisfies it.
type Store interface {
	Add(alerts ...alert.Alert) []alert.Alert
}

// Sink is notified of newly ingested alerts.
type Sink interface {
	Publish(ctx context.Context, alerts []alert.Alert) error
}

// Options control a polling run.
type Options struct {
	// Interval between cycle starts; raised to MinInterval if lower.
	Interval time.Duration

	// BootstrapCount is the number of recent alerts fetched on the first
	// cycle.
	BootstrapCount int

	Lists    []string
	PageSize int
	MaxPages int
}

func (o Options) normalize(floor time.Duration) Options {
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	if o.Interval < floor {
		o.Interval = floor
	}
	if o.BootstrapCount <= 0 {
		o.BootstrapCount = DefaultBootstrapCount
	}
	return o
}

// Config holds scheduler collaborators.
type Config struct {
	Credential token.Credential
	Source     Source
	Store      Store

	// Sink is optional.
	Sink Sink

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Status is a snapshot of the scheduler.
type Status struct {
	State      State       `json:"-"`
	StateName  string      `json:"state"`
	Running    bool        `json:"running"`
	Watermark  Watermark   `json:"watermark"`
	LastResult CycleResult `json:"last_result"`
	Skipped    int64       `json:"skipped_cycles"`
	Interval   string      `json:"interval,omitempty"`
}

// Scheduler runs poll cycles. Cycles never overlap: a cycle due while
// another is running is skipped.
type Scheduler struct {
	credential token.Credential
	source     Source
	store      Store
	sink       Sink
	clock      clock.Clock
	logger     zerolog.Logger

	minInterval time.Duration

	// cycle is held for the duration of a cycle.
	cycle sync.Mutex

	mu        sync.Mutex
	state     State
	watermark Watermark
	last      CycleResult
	skipped   int64
	opts      Options
	cancel    context.CancelFunc
	done      chan struct{}
	inflight  sync.WaitGroup
}

// NewScheduler creates a scheduler in the Uninitialized state.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Scheduler{
		credential:  cfg.Credential,
		source:      cfg.Source,
		store:       cfg.Store,
		sink:        cfg.Sink,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		minInterval: MinInterval,
		opts:        Options{}.normalize(MinInterval),
	}
}

// Start begins polling: the first cycle runs immediately, then one every
// opts.Interval until Stop or until ctx is done. Calling Start while running
// is a no-op.
func (s *Scheduler) Start(ctx context.Context, opts Options) error {
	if !s.credential.Valid() {
		s.logger.Warn().Msg("Polling not started - no client credentials configured")
		return ErrNoCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	s.opts = opts.normalize(s.minInterval)
	if s.state == StateUninitialized {
		s.setState(StateBootstrapping)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.opts.Interval, s.done)

	s.logger.Info().
		Dur("interval", s.opts.Interval).
		Int("bootstrap_count", s.opts.BootstrapCount).
		Msg("Polling started")
	return nil
}

// Stop ends polling and waits for any running cycle. It is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.inflight.Wait()
	s.logger.Info().Msg("Polling stopped")
}

// Running reports whether the polling loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch runs a cycle in the background so the ticker keeps its cadence
// and overlapping ticks can be observed and skipped.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.PollOnce(ctx)
	}()
}

// PollOnce runs one cycle now, unless a cycle is already running, in which
// case it returns a result with Skipped set.
func (s *Scheduler) PollOnce(ctx context.Context) CycleResult {
	if !s.cycle.TryLock() {
		skippedCyclesTotal.Inc()
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.logger.Warn().Msg("Poll cycle still running - skipping this one")
		return CycleResult{Skipped: true, StartedAt: s.clock.Now()}
	}
	defer s.cycle.Unlock()

	if !s.credential.Valid() {
		return CycleResult{Error: ErrNoCredentials, StartedAt: s.clock.Now()}
	}

	s.mu.Lock()
	if s.state == StateUninitialized {
		s.setState(StateBootstrapping)
	}
	state, wm, opts := s.state, s.watermark, s.opts
	s.mu.Unlock()

	start := s.clock.Now()
	timer := time.Now()
	var res CycleResult
	if state == StateBootstrapping {
		res = s.bootstrap(ctx, opts, start)
	} else {
		res = s.steady(ctx, opts, wm, start)
	}
	res.StartedAt = start
	res.Duration = time.Since(timer)
	if res.Error != nil {
		res.Message = res.Error.Error()
	}
	s.record(res)
	return res
}

func (s *Scheduler) bootstrap(ctx context.Context, opts Options, start time.Time) CycleResult {
	res := CycleResult{Bootstrap: true}

	page, err := s.source.FetchRecent(ctx, opts.BootstrapCount, opts.Lists)
	if err != nil {
		res.Error = fmt.Errorf("bootstrap: %w", err)
		s.logger.Error().Err(err).Msg("Bootstrap poll failed - will retry next cycle")
		return res
	}
	res.Pages = 1
	res.Alerts = len(page.Alerts)
	res.New = s.fold(ctx, page.Alerts)
	res.Success = true

	if page.RateLimited {
		res.Degraded = true
		s.logger.Warn().Int("alerts", res.Alerts).Msg("Bootstrap rate limited - continuing with a partial cache")
	}

	s.mu.Lock()
	s.advance(start, res.Alerts)
	s.setState(StateSteady)
	s.mu.Unlock()
	return res
}

func (s *Scheduler) steady(ctx context.Context, opts Options, wm Watermark, start time.Time) CycleResult {
	var res CycleResult

	walk, err := s.source.Walk(ctx, pagination.WalkOptions{
		Since:    wm.LastPollTime,
		Lists:    opts.Lists,
		PageSize: opts.PageSize,
		MaxPages: opts.MaxPages,
	}, func(page []alert.Alert) error {
		res.New += s.fold(ctx, page)
		return nil
	})
	res.Pages = walk.Pages
	res.Alerts = walk.Alerts
	res.Truncated = walk.Truncated
	if err != nil {
		res.Error = err
		s.logger.Error().Err(err).Int("pages", walk.Pages).Msg("Poll cycle failed - watermark unchanged")
		return res
	}
	res.Success = true

	if walk.RateLimited {
		res.Degraded = true
		s.logger.Warn().Int("pages", walk.Pages).Msg("Poll cycle rate limited - keeping partial results")
	}

	s.mu.Lock()
	s.advance(start, res.Alerts)
	s.mu.Unlock()
	return res
}

// fold adds one page to the store and hands new alerts to the sink. It
// returns the number of new alerts.
func (s *Scheduler) fold(ctx context.Context, page []alert.Alert) int {
	if len(page) == 0 {
		return 0
	}
	added := s.store.Add(page...)
	if len(added) > 0 && s.sink != nil {
		if err := s.sink.Publish(ctx, added); err != nil {
			s.logger.Warn().Err(err).Int("alerts", len(added)).Msg("Failed to publish new alerts")
		}
	}
	return len(added)
}

// advance moves the watermark forward. Caller holds s.mu.
func (s *Scheduler) advance(to time.Time, processed int) {
	if to.After(s.watermark.LastPollTime) {
		s.watermark.LastPollTime = to
	}
	s.watermark.TotalAlertsProcessed += int64(processed)
	watermarkTimestamp.Set(float64(s.watermark.LastPollTime.Unix()))
}

// setState changes state. Caller holds s.mu.
func (s *Scheduler) setState(state State) {
	if s.state != state {
		s.logger.Debug().Str("from", s.state.String()).Str("to", state.String()).Msg("Poll state changed")
	}
	s.state = state
	schedulerState.Set(float64(state))
}

func (s *Scheduler) record(res CycleResult) {
	s.mu.Lock()
	s.last = res
	wm := s.watermark
	s.mu.Unlock()

	cycleDuration.Observe(res.Duration.Seconds())
	alertsIngestedTotal.Add(float64(res.New))

	switch {
	case !res.Success:
		cyclesTotal.WithLabelValues("failure").Inc()
	case res.Degraded:
		cyclesTotal.WithLabelValues("degraded").Inc()
	default:
		cyclesTotal.WithLabelValues("success").Inc()
	}
	if res.Truncated {
		s.logger.Warn().Int("pages", res.Pages).Msg("Poll cycle hit the page ceiling")
	}
	if res.Success {
		s.logger.Info().
			Bool("bootstrap", res.Bootstrap).
			Int("pages", res.Pages).
			Int("alerts", res.Alerts).
			Int("new", res.New).
			Time("watermark", wm.LastPollTime).
			Dur("duration", res.Duration).
			Msg("Poll cycle complete")
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watermark returns the current watermark.
func (s *Scheduler) Watermark() Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:      s.state,
		StateName:  s.state.String(),
		Running:    s.cancel != nil,
		Watermark:  s.watermark,
		LastResult: s.last,
		Skipped:    s.skipped,
	}
	if st.Running {
		st.Interval = s.opts.Interval.String()
	}
	return st
}
