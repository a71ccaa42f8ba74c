package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/Sternrassler/alertfeed/pkg/cache"
	"github.com/Sternrassler/alertfeed/pkg/pagination"
	"github.com/Sternrassler/alertfeed/pkg/token"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cred = token.Credential{ClientID: "id", ClientSecret: "secret"}
)

func mkAlert(id string, minute int) alert.Alert {
	return alert.Alert{ID: id, Timestamp: base.Add(time.Duration(minute) * time.Minute)}
}

type fakeSource struct {
	mu sync.Mutex

	recent    pagination.Page
	recentErr error

	pages     [][]alert.Alert
	walkExtra pagination.WalkResult
	walkErr   error

	recentCalls []int
	walkCalls   []pagination.WalkOptions

	entered chan struct{}
	release chan struct{}
}

func (f *fakeSource) FetchRecent(ctx context.Context, count int, lists []string) (pagination.Page, error) {
	f.mu.Lock()
	f.recentCalls = append(f.recentCalls, count)
	page, err := f.recent, f.recentErr
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return page, err
}

func (f *fakeSource) Walk(ctx context.Context, opts pagination.WalkOptions, visit func([]alert.Alert) error) (pagination.WalkResult, error) {
	f.mu.Lock()
	f.walkCalls = append(f.walkCalls, opts)
	pages, res, err := f.pages, f.walkExtra, f.walkErr
	f.mu.Unlock()

	for _, p := range pages {
		res.Pages++
		if err := visit(p); err != nil {
			return res, err
		}
		res.Alerts += len(p)
	}
	return res, err
}

type recordingSink struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (r *recordingSink) Publish(_ context.Context, alerts []alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range alerts {
		r.published = append(r.published, a.ID)
	}
	return r.err
}

func newTestScheduler(src Source, store Store, sink Sink, fc *clock.Fake) *Scheduler {
	cfg := Config{
		Credential: cred,
		Source:     src,
		Store:      store,
		Clock:      fc,
		Logger:     zerolog.Nop(),
	}
	if sink != nil {
		cfg.Sink = sink
	}
	return NewScheduler(cfg)
}

func TestStart_WithoutCredentials(t *testing.T) {
	s := NewScheduler(Config{Source: &fakeSource{}, Store: cache.New(10), Logger: zerolog.Nop()})

	err := s.Start(context.Background(), Options{})

	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, StateUninitialized, s.State())
	assert.False(t, s.Running())
}

func TestPollOnce_Bootstrap(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{recent: pagination.Page{Alerts: []alert.Alert{mkAlert("b", 2), mkAlert("a", 1)}}}
	store := cache.New(100)
	sink := &recordingSink{}
	s := newTestScheduler(src, store, sink, fc)

	res := s.PollOnce(context.Background())

	require.True(t, res.Success)
	assert.True(t, res.Bootstrap)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, []int{DefaultBootstrapCount}, src.recentCalls)
	assert.Equal(t, StateSteady, s.State())
	assert.Equal(t, Watermark{LastPollTime: base, TotalAlertsProcessed: 2}, s.Watermark())
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, []string{"b", "a"}, sink.published)
}

func TestPollOnce_BootstrapFailureRetriesNextCycle(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{recentErr: errors.New("upstream down")}
	s := newTestScheduler(src, cache.New(10), nil, fc)

	res := s.PollOnce(context.Background())

	assert.False(t, res.Success)
	assert.Error(t, res.Error)
	assert.Equal(t, StateBootstrapping, s.State())
	assert.True(t, s.Watermark().LastPollTime.IsZero())

	src.mu.Lock()
	src.recentErr = nil
	src.recent = pagination.Page{Alerts: []alert.Alert{mkAlert("a", 1)}}
	src.mu.Unlock()
	fc.Advance(time.Minute)

	res = s.PollOnce(context.Background())

	assert.True(t, res.Success)
	assert.True(t, res.Bootstrap)
	assert.Equal(t, StateSteady, s.State())
	assert.Len(t, src.recentCalls, 2)
}

func TestPollOnce_SteadyAdvancesWatermark(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{}
	store := cache.New(100)
	sink := &recordingSink{}
	s := newTestScheduler(src, store, sink, fc)
	require.True(t, s.PollOnce(context.Background()).Success)

	fc.Advance(time.Minute)
	second := base.Add(time.Minute)
	src.pages = [][]alert.Alert{
		{mkAlert("n3", 3), mkAlert("n2", 2)},
		{mkAlert("n1", 1)},
	}

	res := s.PollOnce(context.Background())

	require.True(t, res.Success)
	assert.False(t, res.Bootstrap)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 3, res.Alerts)
	require.Len(t, src.walkCalls, 1)
	assert.Equal(t, base, src.walkCalls[0].Since, "walk starts from the previous watermark")
	assert.Equal(t, Watermark{LastPollTime: second, TotalAlertsProcessed: 3}, s.Watermark())
	assert.Equal(t, []string{"n3", "n2", "n1"}, sink.published)

	// Re-ingesting the same alerts adds nothing new.
	fc.Advance(time.Minute)
	res = s.PollOnce(context.Background())
	assert.Equal(t, 0, res.New)
	assert.Equal(t, 3, store.Len())
	assert.Len(t, sink.published, 3)
}

func TestPollOnce_FailureKeepsWatermark(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{}
	s := newTestScheduler(src, cache.New(10), nil, fc)
	require.True(t, s.PollOnce(context.Background()).Success)
	before := s.Watermark()

	fc.Advance(time.Minute)
	src.pages = [][]alert.Alert{{mkAlert("partial", 5)}}
	src.walkErr = errors.New("page 2: transport error")

	res := s.PollOnce(context.Background())

	assert.False(t, res.Success)
	assert.Equal(t, before, s.Watermark())
	assert.Equal(t, StateSteady, s.State())
}

func TestPollOnce_DegradedAdvancesWatermark(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{}
	store := cache.New(10)
	s := newTestScheduler(src, store, nil, fc)
	require.True(t, s.PollOnce(context.Background()).Success)

	fc.Advance(time.Minute)
	src.pages = [][]alert.Alert{{mkAlert("kept", 5)}}
	src.walkExtra = pagination.WalkResult{RateLimited: true}

	res := s.PollOnce(context.Background())

	assert.True(t, res.Success)
	assert.True(t, res.Degraded)
	assert.Equal(t, base.Add(time.Minute), s.Watermark().LastPollTime)
	_, ok := store.Get("kept")
	assert.True(t, ok, "alerts gathered before the rate limit are kept")
}

func TestPollOnce_DegradedBootstrapCompletes(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{recent: pagination.Page{
		Alerts:      []alert.Alert{mkAlert("partial", 1)},
		RateLimited: true,
	}}
	store := cache.New(10)
	s := newTestScheduler(src, store, nil, fc)

	res := s.PollOnce(context.Background())

	assert.True(t, res.Success)
	assert.True(t, res.Degraded)
	assert.Equal(t, StateSteady, s.State())
	assert.Equal(t, base, s.Watermark().LastPollTime)
	assert.Equal(t, 1, store.Len())
}

func TestPollOnce_TruncatedStillAdvances(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{}
	s := newTestScheduler(src, cache.New(10), nil, fc)
	require.True(t, s.PollOnce(context.Background()).Success)

	fc.Advance(time.Minute)
	src.walkExtra = pagination.WalkResult{Truncated: true}

	res := s.PollOnce(context.Background())

	assert.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.Equal(t, base.Add(time.Minute), s.Watermark().LastPollTime)
}

func TestPollOnce_WatermarkNeverMovesBackward(t *testing.T) {
	fc := clock.NewFake(base)
	s := newTestScheduler(&fakeSource{}, cache.New(10), nil, fc)
	require.True(t, s.PollOnce(context.Background()).Success)

	fc.Advance(-time.Hour)
	require.True(t, s.PollOnce(context.Background()).Success)

	assert.Equal(t, base, s.Watermark().LastPollTime)
}

func TestPollOnce_SinkErrorDoesNotFailCycle(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{recent: pagination.Page{Alerts: []alert.Alert{mkAlert("a", 1)}}}
	sink := &recordingSink{err: errors.New("nats: connection closed")}
	s := newTestScheduler(src, cache.New(10), sink, fc)

	res := s.PollOnce(context.Background())

	assert.True(t, res.Success)
	assert.Equal(t, StateSteady, s.State())
}

func TestPollOnce_CyclesDoNotOverlap(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{
		recent:  pagination.Page{Alerts: []alert.Alert{mkAlert("a", 1)}},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newTestScheduler(src, cache.New(10), nil, fc)

	first := make(chan CycleResult)
	go func() { first <- s.PollOnce(context.Background()) }()
	<-src.entered

	overlapping := s.PollOnce(context.Background())
	assert.True(t, overlapping.Skipped)
	assert.False(t, overlapping.Success)

	close(src.release)
	assert.True(t, (<-first).Success)
	assert.Equal(t, int64(1), s.Status().Skipped)
	assert.Len(t, src.recentCalls, 1)
}

func TestStartStop(t *testing.T) {
	fc := clock.NewFake(base)
	src := &fakeSource{recent: pagination.Page{Alerts: []alert.Alert{mkAlert("a", 1)}}}
	s := newTestScheduler(src, cache.New(10), nil, fc)
	s.minInterval = 10 * time.Millisecond

	ctx := context.Background()
	require.NoError(t, s.Start(ctx, Options{Interval: 10 * time.Millisecond, BootstrapCount: 25}))
	require.NoError(t, s.Start(ctx, Options{}), "second Start is a no-op")
	assert.True(t, s.Running())

	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.walkCalls) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	assert.Equal(t, []int{25}, src.recentCalls)

	src.mu.Lock()
	calls := len(src.walkCalls)
	src.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	src.mu.Lock()
	assert.Equal(t, calls, len(src.walkCalls), "no cycles after Stop")
	src.mu.Unlock()
}

func TestOptions_IntervalFloor(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultInterval},
		{time.Second, MinInterval},
		{MinInterval, MinInterval},
		{5 * time.Minute, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, Options{Interval: tt.in}.normalize(MinInterval).Interval)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "bootstrapping", StateBootstrapping.String())
	assert.Equal(t, "steady", StateSteady.String())
}
