package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/rs/zerolog"
)

func TestBatchExecutor_GroupsAndDelays(t *testing.T) {
	fc := clock.NewFake(base)
	exec := NewBatchExecutor(BatchConfig{Clock: fc, Logger: zerolog.Nop()})

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		mu       sync.Mutex
		startsAt = make(map[int]time.Time)
	)
	requests := make([]BatchRequest, 7)
	for i := range requests {
		requests[i] = BatchRequest{
			Name: fmt.Sprintf("req-%d", i),
			Fetch: func(ctx context.Context) ([]alert.Alert, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				mu.Lock()
				startsAt[i] = fc.Now()
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return []alert.Alert{{ID: fmt.Sprintf("a-%d", i)}}, nil
			},
		}
	}

	results, err := exec.Run(context.Background(), requests, BatchOptions{MaxConcurrent: 3, Delay: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(results) != 7 {
		t.Fatalf("results = %d, want 7", len(results))
	}
	for i, r := range results {
		if r.Index != i || r.Alerts[0].ID != fmt.Sprintf("a-%d", i) {
			t.Errorf("result %d = %+v", i, r)
		}
	}

	sleeps := fc.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 100*time.Millisecond || sleeps[1] != 100*time.Millisecond {
		t.Errorf("sleeps = %v, want two 100ms delays", sleeps)
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}

	// Groups start 0, 100 and 200 ms after the first.
	wantGroup := []int{0, 0, 0, 1, 1, 1, 2}
	for i, g := range wantGroup {
		if got := startsAt[i].Sub(base); got != time.Duration(g)*100*time.Millisecond {
			t.Errorf("request %d started at +%v, want group %d", i, got, g)
		}
	}
}

func TestBatchExecutor_GroupWaitsForSlowestMember(t *testing.T) {
	exec := NewBatchExecutor(BatchConfig{Clock: clock.NewFake(base), Logger: zerolog.Nop()})

	var slowDone atomic.Bool
	var sawSlowDone atomic.Bool
	requests := []BatchRequest{
		{Name: "slow", Fetch: func(ctx context.Context) ([]alert.Alert, error) {
			time.Sleep(20 * time.Millisecond)
			slowDone.Store(true)
			return nil, nil
		}},
		{Name: "fast", Fetch: func(ctx context.Context) ([]alert.Alert, error) {
			return nil, nil
		}},
		{Name: "next-group", Fetch: func(ctx context.Context) ([]alert.Alert, error) {
			sawSlowDone.Store(slowDone.Load())
			return nil, nil
		}},
	}

	results, err := exec.Run(context.Background(), requests, BatchOptions{MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if !sawSlowDone.Load() {
		t.Error("second group started before the first group finished")
	}
}

func failingRequests() []BatchRequest {
	ok := func(id string) func(context.Context) ([]alert.Alert, error) {
		return func(context.Context) ([]alert.Alert, error) {
			return []alert.Alert{{ID: id}}, nil
		}
	}
	fail := func(msg string) func(context.Context) ([]alert.Alert, error) {
		return func(context.Context) ([]alert.Alert, error) {
			return nil, errors.New(msg)
		}
	}
	return []BatchRequest{
		{Name: "a", Fetch: ok("a")},
		{Name: "b", Fetch: fail("b failed")},
		{Name: "c", Fetch: ok("c")},
		{Name: "d", Fetch: fail("d failed")},
	}
}

func TestBatchExecutor_StrictReturnsFirstErrorByOrder(t *testing.T) {
	exec := NewBatchExecutor(BatchConfig{Clock: clock.NewFake(base), Logger: zerolog.Nop()})

	results, err := exec.Run(context.Background(), failingRequests(), BatchOptions{MaxConcurrent: 4})

	if err == nil || err.Error() != "request 1 (b): b failed" {
		t.Errorf("error = %v, want the failure of request 1", err)
	}
	if len(results) != 4 {
		t.Errorf("results = %d, want all 4", len(results))
	}
	if results[2].Err != nil || results[2].Alerts[0].ID != "c" {
		t.Errorf("independent request c = %+v", results[2])
	}
}

func TestBatchExecutor_BestEffortDropsFailures(t *testing.T) {
	exec := NewBatchExecutor(BatchConfig{Clock: clock.NewFake(base), Logger: zerolog.Nop()})

	results, err := exec.Run(context.Background(), failingRequests(), BatchOptions{MaxConcurrent: 2, BestEffort: true})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 || results[0].Name != "a" || results[1].Name != "c" {
		t.Errorf("results = %+v, want a and c", results)
	}
}

func TestBatchExecutor_Cancelled(t *testing.T) {
	exec := NewBatchExecutor(BatchConfig{Clock: clock.NewFake(base), Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	requests := make([]BatchRequest, 4)
	for i := range requests {
		requests[i] = BatchRequest{Name: fmt.Sprint(i), Fetch: func(context.Context) ([]alert.Alert, error) {
			calls.Add(1)
			cancel()
			return nil, nil
		}}
	}

	results, err := exec.Run(ctx, requests, BatchOptions{MaxConcurrent: 2, Delay: time.Second})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls.Load() != 2 || len(results) != 2 {
		t.Errorf("calls = %d results = %d, want only the first group", calls.Load(), len(results))
	}
}

func TestBatchExecutor_Empty(t *testing.T) {
	fc := clock.NewFake(base)
	exec := NewBatchExecutor(BatchConfig{Clock: fc, Logger: zerolog.Nop()})

	results, err := exec.Run(context.Background(), nil, DefaultBatchOptions())
	if err != nil || len(results) != 0 || len(fc.Sleeps()) != 0 {
		t.Errorf("Run(nil) = %v, %v, sleeps %v", results, err, fc.Sleeps())
	}
}
