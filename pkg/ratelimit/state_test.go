package ratelimit

import (
	"testing"
	"time"
)

func TestQuotaState_TimeUntilReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name  string
		state QuotaState
		want  time.Duration
	}{
		{name: "unknown reset", state: QuotaState{}, want: 0},
		{name: "future reset", state: QuotaState{ResetAt: now.Add(5 * time.Second)}, want: 5 * time.Second},
		{name: "past reset", state: QuotaState{ResetAt: now.Add(-time.Second)}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.TimeUntilReset(now); got != tt.want {
				t.Errorf("TimeUntilReset() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuotaState_ResetIfDue(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name          string
		state         QuotaState
		wantReset     bool
		wantRemaining int
	}{
		{
			name:          "no reset time",
			state:         QuotaState{Limit: 10, Remaining: 0},
			wantReset:     false,
			wantRemaining: 0,
		},
		{
			name:          "reset in future",
			state:         QuotaState{Limit: 10, Remaining: 2, ResetAt: now.Add(time.Second)},
			wantReset:     false,
			wantRemaining: 2,
		},
		{
			name:          "reset reached",
			state:         QuotaState{Limit: 10, Remaining: 0, ResetAt: now},
			wantReset:     true,
			wantRemaining: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.state
			if got := s.resetIfDue(now); got != tt.wantReset {
				t.Errorf("resetIfDue() = %v, want %v", got, tt.wantReset)
			}
			if s.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", s.Remaining, tt.wantRemaining)
			}
			if tt.wantReset && !s.ResetAt.IsZero() {
				t.Error("ResetAt should be cleared after reset")
			}
		})
	}
}

func TestDefaultQuotaState(t *testing.T) {
	s := DefaultQuotaState()
	if s.Limit != DefaultLimit || s.Remaining != DefaultLimit {
		t.Errorf("DefaultQuotaState() = %+v", s)
	}
	if s.Exhausted() {
		t.Error("default state should not be exhausted")
	}
}
