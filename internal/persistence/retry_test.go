package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("no such table: jobs"), false},
		{fmt.Errorf("database is locked"), true},
		{fmt.Errorf("database table is locked"), true},
		{fmt.Errorf("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("SQLITE_LOCKED (6)"), true},
		{fmt.Errorf("kv put: %w", errors.New("database is locked")), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		failUntil int
		busy      bool
		wantCalls int
		wantErr   bool
	}{
		{name: "no error", retries: 3, failUntil: 0, busy: true, wantCalls: 1},
		{name: "busy then success", retries: 3, failUntil: 2, busy: true, wantCalls: 3},
		{name: "non-busy is not retried", retries: 3, failUntil: 10, busy: false, wantCalls: 1, wantErr: true},
		{name: "exhausted", retries: 2, failUntil: 10, busy: true, wantCalls: 3, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failUntil {
					if tc.busy {
						return fmt.Errorf("database is locked")
					}
					return fmt.Errorf("constraint failed")
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return fmt.Errorf("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryDelayDeterministicAndBounded(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		a := retryDelay("job-1", attempt)
		b := retryDelay("job-1", attempt)
		if a != b {
			t.Fatalf("attempt %d: delay not deterministic (%v vs %v)", attempt, a, b)
		}
		if a < retryBaseDelay || a > retryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, a)
		}
	}
	if retryDelay("job-1", 2) < 2*time.Second {
		t.Fatal("second attempt should back off at least 2s")
	}
}

func TestCanTransition(t *testing.T) {
	if !canTransition(JobQueued, JobClaimed) {
		t.Fatal("QUEUED -> CLAIMED must be allowed")
	}
	if canTransition(JobSucceeded, JobQueued) {
		t.Fatal("terminal SUCCEEDED must not transition")
	}
	if canTransition(JobQueued, JobSucceeded) {
		t.Fatal("QUEUED -> SUCCEEDED skips the run")
	}
}
