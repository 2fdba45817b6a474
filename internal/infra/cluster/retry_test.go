package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiple: 2}

	tests := []struct {
		attempt int
		expect  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.expect {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.expect)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorAction
	}{
		{fmt.Errorf("%w: bad backend", domain.ErrConfig), ActionFatal},
		{ErrNotReady, ActionRetry},
		{errors.New("connection refused"), ActionRetry},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestRetryWithBackoff_SucceedsEventually(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiple: 2}

	calls, retries := 0, 0
	err := retryWithBackoff(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(int, time.Duration, error) { retries++ })

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Errorf("expected 3 calls and 2 retries, got %d and %d", calls, retries)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiple: 2}
	ctx, cancel := context.WithCancel(context.Background())

	err := retryWithBackoff(ctx, cfg, func(ctx context.Context) error {
		return errors.New("transient")
	}, func(int, time.Duration, error) { cancel() })

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
