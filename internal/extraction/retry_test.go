package extraction

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastRetry = RetryConfig{
	MaxRetries:     3,
	InitialDelay:   time.Millisecond,
	MaxDelay:       5 * time.Millisecond,
	BackoffFactor:  2.0,
	JitterFraction: 0,
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := WithRetry(context.Background(), fastRetry, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &ExtractionError{Code: ErrExtractorUnavailable, Retryable: true}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("WithRetry failed: %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Fatalf("result = %q after %d attempts, want ok after 3", result, attempts)
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := WithRetry(context.Background(), fastRetry, func(ctx context.Context) (string, error) {
		attempts++
		return "", &ExtractionError{Code: ErrMalformedResponse, Retryable: false}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a non-retryable error", attempts)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	sentinel := errors.New("still down")
	_, err := WithRetry(context.Background(), fastRetry, func(ctx context.Context) (int, error) {
		attempts++
		return 0, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want last error surfaced", err)
	}
	if attempts != fastRetry.MaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", attempts, fastRetry.MaxRetries+1)
	}
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithRetry(ctx, fastRetry, func(ctx context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
