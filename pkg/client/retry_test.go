package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 500ms", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.backoff(tt.attempt); got != tt.expected {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}

	cfg.Jitter = 0.2
	for i := 0; i < 100; i++ {
		got := cfg.backoff(0)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("backoff with jitter = %v, want within ±20%% of 1s", got)
		}
	}
}

func TestRetry_Success(t *testing.T) {
	callCount := 0
	got, err := Retry(context.Background(), fastRetryConfig(3), func(context.Context) (string, error) {
		callCount++
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetry_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	got, err := Retry(context.Background(), fastRetryConfig(3), func(context.Context) (int, error) {
		callCount++
		if callCount < 3 {
			return 0, &APIError{Kind: KindUpstream, StatusCode: 503}
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestRetry_NonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "client error", err: &APIError{Kind: KindUpstream, StatusCode: 404}},
		{name: "parse failure", err: &APIError{Kind: KindParse}},
		{name: "plain error", err: errors.New("disk full")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callCount := 0
			_, err := Retry(context.Background(), fastRetryConfig(3), func(context.Context) (int, error) {
				callCount++
				return 0, tt.err
			})

			if callCount != 1 {
				t.Errorf("Expected 1 call, got %d", callCount)
			}
			if err != tt.err {
				t.Errorf("err = %v, want the original error", err)
			}
		})
	}
}

func TestRetry_Exhausted(t *testing.T) {
	callCount := 0
	_, err := Retry(context.Background(), fastRetryConfig(3), func(context.Context) (int, error) {
		callCount++
		return 0, &APIError{Kind: KindConnection, Err: errors.New("connection refused")}
	})

	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("err = %v, want ErrRetryExhausted", err)
	}
	if KindOf(err) != KindConnection {
		t.Errorf("KindOf() = %q, want last error kind preserved", KindOf(err))
	}
}

func TestRetry_SingleAttemptDisablesRetry(t *testing.T) {
	callCount := 0
	_, err := Retry(context.Background(), fastRetryConfig(1), func(context.Context) (int, error) {
		callCount++
		return 0, &APIError{Kind: KindTimeout}
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("err = %v, want ErrRetryExhausted", err)
	}
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	retryAfter := 50 * time.Millisecond
	callCount := 0

	start := time.Now()
	_, err := Retry(context.Background(), fastRetryConfig(2), func(context.Context) (int, error) {
		callCount++
		if callCount == 1 {
			return 0, &APIError{Kind: KindRateLimited, StatusCode: 429, RetryAfter: retryAfter}
		}
		return 1, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if elapsed < retryAfter {
		t.Errorf("elapsed = %v, want at least Retry-After %v", elapsed, retryAfter)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastRetryConfig(5)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second

	callCount := 0
	_, err := Retry(ctx, cfg, func(context.Context) (int, error) {
		callCount++
		cancel()
		return 0, &APIError{Kind: KindUpstream, StatusCode: 500}
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if KindOf(err) != KindConnection {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindConnection)
	}
}

func TestRetry_GivesUpWhenDelayExceedsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	callCount := 0
	start := time.Now()
	_, err := Retry(ctx, fastRetryConfig(3), func(context.Context) (int, error) {
		callCount++
		return 0, &APIError{Kind: KindRateLimited, StatusCode: 429, RetryAfter: time.Second}
	})
	elapsed := time.Since(start)

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if KindOf(err) != KindRateLimited {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindRateLimited)
	}
	if RetryAfter(err) != time.Second {
		t.Errorf("RetryAfter() = %v, want 1s", RetryAfter(err))
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("elapsed = %v, want an immediate return", elapsed)
	}
}
