package dferrors

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		msg      string
		expected string
	}{
		{
			name:     "wraps sentinel with message",
			err:      ErrSessionNotFound,
			msg:      "lookup device-1",
			expected: "lookup device-1: session not found",
		},
		{
			name:     "wraps plain error",
			err:      errors.New("boom"),
			msg:      "outer",
			expected: "outer: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := Wrap(tt.err, tt.msg)
			if wrapped.Error() != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, wrapped.Error())
			}
			if !errors.Is(wrapped, tt.err) {
				t.Error("expected wrapped error to match original with errors.Is")
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "anything") != nil {
		t.Error("expected Wrap(nil) to return nil")
	}
	if Wrapf(nil, "anything %d", 1) != nil {
		t.Error("expected Wrapf(nil) to return nil")
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(ErrSessionCreation, "device %s port %d", "emulator-5554", 9100)

	if !errors.Is(err, ErrSessionCreation) {
		t.Error("expected wrapped error to match sentinel")
	}
	if !strings.Contains(err.Error(), "emulator-5554") {
		t.Errorf("expected formatted context in %q", err.Error())
	}
}

func TestErrorChaining(t *testing.T) {
	err1 := errors.New("connection refused")
	err2 := Wrap(err1, "create session")
	err3 := Wrap(err2, "ensure session")

	if !errors.Is(err3, err1) {
		t.Error("expected error chain to contain original error")
	}

	errStr := err3.Error()
	for _, part := range []string{"ensure session", "create session", "connection refused"} {
		if !strings.Contains(errStr, part) {
			t.Errorf("expected error string to contain %q", part)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{
			name:      "driver unavailable is transient",
			err:       Wrap(ErrDriverUnavailable, "tap"),
			transient: true,
		},
		{
			name:      "driver rejection is not transient",
			err:       Wrap(ErrDriverRejected, "tap"),
			transient: false,
		},
		{
			name:      "timeout is not transient",
			err:       ErrTimeout,
			transient: false,
		},
		{
			name:      "nil error is not transient",
			err:       nil,
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("expected transient=%v, got %v", tt.transient, got)
			}
		})
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: func(error) bool { return true },
	}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return ErrDriverUnavailable
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: IsTransient,
	}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return ErrDriverRejected
	})

	if !errors.Is(err, ErrDriverRejected) {
		t.Fatalf("expected rejection error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected single attempt, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: func(error) bool { return true },
	}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return ErrDriverUnavailable
	})

	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, ErrDriverUnavailable) {
		t.Errorf("expected last error in chain, got %v", err)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("expected attempt count in %q", err.Error())
	}
}

func TestRetryHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Hour,
		MaxDelay:      time.Hour,
		Multiplier:    2.0,
		RetryableFunc: func(error) bool { return true },
	}

	start := time.Now()
	err := Retry(ctx, cfg, func() error { return ErrDriverUnavailable })

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("expected immediate return on cancelled context")
	}
}

func TestApplyJitter(t *testing.T) {
	base := 100 * time.Millisecond

	if got := applyJitter(base, 0); got != base {
		t.Errorf("expected zero jitter to preserve delay, got %v", got)
	}

	for i := 0; i < 50; i++ {
		got := applyJitter(base, 0.1)
		if got < 90*time.Millisecond || got > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside expected band", got)
		}
	}
}
