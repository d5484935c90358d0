package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrValidation, "prompt is required")
	want := "[VALIDATION] prompt is required"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	withCause := NewError(ErrPersistence, "audit append failed").WithCause(errors.New("disk full"))
	want = "[PERSISTENCE] audit append failed: disk full"
	if withCause.Error() != want {
		t.Errorf("Error() = %q, want %q", withCause.Error(), want)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrUpstreamTransient, "upstream unavailable").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestError_Builders(t *testing.T) {
	err := NewError(ErrRateLimited, "quota exceeded").
		WithHTTPStatus(429).
		WithRetryable(true).
		WithRetryAfterMs(1500)

	if err.HTTPStatus != 429 {
		t.Errorf("HTTPStatus = %d, want 429", err.HTTPStatus)
	}
	if !err.Retryable {
		t.Error("Retryable should be true")
	}
	if err.RetryAfterMs != 1500 {
		t.Errorf("RetryAfterMs = %d, want 1500", err.RetryAfterMs)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable typed", NewError(ErrUpstreamTransient, "x").WithRetryable(true), true},
		{"non-retryable typed", NewError(ErrUpstreamPermanent, "x"), false},
		{"wrapped retryable", fmt.Errorf("invoke: %w", NewError(ErrUpstreamTransient, "x").WithRetryable(true)), true},
		{"plain error", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	if got := GetErrorCode(NewError(ErrQueueFull, "full")); got != ErrQueueFull {
		t.Errorf("GetErrorCode = %q, want %q", got, ErrQueueFull)
	}
	wrapped := fmt.Errorf("outer: %w", NewError(ErrNotFound, "missing"))
	if got := GetErrorCode(wrapped); got != ErrNotFound {
		t.Errorf("GetErrorCode = %q, want %q", got, ErrNotFound)
	}
	if got := GetErrorCode(errors.New("plain")); got != "" {
		t.Errorf("GetErrorCode = %q, want empty", got)
	}
}

func TestAgentProfile_AllowsFeature(t *testing.T) {
	p := &AgentProfile{AllowedFeatures: []string{"listing_summary", "lead_scoring"}}

	if !p.AllowsFeature("lead_scoring") {
		t.Error("lead_scoring should be allowed")
	}
	if p.AllowsFeature("market_report") {
		t.Error("market_report should not be allowed")
	}

	empty := &AgentProfile{}
	if empty.AllowsFeature("anything") {
		t.Error("empty allow-list should deny everything")
	}
}
