package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sagecode/sage/pkg/models"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   models.ErrorKind
	}{
		{401, models.ErrKindAuthentication},
		{403, models.ErrKindAuthentication},
		{408, models.ErrKindTimeout},
		{429, models.ErrKindRateLimit},
		{500, models.ErrKindServiceUnavailable},
		{503, models.ErrKindServiceUnavailable},
		{400, models.ErrKindInvalidRequest},
		{422, models.ErrKindInvalidRequest},
		{200, models.ErrKindOther},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestClassifyContextErrors(t *testing.T) {
	pe := classify("anthropic", "m", 0, context.Canceled)
	if pe.Kind != models.ErrKindInterrupted {
		t.Errorf("canceled context classified as %s, want interrupted", pe.Kind)
	}
	pe = classify("anthropic", "m", 0, context.DeadlineExceeded)
	if pe.Kind != models.ErrKindTimeout {
		t.Errorf("deadline classified as %s, want timeout", pe.Kind)
	}
}

func TestClassifyMessageFallback(t *testing.T) {
	tests := []struct {
		msg  string
		want models.ErrorKind
	}{
		{"429: rate limit exceeded", models.ErrKindRateLimit},
		{"quota exhausted for project", models.ErrKindRateLimit},
		{"invalid api key provided", models.ErrKindAuthentication},
		{"model overloaded, try again", models.ErrKindServiceUnavailable},
		{"dial tcp: connection refused", models.ErrKindNetwork},
		{"something strange", models.ErrKindOther},
	}
	for _, tt := range tests {
		if got := classifyMessage(tt.msg); got != tt.want {
			t.Errorf("classifyMessage(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestClassifyPreservesProviderError(t *testing.T) {
	orig := &ProviderError{Kind: models.ErrKindRateLimit, Provider: "openai"}
	wrapped := fmt.Errorf("call failed: %w", orig)
	got := classify("openai", "gpt-4o", 500, wrapped)
	if got != orig {
		t.Error("classify should return the existing ProviderError unchanged")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&ProviderError{Kind: models.ErrKindRateLimit}) {
		t.Error("rate limit errors should be retryable")
	}
	if IsRetryable(&ProviderError{Kind: models.ErrKindAuthentication}) {
		t.Error("auth errors should not be retryable")
	}
	if IsRetryable(errors.New("plain error")) {
		t.Error("unclassified errors should not be retryable")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	pe := &ProviderError{
		Kind:     models.ErrKindRateLimit,
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
		Status:   429,
		Message:  "too many requests",
	}
	want := "anthropic: rate_limit (status 429): too many requests"
	if pe.Error() != want {
		t.Errorf("Error() = %q, want %q", pe.Error(), want)
	}
}
