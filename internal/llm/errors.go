package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sagecode/sage/pkg/models"
)

// ProviderError is the normalized failure every adapter returns. Kind drives
// retry decisions; Status carries the HTTP code when one was observed.
type ProviderError struct {
	Kind     models.ErrorKind
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether retrying the same request may succeed.
func (e *ProviderError) Retryable() bool { return e.Kind.IsRetryable() }

// AsProviderError unwraps err to a *ProviderError if one is in the chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err should be retried. Unclassified errors are
// not retried.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable()
	}
	return false
}

// classify wraps err into a *ProviderError, preserving an existing one.
// Context cancellation maps to Interrupted so callers can distinguish a user
// abort from a provider failure.
func classify(provider, model string, status int, err error) *ProviderError {
	if pe, ok := AsProviderError(err); ok {
		return pe
	}
	kind := classifyKind(status, err)
	return &ProviderError{
		Kind:     kind,
		Provider: provider,
		Model:    model,
		Status:   status,
		Message:  err.Error(),
		Cause:    err,
	}
}

func classifyKind(status int, err error) models.ErrorKind {
	if errors.Is(err, context.Canceled) {
		return models.ErrKindInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindTimeout
	}
	if status != 0 {
		return classifyStatus(status)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrKindTimeout
		}
		return models.ErrKindNetwork
	}
	return classifyMessage(err.Error())
}

func classifyStatus(status int) models.ErrorKind {
	switch {
	case status == 401 || status == 403:
		return models.ErrKindAuthentication
	case status == 429:
		return models.ErrKindRateLimit
	case status == 408:
		return models.ErrKindTimeout
	case status >= 500:
		return models.ErrKindServiceUnavailable
	case status >= 400:
		return models.ErrKindInvalidRequest
	default:
		return models.ErrKindOther
	}
}

// classifyMessage is the fallback for SDK errors that surface no status code,
// matching on the phrases providers actually emit.
func classifyMessage(msg string) models.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "quota"):
		return models.ErrKindRateLimit
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "authentication"):
		return models.ErrKindAuthentication
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "unavailable"),
		strings.Contains(lower, "internal server"):
		return models.ErrKindServiceUnavailable
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		return models.ErrKindTimeout
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"),
		strings.Contains(lower, "connection reset"), strings.Contains(lower, "eof"):
		return models.ErrKindNetwork
	default:
		return models.ErrKindOther
	}
}
