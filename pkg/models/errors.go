package models

// ErrorKind classifies a failure for retry and reporting decisions.
type ErrorKind string

const (
	ErrKindAuthentication     ErrorKind = "authentication"
	ErrKindRateLimit          ErrorKind = "rate_limit"
	ErrKindServiceUnavailable ErrorKind = "service_unavailable"
	ErrKindNetwork            ErrorKind = "network"
	ErrKindTimeout            ErrorKind = "timeout"
	ErrKindInvalidRequest     ErrorKind = "invalid_request"
	ErrKindInvalidResponse    ErrorKind = "invalid_response"
	ErrKindToolExecution      ErrorKind = "tool_execution"
	ErrKindConfiguration      ErrorKind = "configuration"
	ErrKindInterrupted        ErrorKind = "interrupted"
	ErrKindOther              ErrorKind = "other"
)

// IsRetryable reports whether a failure of this kind is worth retrying with
// backoff. Rate limits, 5xx responses, and transport faults are transient;
// everything else is not.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case ErrKindRateLimit, ErrKindServiceUnavailable, ErrKindNetwork:
		return true
	}
	return false
}

// Suggestion returns a short remediation hint for user-facing error
// reports, or "" when none applies.
func (k ErrorKind) Suggestion() string {
	switch k {
	case ErrKindAuthentication:
		return "check API key"
	case ErrKindRateLimit:
		return "reduce request rate or raise the provider quota"
	case ErrKindConfiguration:
		return "check the provider configuration"
	case ErrKindNetwork:
		return "check network connectivity"
	}
	return ""
}
