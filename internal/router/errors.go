package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/plexarhq/plexar/internal/circuitbreaker"
	"github.com/plexarhq/plexar/internal/providers"
)

// Stable error codes carried on failed responses.
const (
	CodeProviderTimeout     = "provider_timeout"
	CodeProviderError       = "provider_error"
	CodeBreakerOpen         = "breaker_open"
	CodeBreakerHalfOpenFull = "breaker_half_open_full"
	CodeGuardrailBlocked    = "guardrail_blocked"
	CodeComplianceBlocked   = "compliance_blocked"
	CodeSafetyBlocked       = "safety_blocked"
	CodeDeploymentDark      = "deployment_dark"
	CodeAllArmsFailed       = "all_arms_failed"
	CodeConfigError         = "config_error"
)

// AllArmsFailedError is returned when every permitted arm was attempted
// without success.
type AllArmsFailedError struct {
	Attempts int
	LastErr  error
}

func (e *AllArmsFailedError) Error() string {
	return fmt.Sprintf("all %d permitted arms failed: %v", e.Attempts, e.LastErr)
}

func (e *AllArmsFailedError) Unwrap() error { return e.LastErr }

// errorCode maps an execution error to its stable response code.
func errorCode(err error) string {
	var openErr *circuitbreaker.OpenError
	var halfOpenErr *circuitbreaker.HalfOpenFullError
	var allFailed *AllArmsFailedError
	switch {
	case errors.As(err, &allFailed):
		return CodeAllArmsFailed
	case errors.As(err, &openErr):
		return CodeBreakerOpen
	case errors.As(err, &halfOpenErr):
		return CodeBreakerHalfOpenFull
	case errors.Is(err, context.DeadlineExceeded):
		return CodeProviderTimeout
	default:
		return CodeProviderError
	}
}

// recoverable reports whether the router should keep iterating the
// permitted arm list after this error.
func recoverable(err error) bool {
	var openErr *circuitbreaker.OpenError
	var halfOpenErr *circuitbreaker.HalfOpenFullError
	if errors.As(err, &openErr) || errors.As(err, &halfOpenErr) {
		return true
	}
	return providers.Transient(err)
}
