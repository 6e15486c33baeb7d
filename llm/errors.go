package llm

import "fmt"

// BaseError is the base error type for all provider-boundary errors.
// An embedded field cannot be named Error without shadowing the Error()
// method, so the struct is named BaseError with Error kept as an alias.
type BaseError struct {
	Message string
	Cause   error
}

// Error is an alias for BaseError, preserving the llm.Error name.
type Error = BaseError

func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BaseError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by a model provider.
type ProviderError struct {
	BaseError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64 // seconds, from a Retry-After header when present
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Concrete provider error types.

type AuthError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }

// Non-provider errors.

type TimeoutError struct{ BaseError }
type NetworkError struct{ BaseError }
type AbortError struct{ BaseError }

// CapabilityError indicates the conversation contains content the active
// model cannot accept. Always fatal.
type CapabilityError struct {
	BaseError
	Capability string
}

func NewCapabilityError(capability string) *CapabilityError {
	return &CapabilityError{
		BaseError:  Error{Message: fmt.Sprintf("model does not support %s", capability)},
		Capability: capability,
	}
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	pe := ProviderError{
		BaseError:  Error{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401, 403:
		return &AuthError{ProviderError: pe}
	case 408:
		return &TimeoutError{BaseError: Error{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown codes default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *ProviderError:
		return e.Retryable
	case *AuthError, *InvalidRequestError, *ContextLengthError,
		*ContentFilterError, *CapabilityError, *AbortError:
		return false
	case *RateLimitError, *ServerError, *TimeoutError, *NetworkError:
		return true
	default:
		return false
	}
}
