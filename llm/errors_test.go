package llm

import (
	"errors"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{413, false},
		{422, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{599, true}, // unknown defaults to retryable
	}
	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "boom", "openai", nil)
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestIsRetryableNilAndUnknown(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil must not be retryable")
	}
	if IsRetryable(errors.New("plain error")) {
		t.Error("unknown error types must not be retryable")
	}
}

func TestCapabilityErrorNotRetryable(t *testing.T) {
	err := NewCapabilityError("image input")
	if IsRetryable(err) {
		t.Error("capability errors are fatal, not retryable")
	}
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatal("errors.As failed for CapabilityError")
	}
	if capErr.Capability != "image input" {
		t.Errorf("unexpected capability: %q", capErr.Capability)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &ServerError{ProviderError: ProviderError{
		BaseError: Error{Message: "wrapped", Cause: cause}, Retryable: true,
	}}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}
