package llm

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrToolLoopExceeded is returned when the model keeps requesting tools
	// past the round cap.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")

	// ErrImagesUnsupported is returned by providers without image generation.
	ErrImagesUnsupported = errors.New("image generation not supported by provider")
)

// ProviderError is a failed vendor call. It is fatal for the turn.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s chat completion request failed [%d]: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s chat completion request failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsClientError reports a 4xx response (bad request, auth, quota).
func (e *ProviderError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// IsRetryable reports a response worth retrying later.
func (e *ProviderError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || e.StatusCode == 0
}

// StatusCode extracts the vendor HTTP status from err, or 0.
func StatusCode(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
