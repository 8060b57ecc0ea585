package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout indicates the request did not complete in time.
	ErrTimeout = errors.New("evaluation timeout")
	// ErrProviderUnavailable indicates a transient server side failure.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrAuth indicates the credentials were rejected.
	ErrAuth = errors.New("authentication failed")
	// ErrMalformedResponse indicates the model output could not be turned into a verdict.
	ErrMalformedResponse = errors.New("malformed model response")
)

// IsRetryable reports whether a failed evaluation may succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrProviderUnavailable)
}

// classifyError maps go-openai and transport failures onto the package sentinels
// while keeping the original error in the chain.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if sentinel := statusSentinel(apiErr.HTTPStatusCode); sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
		return err
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if sentinel := statusSentinel(reqErr.HTTPStatusCode); sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	return err
}

func statusSentinel(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status >= http.StatusInternalServerError:
		return ErrProviderUnavailable
	default:
		return nil
	}
}
