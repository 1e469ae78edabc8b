package video

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"server/internal/domain"
)

// ProviderError carries the provider's verdict on a request. Client-side
// rejections (4xx) are permanent; server-side failures (5xx) are worth
// retrying.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether a later attempt could plausibly succeed.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Unwrap maps the verdict onto the domain sentinels so callers can match
// with errors.Is without knowing this package's types.
func (e *ProviderError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return domain.ErrRateLimited
	}
	return domain.ErrProviderFailure
}

// IsRetryable classifies any error coming out of Generate. Timeouts and
// transport failures are transient; provider 4xx responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified failures (connection resets wrapped by net/http and the
	// like) default to retryable; the attempt budget bounds the damage.
	return true
}
