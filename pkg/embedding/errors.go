package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

var (
	// ErrTransientUpstream marks failures worth retrying: timeouts,
	// connection errors, 408, 429 and 5xx responses.
	ErrTransientUpstream = errors.New("transient embedding failure")

	// ErrNonTransientUpstream marks failures that retrying cannot fix:
	// 4xx rejections, malformed responses, wrong dimensions.
	ErrNonTransientUpstream = errors.New("non-transient embedding failure")

	// ErrPoolExhausted is returned when no slot frees up within the
	// configured wait bound. Callers may retry later.
	ErrPoolExhausted = errors.New("embedding pool exhausted")
)

// UpstreamError carries the HTTP status of a failed embedding request.
// errors.Is matches it against ErrTransientUpstream or
// ErrNonTransientUpstream depending on the status class.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("embedding upstream status %d: %s", e.StatusCode, e.Message)
}

// Is maps the status class onto the package sentinels.
func (e *UpstreamError) Is(target error) bool {
	if transientStatus(e.StatusCode) {
		return target == ErrTransientUpstream
	}
	return target == ErrNonTransientUpstream
}

func newUpstreamError(status int, message string) *UpstreamError {
	return &UpstreamError{StatusCode: status, Message: message}
}

func transientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying. Caller
// cancellation is never transient; per-attempt timeouts and transport
// failures are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNonTransientUpstream) {
		return false
	}
	if errors.Is(err, ErrTransientUpstream) || errors.Is(err, ErrPoolExhausted) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
