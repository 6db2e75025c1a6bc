package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a non-2xx answer from the backend.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err may succeed on retry: network failures,
// timeouts, 408, 429 and 5xx. Everything else the backend rejects is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, ErrUnreachable)
}

// ErrUnreachable wraps transport failures that never produced an HTTP response.
var ErrUnreachable = errors.New("backend unreachable")

// ErrUndecodable marks a 2xx answer whose body could not be decoded. The
// backend accepted the write; only the returned record is missing.
var ErrUndecodable = errors.New("undecodable backend response")

// Accepted reports whether err still means the backend applied the request.
func Accepted(err error) bool {
	return errors.Is(err, ErrUndecodable)
}

func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
