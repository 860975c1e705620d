package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
)

// StatusError is a non-success reply from a target API.
type StatusError struct {
	StatusCode  int
	Description string
	// RetryAfter is the server-provided wait for rate-limit replies.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}

	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Description)
}

// RateLimited reports whether the reply is a too-many-requests response.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Transient reports whether err is worth another attempt: rate limits,
// 5xx, request timeouts, connection failures, or an open circuit breaker.
// Caller cancellation is never transient.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.RateLimited() ||
			status.StatusCode == http.StatusRequestTimeout ||
			status.StatusCode >= http.StatusInternalServerError
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
