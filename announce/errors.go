package announce

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/onnwee/stitch/discord"
)

// ErrDestination wraps the final error of a sync that gave up. It never fails a webhook;
// the stream is flagged announcement-pending instead.
var ErrDestination = errors.New("announce: destination failure")

// ErrorClass represents how the retry loop should treat a destination error.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure (network, 5xx, attempt timeout).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassRateLimited indicates a 429; the next attempt waits for Retry-After.
	ErrorClassRateLimited
	// ErrorClassMissing indicates the message no longer exists (deleted by a moderator).
	ErrorClassMissing
	// ErrorClassUnavailable indicates the circuit breaker is open.
	ErrorClassUnavailable
	// ErrorClassFatal indicates the request itself is wrong (4xx) and will not succeed.
	ErrorClassFatal
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassRateLimited:
		return "rate_limited"
	case ErrorClassMissing:
		return "missing"
	case ErrorClassUnavailable:
		return "unavailable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether retrying cannot help.
func (ec ErrorClass) Terminal() bool {
	return ec == ErrorClassMissing || ec == ErrorClassUnavailable || ec == ErrorClassFatal
}

// Classify sorts a destination error into retry classes.
//
// Typed errors from the discord client are checked first; anything else falls back
// to message patterns, and unrecognised errors are treated as retryable so a
// transient fault never marks an announcement pending early.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, discord.ErrUnavailable) {
		return ErrorClassUnavailable
	}
	var apiErr *discord.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			return ErrorClassRateLimited
		case apiErr.Status >= 500:
			return ErrorClassRetryable
		case apiErr.Status == http.StatusNotFound:
			return ErrorClassMissing
		default:
			return ErrorClassFatal
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection reset", "connection refused", "timeout", "eof", "broken pipe", "no such host"} {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}
	for _, pattern := range []string{"unauthorized", "missing access", "missing permissions", "invalid form body"} {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}
