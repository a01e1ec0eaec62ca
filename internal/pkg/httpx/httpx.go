// Package httpx holds the retry-decision helpers shared by every
// HTTP-backed client in this module: which statuses and transport errors
// are worth another attempt, how long the server asked us to wait, and
// jitter so concurrent retries don't stampede.
package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPStatusCoder is implemented by provider errors that carry the HTTP
// status of the failed call, so classification never parses error strings.
type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

// IsRetryableHTTPStatus reports whether a status indicates a transient
// condition: request timeout, rate limit, or any server-side failure.
func IsRetryableHTTPStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code <= 599:
		return true
	default:
		return false
	}
}

// IsRetryableError reports whether err is worth another attempt: context
// deadlines, timeouts and temporary network conditions, and retryable HTTP
// statuses. Everything else (auth failures, malformed requests) is
// permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && (netErr.Timeout() || netErr.Temporary()) {
		return true
	}
	var sc HTTPStatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	return false
}

// RetryAfterDuration resolves how long to sleep before the next attempt:
// the server's Retry-After header (seconds or HTTP-date form) when present,
// otherwise fallback, capped at max.
func RetryAfterDuration(resp *http.Response, fallback, max time.Duration) time.Duration {
	sleep := fallback
	if resp != nil {
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				sleep = time.Duration(secs) * time.Second
			} else if at, err := http.ParseTime(ra); err == nil {
				if until := time.Until(at); until > 0 {
					sleep = until
				}
			}
		}
	}
	if max > 0 && sleep > max {
		sleep = max
	}
	return sleep
}

// jitterFrac spreads concurrent retries across a ±20% window.
const jitterFrac = 0.2

// JitterSleep perturbs base by ±jitterFrac so callers retrying in lockstep
// (a worker pool hitting the same rate limit) don't wake simultaneously.
func JitterSleep(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	span := float64(base) * jitterFrac
	low := float64(base) - span
	return time.Duration(low + rand.Float64()*2*span)
}
