package dispatch

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// failureClass buckets a request outcome for the retry policy.
type failureClass int

const (
	classOK          failureClass = iota
	classTransient                // timeouts, connection resets, 5xx
	classRateLimited              // 429
	classAuth                     // 401, 403
	classClient                   // other 4xx; resubmission cannot succeed
)

// classifyStatus maps an HTTP status code to a failure class.
func classifyStatus(status int) failureClass {
	switch {
	case status >= 200 && status < 300:
		return classOK
	case status == http.StatusTooManyRequests:
		return classRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return classAuth
	case status >= 400 && status < 500:
		return classClient
	default:
		return classTransient
	}
}

// classifyErr maps a transport-level error to a failure class. Network errors
// (timeouts, refused or reset connections) are transient.
func classifyErr(err error) failureClass {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classTransient
	}
	// Everything the transport surfaces (EOF, reset, refused) is worth one
	// more attempt.
	return classTransient
}

// backoffDelay returns the exponential backoff delay for the given 1-based
// attempt number, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d < 0 {
		return max
	}
	return d
}

// retryAfter extracts the venue-advertised wait from a 429 response, falling
// back to def when the header is absent or unparseable. Only the
// delta-seconds form is handled; HTTP-date values fall back to def.
func retryAfter(resp *http.Response, def time.Duration) time.Duration {
	if resp == nil {
		return def
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
