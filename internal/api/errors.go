package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// TransientFetchError is a network or rate-limit failure worth retrying
type TransientFetchError struct {
	Op  string
	Err error
	// RetryAfter is the provider's requested wait, zero when none was given
	RetryAfter time.Duration
}

func (e *TransientFetchError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: transient failure (retry after %s): %v", e.Op, e.RetryAfter.Round(time.Second), e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is an authentication or configuration failure; retrying will not help
type PermanentFetchError struct {
	Op  string
	Err error
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// MalformedRecordError marks one provider record that could not be normalized
type MalformedRecordError struct {
	Kind string // "issue" or "comment"
	Ref  string
	Err  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s %s: %v", e.Kind, e.Ref, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// retryAfterUntil converts a reset instant into a wait duration, never negative
func retryAfterUntil(reset time.Time) time.Duration {
	if reset.IsZero() {
		return 0
	}
	d := time.Until(reset)
	if d < 0 {
		return 0
	}
	return d
}

// retryAfterFromHeader reads Retry-After (seconds) or X-RateLimit-Reset (unix
// seconds). The second result reports whether either indicator was present.
func retryAfterFromHeader(h http.Header) (time.Duration, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if at, err := http.ParseTime(v); err == nil {
			return retryAfterUntil(at), true
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return retryAfterUntil(time.Unix(unix, 0)), true
		}
	}
	return 0, false
}

// classifyStatus maps an HTTP failure status onto the fetch error taxonomy.
// 429 and 5xx are retryable, as is a 403 that carries a rate-limit reset indicator.
func classifyStatus(op string, resp *http.Response, err error) error {
	retryAfter, hasReset := retryAfterFromHeader(resp.Header)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &TransientFetchError{Op: op, Err: err, RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusForbidden && hasReset:
		return &TransientFetchError{Op: op, Err: err, RetryAfter: retryAfter}
	default:
		return &PermanentFetchError{Op: op, Err: err}
	}
}
