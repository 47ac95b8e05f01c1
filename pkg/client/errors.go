package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrRetryExhausted is returned when all retry attempts are exhausted. It
// wraps the last *APIError.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// Kind classifies a failed upstream call.
type Kind string

const (
	// KindRateLimited means the upstream answered 429, or we are still
	// inside the cooldown it requested.
	KindRateLimited Kind = "rate_limited"

	// KindUpstream means the upstream answered with another non-2xx status.
	KindUpstream Kind = "upstream"

	// KindConnection means the request never got a response.
	KindConnection Kind = "connection"

	// KindTimeout means the request or the caller's deadline timed out.
	KindTimeout Kind = "timeout"

	// KindParse means a 2xx payload did not have the expected shape.
	KindParse Kind = "parse"
)

// maxExcerpt bounds the body excerpt carried by an APIError.
const maxExcerpt = 200

// APIError is the single error type returned by every fallible client
// operation. Exactly one Kind is set; transport library errors are only
// reachable through Unwrap.
type APIError struct {
	Kind     Kind
	Endpoint string

	// StatusCode is set for KindRateLimited and KindUpstream.
	StatusCode int

	// RetryAfter is the delay the upstream asked for. Zero when absent.
	RetryAfter time.Duration

	// Excerpt holds the start of the response body, or of the raw payload
	// for KindParse.
	Excerpt string

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "nse %s error", e.Kind)
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " on %s", e.Endpoint)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, ", retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else if e.Excerpt != "" {
		fmt.Fprintf(&b, ": %s", e.Excerpt)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed if repeated.
// 4xx upstream answers and parse failures are never retryable.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindConnection, KindTimeout:
		return true
	case KindUpstream:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// KindOf returns the Kind of err, or "" if err is not an *APIError.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsRetryable reports whether err is an *APIError that may be retried.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// RetryAfter returns the delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// classifyResponse returns nil for 2xx and an *APIError otherwise.
func classifyResponse(endpoint string, resp *http.Response, body []byte, now time.Time) *APIError {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &APIError{
			Kind:       KindRateLimited,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
			Excerpt:    excerpt(body),
		}
	}

	return &APIError{
		Kind:       KindUpstream,
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Excerpt:    excerpt(body),
	}
}

// classifyTransport maps an error from sending a request or reading its
// body.
func classifyTransport(endpoint string, err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	kind := KindConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}

	return &APIError{
		Kind:     kind,
		Endpoint: endpoint,
		Err:      err,
	}
}

// interrupted reports a retry loop cut short by its context.
func interrupted(ctxErr, last error) *APIError {
	kind := KindConnection
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &APIError{Kind: kind, Err: errors.Join(ctxErr, last)}
}

// NewParseError reports a payload from endpoint that does not have the
// expected shape. raw is kept as a bounded excerpt.
func NewParseError(endpoint string, raw []byte, err error) *APIError {
	return parseFailure(endpoint, raw, err)
}

func parseFailure(endpoint string, raw []byte, err error) *APIError {
	return &APIError{
		Kind:     KindParse,
		Endpoint: endpoint,
		Excerpt:  excerpt(raw),
		Err:      err,
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP-date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxExcerpt {
		return s
	}
	cut := maxExcerpt
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
