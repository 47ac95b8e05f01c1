package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Response is a successful upstream answer, possibly served from cache.
// Callers own Body.
type Response struct {
	StatusCode int

	// Header is nil for cached responses.
	Header http.Header

	Body []byte

	// FromCache is true when no upstream call was made.
	FromCache bool

	// CachedAt is when the cached body was stored.
	CachedAt time.Time

	endpoint string
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// IsJSON reports whether the body is structured data, by Content-Type or,
// for cached bodies, by sniffing the first byte.
func (r *Response) IsJSON() bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return strings.Contains(ct, "json")
	}
	trimmed := bytes.TrimSpace(r.Body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// Decode unmarshals the JSON body into v. Failures are KindParse.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return parseFailure(r.endpoint, r.Body, err)
	}
	return nil
}

// Data returns decoded JSON for structured responses and the raw text
// otherwise.
func (r *Response) Data() (any, error) {
	if !r.IsJSON() {
		return r.Text(), nil
	}
	var v any
	if err := r.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Response) clone() *Response {
	cp := *r
	cp.Body = bytes.Clone(r.Body)
	cp.Header = r.Header.Clone()
	return &cp
}
