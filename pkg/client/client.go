// Package client provides the transport wrapper for the upstream NSE site
// with session bootstrap, rate limiting, caching, and error classification.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/nse-client/pkg/cache"
	"github.com/Sternrassler/nse-client/pkg/policy"
	"github.com/Sternrassler/nse-client/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBaseURL is the upstream site.
	DefaultBaseURL = "https://www.nseindia.com"

	// DefaultUserAgent mimics a desktop browser; the upstream rejects
	// obvious bots.
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// BodyParam is the synthetic cache key parameter holding a POST body
	// digest.
	BodyParam = "_body"

	maxBodySize = 32 << 20
)

// Client is the upstream transport wrapper.
type Client struct {
	http     *http.Client
	download *http.Client
	jar      *sessionJar
	baseURL  *url.URL
	config   Config
	policy   *policy.Table
	group    singleflight.Group
	logger   zerolog.Logger

	sessionMu    sync.Mutex
	sessionReady bool
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the upstream origin, e.g. https://www.nseindia.com.
	BaseURL string

	// HomePath is fetched once to obtain session cookies.
	HomePath string

	// UserAgent header (REQUIRED; the upstream blocks empty agents).
	UserAgent string

	// Headers are added to every outbound request.
	Headers map[string]string

	// Timeout bounds each API request, including reading the body.
	Timeout time.Duration

	// DownloadTimeout bounds each attachment download.
	DownloadTimeout time.Duration

	// Cache stores successful responses. Nil disables caching.
	Cache cache.Store

	// Policy resolves TTLs for GET requests (default: policy.Default()).
	Policy *policy.Table

	// RateLimiter paces outbound requests. Nil disables pacing.
	RateLimiter *ratelimit.Tracker

	// Retry controls retries of retryable failures. MaxAttempts 1
	// disables retries.
	Retry RetryConfig

	// HTTPClient supplies the transport. Its Jar and Timeout are replaced.
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		HomePath:        "/",
		UserAgent:       DefaultUserAgent,
		Timeout:         30 * time.Second,
		DownloadTimeout: 5 * time.Minute,
		Retry:           DefaultRetryConfig(),
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = cfg.Timeout
	}
	if cfg.HomePath == "" {
		cfg.HomePath = "/"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	table := cfg.Policy
	if table == nil {
		table = policy.Default()
	}

	jar, err := newSessionJar()
	if err != nil {
		return nil, err
	}

	var hc http.Client
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	}
	hc.Jar = jar
	hc.Timeout = cfg.Timeout

	dl := hc
	dl.Timeout = cfg.DownloadTimeout

	logger := log.With().Str("component", "nse-client").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "nse-client").Logger()
	}

	return &Client{
		http:     &hc,
		download: &dl,
		jar:      jar,
		baseURL:  base,
		config:   cfg,
		policy:   table,
		logger:   logger,
	}, nil
}

// RequestOption customizes a single Get or Post call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	ttl       time.Duration
	ttlSet    bool
	skipCache bool
}

// WithTTL overrides the policy TTL. Zero disables caching for the call.
func WithTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.ttl = ttl
		o.ttlSet = true
	}
}

// WithClass overrides the policy class.
func WithClass(class policy.Class) RequestOption {
	return WithTTL(class.Duration())
}

// SkipCache bypasses the cache read. The fresh response is still stored.
func SkipCache() RequestOption {
	return func(o *requestOptions) { o.skipCache = true }
}

type request struct {
	method    string
	endpoint  string
	params    map[string]string
	body      []byte
	key       cache.Key
	ttl       time.Duration
	skipCache bool
}

// Get fetches endpoint with params as the query string. Without WithTTL the
// TTL comes from the policy table, dispatching quote requests on their
// operation name.
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string, opts ...RequestOption) (*Response, error) {
	o := applyOptions(opts)
	ttl := o.ttl
	if !o.ttlSet {
		ttl = c.policy.Resolve(endpoint, params).Duration()
	}

	return c.fetch(ctx, request{
		method:    http.MethodGet,
		endpoint:  endpoint,
		params:    params,
		key:       cache.NewKey(endpoint, params),
		ttl:       ttl,
		skipCache: o.skipCache,
	})
}

// Post sends payload as a JSON body. Responses are only cached when
// WithTTL is given; the cache key covers a digest of the body.
func (c *Client) Post(ctx context.Context, endpoint string, payload any, opts ...RequestOption) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, parseFailure(endpoint, nil, fmt.Errorf("encode request body: %w", err))
	}

	o := applyOptions(opts)
	sum := sha256.Sum256(body)

	return c.fetch(ctx, request{
		method:    http.MethodPost,
		endpoint:  endpoint,
		body:      body,
		key:       cache.NewKey(endpoint, map[string]string{BodyParam: hex.EncodeToString(sum[:8])}),
		ttl:       o.ttl,
		skipCache: o.skipCache,
	})
}

// GetAs fetches endpoint and decodes the JSON response into T. A cached
// body that no longer decodes is invalidated.
func GetAs[T any](ctx context.Context, c *Client, endpoint string, params map[string]string, opts ...RequestOption) (T, error) {
	var v T
	resp, err := c.Get(ctx, endpoint, params, opts...)
	if err != nil {
		return v, err
	}
	if err := resp.Decode(&v); err != nil {
		c.Invalidate(ctx, endpoint, params)
		return v, err
	}
	return v, nil
}

// PostAs sends payload and decodes the JSON response into T.
func PostAs[T any](ctx context.Context, c *Client, endpoint string, payload any, opts ...RequestOption) (T, error) {
	var v T
	resp, err := c.Post(ctx, endpoint, payload, opts...)
	if err != nil {
		return v, err
	}
	if err := resp.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// Invalidate drops the cached GET response for endpoint and params.
func (c *Client) Invalidate(ctx context.Context, endpoint string, params map[string]string) bool {
	if c.config.Cache == nil {
		return false
	}
	return c.config.Cache.Delete(ctx, cache.NewKey(endpoint, params))
}

// fetch serves r from the cache or the network. Identical concurrent
// requests share one upstream call.
func (c *Client) fetch(ctx context.Context, r request) (*Response, error) {
	cacheable := c.config.Cache != nil && r.ttl > 0

	if cacheable && !r.skipCache {
		if entry, ok := c.config.Cache.Get(ctx, r.key); ok {
			c.logger.Debug().
				Str("endpoint", r.endpoint).
				Bool("cache_hit", true).
				Msg("Serving from cache")
			return &Response{
				StatusCode: http.StatusOK,
				Body:       entry.Value,
				FromCache:  true,
				CachedAt:   entry.CreatedAt,
				endpoint:   r.endpoint,
			}, nil
		}
	}

	resp, err := Retry(ctx, c.config.Retry, func(ctx context.Context) (*Response, error) {
		return c.sharedRoundTrip(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := c.config.Cache.Set(ctx, r.key, resp.Body, r.ttl); err != nil {
			c.logger.Warn().Err(err).Str("endpoint", r.endpoint).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("endpoint", r.endpoint).
				Dur("ttl", r.ttl).
				Msg("Cached response")
		}
	}
	return resp, nil
}

// sharedRoundTrip performs one attempt of r, joining an identical attempt
// already in flight. Retries and caching stay with each caller; the shared
// attempt is bounded by the client timeout and outlives callers that stop
// waiting for it.
func (c *Client) sharedRoundTrip(ctx context.Context, r request) (*Response, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(r.method+" "+r.key.Fingerprint(), func() (any, error) {
		return c.roundTrip(shared, r)
	})

	select {
	case <-ctx.Done():
		return nil, classifyTransport(r.endpoint, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := res.Val.(*Response)
		if res.Shared {
			coalescedTotal.Inc()
			resp = resp.clone()
		}
		return resp, nil
	}
}

// roundTrip sends r once, re-bootstrapping the session a single time if
// the upstream rejects it.
func (c *Client) roundTrip(ctx context.Context, r request) (*Response, error) {
	c.ensureSession(ctx)

	resp, err := c.send(ctx, r)
	var apiErr *APIError
	if errors.As(err, &apiErr) && isSessionRejected(apiErr.StatusCode) {
		c.logger.Info().
			Str("endpoint", r.endpoint).
			Int("status", apiErr.StatusCode).
			Msg("Session rejected, re-bootstrapping")
		c.ResetSession()
		c.ensureSession(ctx)
		return c.send(ctx, r)
	}
	return resp, err
}

func isSessionRejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func (c *Client) send(ctx context.Context, r request) (*Response, error) {
	if err := c.wait(ctx, r.endpoint); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, c.fail(r.endpoint, "invalid_request", classifyTransport(r.endpoint, err))
	}

	c.logger.Debug().
		Str("endpoint", r.endpoint).
		Str("method", r.method).
		Msg("Executing upstream request")

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(r.endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.fail(r.endpoint, "network_error", classifyTransport(r.endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, c.fail(r.endpoint, "network_error", classifyTransport(r.endpoint, err))
	}

	if apiErr := classifyResponse(r.endpoint, resp, body, time.Now()); apiErr != nil {
		c.throttled(apiErr)
		return nil, c.fail(r.endpoint, strconv.Itoa(resp.StatusCode), apiErr)
	}

	requestsTotal.WithLabelValues(r.endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		endpoint:   r.endpoint,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	u, err := c.resolve(r.endpoint)
	if err != nil {
		return nil, err
	}
	if len(r.params) > 0 {
		q := u.Query()
		for k, v := range r.params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// resolve turns an endpoint path or absolute URL into a request URL.
func (c *Client) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	return c.baseURL.ResolveReference(u), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", c.baseURL.String()+"/")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
}

// wait applies the rate limiter, translating its refusals.
func (c *Client) wait(ctx context.Context, endpoint string) error {
	if c.config.RateLimiter == nil {
		return nil
	}
	err := c.config.RateLimiter.Wait(ctx)
	if err == nil {
		return nil
	}

	var cooldown *ratelimit.CooldownError
	if errors.As(err, &cooldown) {
		return c.fail(endpoint, "rate_limited", &APIError{
			Kind:       KindRateLimited,
			Endpoint:   endpoint,
			RetryAfter: cooldown.Remaining,
			Err:        err,
		})
	}

	kind := KindTimeout
	if errors.Is(err, context.Canceled) {
		kind = KindConnection
	}
	return &APIError{Kind: kind, Endpoint: endpoint, Err: err}
}

func (c *Client) throttled(apiErr *APIError) {
	if apiErr.Kind != KindRateLimited || c.config.RateLimiter == nil {
		return
	}
	c.config.RateLimiter.Throttled(apiErr.RetryAfter)
}

// fail records err for observability and returns it.
func (c *Client) fail(endpoint, status string, err *APIError) *APIError {
	errorsTotal.WithLabelValues(string(err.Kind)).Inc()
	requestsTotal.WithLabelValues(endpoint, status).Inc()

	c.logger.Warn().
		Str("endpoint", endpoint).
		Str("error_kind", string(err.Kind)).
		Int("status", err.StatusCode).
		Dur("retry_after", err.RetryAfter).
		Msg("Upstream request error")

	return err
}

// BaseURL returns the upstream origin.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Cache returns the configured cache, or nil.
func (c *Client) Cache() cache.Store {
	return c.config.Cache
}

// Policy returns the TTL policy table in use.
func (c *Client) Policy() *policy.Table {
	return c.policy
}

// Close releases idle connections. The cache and rate limiter belong to
// the caller and are left open.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	c.download.CloseIdleConnections()
	return nil
}

func applyOptions(opts []RequestOption) requestOptions {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
