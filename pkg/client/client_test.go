package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/nse-client/internal/testutil"
	"github.com/Sternrassler/nse-client/pkg/cache"
	"github.com/Sternrassler/nse-client/pkg/policy"
	"github.com/Sternrassler/nse-client/pkg/ratelimit"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestClient builds a client against baseURL with an in-memory cache on
// clock and retries disabled.
func newTestClient(t *testing.T, baseURL string, clock *testClock, mutate func(*Config)) (*Client, *cache.Memory) {
	t.Helper()

	memCfg := cache.DefaultMemoryConfig()
	memCfg.Now = clock.Now
	mem := cache.NewMemory(memCfg)

	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Cache = mem
	cfg.Timeout = 2 * time.Second
	cfg.Retry = fastRetryConfig(1)
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mem
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{name: "valid config", mutate: func(*Config) {}, expectError: false},
		{name: "empty base url", mutate: func(c *Config) { c.BaseURL = "" }, expectError: true},
		{name: "relative base url", mutate: func(c *Config) { c.BaseURL = "www.nseindia.com" }, expectError: true},
		{name: "empty user agent", mutate: func(c *Config) { c.UserAgent = "" }, expectError: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, expectError: true},
		{name: "zero retry uses default", mutate: func(c *Config) { c.Retry = RetryConfig{} }, expectError: false},
		{name: "no cache", mutate: func(c *Config) { c.Cache = nil }, expectError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			_, err := New(cfg)
			if (err != nil) != tt.expectError {
				t.Errorf("New() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestGet_CachesPerPolicy(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/allIndices", testutil.NewJSONResponse(`{"data":[{"index":"NIFTY 50"}]}`))

	clock := newTestClock()
	c, _ := newTestClient(t, mock.URL(), clock, nil)
	ctx := context.Background()

	resp, err := c.Get(ctx, "/api/allIndices", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.FromCache {
		t.Error("first response should come from upstream")
	}
	if !resp.IsJSON() {
		t.Error("IsJSON() = false for application/json")
	}

	// very short class: 30s
	clock.Advance(10 * time.Second)
	resp, err = c.Get(ctx, "/api/allIndices", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !resp.FromCache {
		t.Error("second response should come from cache")
	}
	if resp.Text() != `{"data":[{"index":"NIFTY 50"}]}` {
		t.Errorf("Text() = %q", resp.Text())
	}
	if got := mock.GetPathCount("/api/allIndices"); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	clock.Advance(21 * time.Second)
	resp, err = c.Get(ctx, "/api/allIndices", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.FromCache {
		t.Error("response after TTL should come from upstream")
	}
	if got := mock.GetPathCount("/api/allIndices"); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestGet_QuoteOperationTTL(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse(policy.QuoteEndpoint, testutil.NewJSONResponse(`{"ok":true}`))

	clock := newTestClock()
	c, _ := newTestClient(t, mock.URL(), clock, nil)
	ctx := context.Background()

	live := map[string]string{policy.OperationParam: "getSymbolData", "symbol": "INFY"}
	meta := map[string]string{policy.OperationParam: "getSymbolName", "symbol": "INFY"}

	for _, params := range []map[string]string{live, meta} {
		if _, err := c.Get(ctx, policy.QuoteEndpoint, params); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}

	clock.Advance(time.Minute)

	resp, err := c.Get(ctx, policy.QuoteEndpoint, live)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.FromCache {
		t.Error("live quote should have expired after a minute")
	}

	resp, err = c.Get(ctx, policy.QuoteEndpoint, meta)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !resp.FromCache {
		t.Error("symbol metadata should still be cached")
	}
}

func TestGet_TTLOverrideAndSkipCache(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	clock := newTestClock()
	c, mem := newTestClient(t, mock.URL(), clock, nil)
	ctx := context.Background()

	t.Run("zero ttl never caches", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp, err := c.Get(ctx, "/api/nocache", nil, WithTTL(0))
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if resp.FromCache {
				t.Error("WithTTL(0) response came from cache")
			}
		}
		if got := mock.GetPathCount("/api/nocache"); got != 2 {
			t.Errorf("upstream calls = %d, want 2", got)
		}
	})

	t.Run("class override", func(t *testing.T) {
		if _, err := c.Get(ctx, "/api/allIndices", map[string]string{"x": "1"}, WithClass(policy.Daily)); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		clock.Advance(time.Hour)
		resp, err := c.Get(ctx, "/api/allIndices", map[string]string{"x": "1"})
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !resp.FromCache {
			t.Error("entry stored with daily TTL should outlive the endpoint's own class")
		}
	})

	t.Run("skip cache still stores", func(t *testing.T) {
		before := mock.GetPathCount("/api/event-calendar")
		if _, err := c.Get(ctx, "/api/event-calendar", nil); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		resp, err := c.Get(ctx, "/api/event-calendar", nil, SkipCache())
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if resp.FromCache {
			t.Error("SkipCache response came from cache")
		}
		if got := mock.GetPathCount("/api/event-calendar") - before; got != 2 {
			t.Errorf("upstream calls = %d, want 2", got)
		}
		if _, ok := mem.Get(ctx, cache.NewKey("/api/event-calendar", nil)); !ok {
			t.Error("fresh response should have been written to cache")
		}
	})
}

func TestGet_ErrorClassification(t *testing.T) {
	t.Run("429 with Retry-After", func(t *testing.T) {
		mock := testutil.NewMockUpstream()
		defer mock.Close()
		mock.SetResponse("/api/allIndices", testutil.NewRateLimitResponse("5"))

		c, _ := newTestClient(t, mock.URL(), newTestClock(), nil)
		_, err := c.Get(context.Background(), "/api/allIndices", nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want *APIError", err)
		}
		if apiErr.Kind != KindRateLimited {
			t.Errorf("Kind = %q, want %q", apiErr.Kind, KindRateLimited)
		}
		if apiErr.RetryAfter != 5*time.Second {
			t.Errorf("RetryAfter = %v, want 5s", apiErr.RetryAfter)
		}
	})

	t.Run("500", func(t *testing.T) {
		mock := testutil.NewMockUpstream()
		defer mock.Close()
		mock.SetResponse("/api/allIndices", testutil.NewServerErrorResponse())

		c, _ := newTestClient(t, mock.URL(), newTestClock(), nil)
		_, err := c.Get(context.Background(), "/api/allIndices", nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want *APIError", err)
		}
		if apiErr.Kind != KindUpstream || apiErr.StatusCode != 500 {
			t.Errorf("got %s/%d, want upstream/500", apiErr.Kind, apiErr.StatusCode)
		}
		if apiErr.Excerpt == "" {
			t.Error("Excerpt should carry the body")
		}
	})

	t.Run("404 is not retried", func(t *testing.T) {
		mock := testutil.NewMockUpstream()
		defer mock.Close()
		mock.SetResponse("/api/missing", testutil.NewNotFoundResponse())

		c, _ := newTestClient(t, mock.URL(), newTestClock(), func(cfg *Config) {
			cfg.Retry = fastRetryConfig(3)
		})
		_, err := c.Get(context.Background(), "/api/missing", nil)

		if KindOf(err) != KindUpstream {
			t.Errorf("KindOf() = %q, want %q", KindOf(err), KindUpstream)
		}
		if errors.Is(err, ErrRetryExhausted) {
			t.Error("non-retryable error should not report exhaustion")
		}
		if got := mock.GetPathCount("/api/missing"); got != 1 {
			t.Errorf("upstream calls = %d, want 1", got)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		c, _ := newTestClient(t, url, newTestClock(), nil)
		_, err := c.Get(context.Background(), "/api/allIndices", nil)

		if KindOf(err) != KindConnection {
			t.Errorf("KindOf(%v) = %q, want %q", err, KindOf(err), KindConnection)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		mock := testutil.NewMockUpstream()
		defer mock.Close()
		mock.SetResponse("/api/slow", testutil.MockResponse{StatusCode: 200, Body: "{}", Delay: 300 * time.Millisecond})

		c, _ := newTestClient(t, mock.URL(), newTestClock(), func(cfg *Config) {
			cfg.Timeout = 50 * time.Millisecond
		})
		_, err := c.Get(context.Background(), "/api/slow", nil)

		if KindOf(err) != KindTimeout {
			t.Errorf("KindOf(%v) = %q, want %q", err, KindOf(err), KindTimeout)
		}
	})
}

func TestGet_ErrorsAreNotCached(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence("/api/allIndices",
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(`{"data":[]}`),
	)

	c, _ := newTestClient(t, mock.URL(), newTestClock(), nil)
	ctx := context.Background()

	if _, err := c.Get(ctx, "/api/allIndices", nil); err == nil {
		t.Fatal("expected first call to fail")
	}

	resp, err := c.Get(ctx, "/api/allIndices", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.FromCache {
		t.Error("an error response must never be served from cache")
	}

	resp, err = c.Get(ctx, "/api/allIndices", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !resp.FromCache {
		t.Error("success should now be cached")
	}
}

func TestGet_RetriesServerErrors(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence("/api/allIndices",
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(`{"data":[]}`),
	)

	c, _ := newTestClient(t, mock.URL(), newTestClock(), func(cfg *Config) {
		cfg.Retry = fastRetryConfig(3)
	})

	if _, err := c.Get(context.Background(), "/api/allIndices", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := mock.GetPathCount("/api/allIndices"); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestSession(t *testing.T) {
	t.Run("bootstraps once and sends cookie", func(t *testing.T) {
		mock := testutil.NewMockUpstream()
		defer mock.Close()
		mock.RequireCookie(true)

		c, _ := newTestClient(t, mock.URL(), newTestClock(), nil)
		for _, endpoint := range []string{"/api/a", "/api/b", "/api/c"} {
			if _, err := c.Get(context.Background(), endpoint, nil); err != nil {
				t.Fatalf("Get(%s) error = %v", endpoint, err)
			}
		}
		if got := mock.GetBootstrapCount(); got != 1 {
			t.Errorf("bootstraps = %d, want 1", got)
		}
	})

	t.Run("bootstrap failure is swallowed", func(t *testing.T) {
		mock := testutil.NewMockUpstream()
		defer mock.Close()
		mock.SetHomeStatus(http.StatusServiceUnavailable)
		mock.SetResponse("/api/allIndices", testutil.NewJSONResponse(`{}`))

		c, _ := newTestClient(t, mock.URL(), newTestClock(), nil)
		if _, err := c.Get(context.Background(), "/api/allIndices", nil); err != nil {
			t.Fatalf("Get() error = %v, want cookie-less success", err)
		}
	})

	t.Run("expired session is re-bootstrapped", func(t *testing.T) {
		mock := testutil.NewMockUpstream()
		defer mock.Close()
		mock.RequireCookie(true)

		c, _ := newTestClient(t, mock.URL(), newTestClock(), nil)
		ctx := context.Background()
		if _, err := c.Get(ctx, "/api/a", nil); err != nil {
			t.Fatalf("Get() error = %v", err)
		}

		mock.ExpireSession()
		if _, err := c.Get(ctx, "/api/b", nil); err != nil {
			t.Fatalf("Get() after expiry error = %v", err)
		}
		if got := mock.GetBootstrapCount(); got != 2 {
			t.Errorf("bootstraps = %d, want 2", got)
		}
	})

	t.Run("headers", func(t *testing.T) {
		mock := testutil.NewMockUpstream()
		defer mock.Close()

		c, _ := newTestClient(t, mock.URL(), newTestClock(), func(cfg *Config) {
			cfg.Headers = map[string]string{"X-Trace": "abc"}
		})
		if _, err := c.Get(context.Background(), "/api/a", nil); err != nil {
			t.Fatalf("Get() error = %v", err)
		}

		h := mock.GetLastRequestHeader()
		if h.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("User-Agent = %q", h.Get("User-Agent"))
		}
		if h.Get("Referer") != mock.URL()+"/" {
			t.Errorf("Referer = %q, want %q", h.Get("Referer"), mock.URL()+"/")
		}
		if h.Get("X-Trace") != "abc" {
			t.Errorf("X-Trace = %q, want abc", h.Get("X-Trace"))
		}
	})
}

func TestPost(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	var (
		mu     sync.Mutex
		bodies []string
	)
	mock.SetHandler("/api/search", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			http.Error(w, "bad content type "+ct, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	c, _ := newTestClient(t, mock.URL(), newTestClock(), nil)
	ctx := context.Background()

	type query struct {
		Symbol string `json:"symbol"`
	}

	t.Run("not cached by default", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			got, err := PostAs[query](ctx, c, "/api/search", query{Symbol: "INFY"})
			if err != nil {
				t.Fatalf("PostAs() error = %v", err)
			}
			if got.Symbol != "INFY" {
				t.Errorf("Symbol = %q, want INFY", got.Symbol)
			}
		}
		if got := mock.GetPathCount("/api/search"); got != 2 {
			t.Errorf("upstream calls = %d, want 2", got)
		}
	})

	t.Run("cached with explicit ttl per body", func(t *testing.T) {
		before := mock.GetPathCount("/api/search")
		for _, sym := range []string{"TCS", "TCS", "WIPRO"} {
			if _, err := c.Post(ctx, "/api/search", query{Symbol: sym}, WithTTL(time.Minute)); err != nil {
				t.Fatalf("Post() error = %v", err)
			}
		}
		if got := mock.GetPathCount("/api/search") - before; got != 2 {
			t.Errorf("upstream calls = %d, want 2 (one per distinct body)", got)
		}
	})

	t.Run("unencodable payload", func(t *testing.T) {
		_, err := c.Post(ctx, "/api/search", map[string]any{"ch": make(chan int)})
		if KindOf(err) != KindParse {
			t.Errorf("KindOf() = %q, want %q", KindOf(err), KindParse)
		}
	})
}

func TestGetAs(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/allIndices", testutil.NewJSONResponse(`{"data":[{"index":"NIFTY 50","last":22500.5}]}`))
	mock.SetResponse("/api/html", testutil.MockResponse{
		StatusCode: 200,
		Body:       "<html>Access Denied</html>",
		Headers:    map[string]string{"Content-Type": "text/html"},
	})

	type indices struct {
		Data []struct {
			Index string  `json:"index"`
			Last  float64 `json:"last"`
		} `json:"data"`
	}

	c, mem := newTestClient(t, mock.URL(), newTestClock(), nil)
	ctx := context.Background()

	got, err := GetAs[indices](ctx, c, "/api/allIndices", nil)
	if err != nil {
		t.Fatalf("GetAs() error = %v", err)
	}
	if len(got.Data) != 1 || got.Data[0].Index != "NIFTY 50" || got.Data[0].Last != 22500.5 {
		t.Errorf("GetAs() = %+v", got)
	}

	_, err = GetAs[indices](ctx, c, "/api/html", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindParse {
		t.Fatalf("err = %v, want parse failure", err)
	}
	if apiErr.Excerpt != "<html>Access Denied</html>" {
		t.Errorf("Excerpt = %q", apiErr.Excerpt)
	}
	if _, ok := mem.Get(ctx, cache.NewKey("/api/html", nil)); ok {
		t.Error("undecodable body should have been invalidated")
	}
}

func TestResponse_Data(t *testing.T) {
	text := &Response{Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte("hello")}
	got, err := text.Data()
	if err != nil || got != "hello" {
		t.Errorf("Data() = %v, %v; want raw text", got, err)
	}

	cached := &Response{Body: []byte(` [1,2]`)}
	got, err = cached.Data()
	if err != nil {
		t.Fatalf("Data() error = %v", err)
	}
	if list, ok := got.([]any); !ok || len(list) != 2 {
		t.Errorf("Data() = %#v, want decoded list", got)
	}
}

func TestGet_CoalescesConcurrentRequests(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/allIndices", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"data":[]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Delay:      100 * time.Millisecond,
	})

	c, _ := newTestClient(t, mock.URL(), newTestClock(), nil)

	var wg sync.WaitGroup
	results := make(chan *Response, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(context.Background(), "/api/allIndices", nil)
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			results <- resp
		}()
	}
	wg.Wait()
	close(results)

	if got := mock.GetPathCount("/api/allIndices"); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	seen := make(map[*byte]bool)
	for resp := range results {
		if len(resp.Body) == 0 {
			t.Fatal("empty body")
		}
		if seen[&resp.Body[0]] {
			t.Error("callers share a body buffer")
		}
		seen[&resp.Body[0]] = true
	}
}

func TestGet_RateLimiterCooldown(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/allIndices", testutil.NewRateLimitResponse("60"))

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerSecond = 1000
	tracker, err := ratelimit.NewTracker(rlCfg)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	c, _ := newTestClient(t, mock.URL(), newTestClock(), func(cfg *Config) {
		cfg.RateLimiter = tracker
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "/api/allIndices", nil); KindOf(err) != KindRateLimited {
		t.Fatalf("first Get() err = %v, want rate limited", err)
	}

	_, err = c.Get(ctx, "/api/other", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindRateLimited {
		t.Fatalf("err = %v, want rate limited during cooldown", err)
	}
	if apiErr.RetryAfter <= 0 || apiErr.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want remaining cooldown", apiErr.RetryAfter)
	}
	if got := mock.GetPathCount("/api/other"); got != 0 {
		t.Errorf("upstream calls during cooldown = %d, want 0", got)
	}
}

func TestGet_CallerDeadlineStopsRetries(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/allIndices", testutil.NewRateLimitResponse("1"))

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerSecond = 1000
	tracker, err := ratelimit.NewTracker(rlCfg)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	c, _ := newTestClient(t, mock.URL(), newTestClock(), func(cfg *Config) {
		cfg.RateLimiter = tracker
		cfg.Retry = fastRetryConfig(3)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, "/api/allIndices", nil); KindOf(err) != KindRateLimited {
		t.Fatalf("first Get() err = %v, want rate limited", err)
	}

	// a second caller during the cooldown fails fast without a network call
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	start := time.Now()
	_, err = c.Get(ctx2, "/api/allIndices", nil)
	elapsed := time.Since(start)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindRateLimited {
		t.Fatalf("err = %v, want rate limited during cooldown", err)
	}
	if apiErr.RetryAfter <= 0 || apiErr.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want remaining cooldown", apiErr.RetryAfter)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("elapsed = %v, want an immediate failure", elapsed)
	}

	// nothing keeps retrying once the callers have returned
	time.Sleep(1500 * time.Millisecond)
	if got := mock.GetPathCount("/api/allIndices"); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestGet_JoinedCallerUsesOwnTTL(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/allIndices", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"data":[]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Delay:      200 * time.Millisecond,
	})

	c, mem := newTestClient(t, mock.URL(), newTestClock(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := c.Get(ctx, "/api/allIndices", nil, WithTTL(0)); err != nil {
			t.Errorf("uncached Get() error = %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		if _, err := c.Get(ctx, "/api/allIndices", nil); err != nil {
			t.Errorf("default Get() error = %v", err)
		}
	}()
	wg.Wait()

	if got := mock.GetPathCount("/api/allIndices"); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	entry, ok := mem.Get(ctx, cache.NewKey("/api/allIndices", nil))
	if !ok {
		t.Fatal("default-TTL caller's response should be cached")
	}
	if ttl := entry.ExpiresAt.Sub(entry.CreatedAt); ttl != policy.VeryShort.Duration() {
		t.Errorf("cached ttl = %v, want %v", ttl, policy.VeryShort.Duration())
	}
}

func TestDownload(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	payload := []byte("%PDF-1.4 fake attachment")
	mock.SetHandler("/corporate/INFY_01032026.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(payload)
	})
	mock.SetResponse("/corporate/missing.pdf", testutil.NewNotFoundResponse())

	c, mem := newTestClient(t, mock.URL(), newTestClock(), nil)
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("writes file", func(t *testing.T) {
		dest := filepath.Join(dir, "INFY", "announcement.pdf")
		n, err := c.Download(ctx, mock.URL()+"/corporate/INFY_01032026.pdf", dest)
		if err != nil {
			t.Fatalf("Download() error = %v", err)
		}
		if n != int64(len(payload)) {
			t.Errorf("bytes = %d, want %d", n, len(payload))
		}
		got, err := os.ReadFile(dest)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if string(got) != string(payload) {
			t.Errorf("content = %q", got)
		}
		if stats := mem.Stats(ctx); stats.Entries != 0 {
			t.Errorf("cache entries = %d, downloads must not be cached", stats.Entries)
		}
	})

	t.Run("relative url and failure", func(t *testing.T) {
		dest := filepath.Join(dir, "missing.pdf")
		_, err := c.Download(ctx, "/corporate/missing.pdf", dest)
		if KindOf(err) != KindUpstream {
			t.Errorf("KindOf() = %q, want %q", KindOf(err), KindUpstream)
		}
		if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
			t.Error("failed download must not leave a file")
		}
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if filepath.Ext(e.Name()) != ".pdf" && !e.IsDir() {
				t.Errorf("leftover temp file %s", e.Name())
			}
		}
	})
}

func TestGetJSONRoundTripThroughHybrid(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/annual-reports", testutil.NewJSONResponse(`{"data":[{"year":"2025"}]}`))

	clock := newTestClock()
	memCfg := cache.DefaultMemoryConfig()
	memCfg.Now = clock.Now
	fileCfg := cache.DefaultFileConfig(t.TempDir())
	fileCfg.Now = clock.Now
	fileStore, err := cache.NewFileStore(fileCfg)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	hybridCfg := cache.DefaultHybridConfig()
	hybridCfg.Now = clock.Now
	hybrid := cache.NewHybrid(cache.NewMemory(memCfg), fileStore, hybridCfg)

	c, _ := newTestClient(t, mock.URL(), clock, func(cfg *Config) { cfg.Cache = hybrid })
	ctx := context.Background()

	if _, err := c.Get(ctx, "/api/annual-reports", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// static class outlives a restart of the memory tier
	hybrid.Memory().Clear(ctx)
	clock.Advance(7 * 24 * time.Hour)

	resp, err := c.Get(ctx, "/api/annual-reports", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !resp.FromCache {
		t.Error("expected durable tier hit")
	}
	var decoded map[string]any
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		t.Fatalf("cached body is not JSON: %v", err)
	}
}
