// Command nse-proxy serves cached, rate-limited access to the NSE API and
// optionally polls the announcements feed into the processed-record tracker.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/nse-client/pkg/cache"
	"github.com/Sternrassler/nse-client/pkg/client"
	"github.com/Sternrassler/nse-client/pkg/feed"
	"github.com/Sternrassler/nse-client/pkg/logging"
	"github.com/Sternrassler/nse-client/pkg/metrics"
	"github.com/Sternrassler/nse-client/pkg/ratelimit"
	"github.com/Sternrassler/nse-client/pkg/tracker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	backendFile   = "file"
	backendRedis  = "redis"
	backendMemory = "memory"
)

type config struct {
	Port              string
	BaseURL           string
	UserAgent         string
	CacheBackend      string
	CacheDir          string
	RedisURL          string
	TrackerDriver     string
	TrackerDSN        string
	AttachmentDir     string
	PollInterval      time.Duration
	RequestsPerSecond float64
	LogLevel          string
	LogPretty         bool
}

func loadConfig(getenv func(string) string) (config, error) {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	cfg := config{
		Port:          env("PORT", "8080"),
		BaseURL:       env("NSE_BASE_URL", client.DefaultBaseURL),
		UserAgent:     env("USER_AGENT", client.DefaultUserAgent),
		CacheBackend:  env("CACHE_BACKEND", backendFile),
		CacheDir:      env("CACHE_DIR", ".cache/nse"),
		RedisURL:      env("REDIS_URL", "localhost:6379"),
		TrackerDriver: env("TRACKER_DRIVER", tracker.DriverSQLite),
		TrackerDSN:    getenv("TRACKER_DSN"),
		AttachmentDir: getenv("ATTACHMENT_DIR"),
		LogLevel:      env("LOG_LEVEL", "info"),
	}

	switch cfg.CacheBackend {
	case backendFile, backendRedis, backendMemory:
	default:
		return cfg, fmt.Errorf("CACHE_BACKEND must be file, redis or memory (got %q)", cfg.CacheBackend)
	}

	var err error
	if v := getenv("LOG_PRETTY"); v != "" {
		if cfg.LogPretty, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("LOG_PRETTY: %w", err)
		}
	}
	if v := getenv("POLL_INTERVAL"); v != "" {
		if cfg.PollInterval, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("POLL_INTERVAL: %w", err)
		}
	}
	cfg.RequestsPerSecond = ratelimit.DefaultRequestsPerSecond
	if v := getenv("REQUESTS_PER_SECOND"); v != "" {
		if cfg.RequestsPerSecond, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("REQUESTS_PER_SECOND: %w", err)
		}
	}
	if cfg.PollInterval > 0 && cfg.TrackerDSN == "" {
		return cfg, fmt.Errorf("POLL_INTERVAL requires TRACKER_DSN")
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "nse-proxy",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &logger); err != nil {
		logger.Fatal().Err(err).Msg("Proxy failed")
	}
}

func run(ctx context.Context, cfg config, logger *zerolog.Logger) error {
	store, closeStore, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerSecond = cfg.RequestsPerSecond
	limiterCfg.Logger = logger
	limiter, err := ratelimit.NewTracker(limiterCfg)
	if err != nil {
		return err
	}

	clientCfg := client.DefaultConfig()
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.UserAgent = cfg.UserAgent
	clientCfg.Cache = store
	clientCfg.RateLimiter = limiter
	clientCfg.Logger = logger
	nse, err := client.New(clientCfg)
	if err != nil {
		return err
	}
	defer nse.Close()

	srv := &server{client: nse, cache: store, limiter: limiter, logger: logger.With().Str("component", "proxy").Logger()}

	if cfg.TrackerDSN != "" {
		dialector, err := tracker.Dialector(cfg.TrackerDriver, cfg.TrackerDSN)
		if err != nil {
			return err
		}
		trackerCfg := tracker.DefaultConfig()
		trackerCfg.Logger = logger
		srv.tracker, err = tracker.Open(dialector, trackerCfg)
		if err != nil {
			return err
		}
		defer srv.tracker.Close()
	}

	if cfg.PollInterval > 0 {
		poller, err := newPoller(cfg, nse, srv.tracker, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Poller stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("base_url", cfg.BaseURL).
			Str("cache_backend", cfg.CacheBackend).
			Msg("Starting NSE proxy")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openCache builds the hybrid cache for the configured backend.
func openCache(ctx context.Context, cfg config, logger *zerolog.Logger) (cache.Store, func(), error) {
	memCfg := cache.DefaultMemoryConfig()
	memCfg.Logger = logger
	memory := cache.NewMemory(memCfg)

	hybridCfg := cache.DefaultHybridConfig()
	hybridCfg.Logger = logger

	switch cfg.CacheBackend {
	case backendMemory:
		return memory, func() {}, nil

	case backendRedis:
		redisClient, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisURL, err)
		}
		durable := cache.NewRedisStore(redisClient, cache.RedisConfig{Logger: logger})
		h := cache.NewHybrid(memory, durable, hybridCfg)
		return h, func() { h.Close() }, nil

	default:
		fileCfg := cache.DefaultFileConfig(cfg.CacheDir)
		fileCfg.Logger = logger
		durable, err := cache.NewFileStore(fileCfg)
		if err != nil {
			return nil, nil, err
		}
		h := cache.NewHybrid(memory, durable, hybridCfg)
		return h, func() { h.Close() }, nil
	}
}

// newRedisClient accepts either a redis:// URL or a bare host:port.
func newRedisClient(addr string) (*redis.Client, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func newPoller(cfg config, nse *client.Client, store *tracker.Tracker, logger *zerolog.Logger) (*feed.Poller, error) {
	handler := feed.Handler(func(context.Context, tracker.Record) error { return nil })
	if cfg.AttachmentDir != "" {
		handler = feed.AttachmentHandler(nse, cfg.AttachmentDir)
	}

	pollCfg := feed.DefaultConfig()
	pollCfg.Interval = cfg.PollInterval
	pollCfg.Logger = logger

	src := feed.NewAnnouncementSource(nse, feed.DefaultAnnouncementConfig())
	return feed.NewPoller(store, handler, pollCfg, src)
}

type server struct {
	client  *client.Client
	cache   cache.Store
	limiter *ratelimit.Tracker
	tracker *tracker.Tracker
	logger  zerolog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/", s.apiHandler)
	mux.HandleFunc("GET /cache/stats", s.cacheStatsHandler)
	mux.HandleFunc("DELETE /cache", s.cacheClearHandler)
	mux.HandleFunc("GET /ratelimit", s.rateLimitHandler)
	mux.HandleFunc("GET /records/recent", s.recentRecordsHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.tracker != nil {
		if err := s.tracker.Ping(r.Context()); err != nil {
			http.Error(w, "tracker unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if h, ok := s.cache.(*cache.Hybrid); ok {
		if p, ok := h.Durable().(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, "cache unavailable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "READY")
}

// apiHandler forwards /api/... to the upstream with the same path and
// query parameters.
func (s *server) apiHandler(w http.ResponseWriter, r *http.Request) {
	params := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	var opts []client.RequestOption
	if r.Header.Get("Cache-Control") == "no-cache" {
		opts = append(opts, client.SkipCache())
	}

	resp, err := s.client.Get(r.Context(), r.URL.Path, params, opts...)
	if err != nil {
		s.writeError(w, r.URL.Path, err)
		return
	}

	w.Header().Set("Content-Type", sniffContentType(resp.Body))
	if resp.FromCache {
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("X-Cached-At", resp.CachedAt.UTC().Format(time.RFC3339))
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// sniffContentType derives the type from the body alone, so cached and
// fresh responses are labelled the same.
func sniffContentType(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return "application/json"
	}
	return http.DetectContentType(body)
}

func (s *server) writeError(w http.ResponseWriter, endpoint string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	status := http.StatusBadGateway
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case client.KindRateLimited:
			status = http.StatusTooManyRequests
			if apiErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Round(time.Second)/time.Second)))
			}
		case client.KindTimeout:
			status = http.StatusGatewayTimeout
		case client.KindUpstream:
			if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
				status = apiErr.StatusCode
			}
		}
	}
	s.logger.Warn().Err(err).Str("endpoint", endpoint).Int("status_code", status).Msg("Proxy request failed")
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(client.KindOf(err)),
	})
}

func (s *server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	if h, ok := s.cache.(*cache.Hybrid); ok {
		writeJSON(w, http.StatusOK, h.TierStats(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]cache.Stats{cache.LayerMemory: s.cache.Stats(r.Context())})
}

func (s *server) cacheClearHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.State())
}

func (s *server) recentRecordsHandler(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		http.Error(w, "tracker not configured", http.StatusNotFound)
		return
	}

	limit := tracker.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	filter := tracker.Filter{
		Category:   r.URL.Query().Get("category"),
		NaturalKey: strings.ToUpper(r.URL.Query().Get("symbol")),
	}

	records, err := s.tracker.GetRecent(r.Context(), limit, filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
