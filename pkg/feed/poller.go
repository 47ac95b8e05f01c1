package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/nse-client/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nse_feed_polls_total",
		Help: "Total feed polls by source and result",
	}, []string{"source", "result"})

	feedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nse_feed_records_total",
		Help: "Total feed records by source and outcome",
	}, []string{"source", "outcome"}) // "processed", "failed", "duplicate"
)

// Store is the part of the tracker the poller needs.
type Store interface {
	GetUnprocessed(ctx context.Context, candidates []tracker.Record) ([]tracker.Record, error)
	MarkProcessed(ctx context.Context, rec tracker.Record) (tracker.ProcessedRecord, error)
}

// Config holds poller configuration.
type Config struct {
	// Workers is the number of records handled in parallel.
	Workers int

	// Interval is the delay between polls in Run.
	Interval time.Duration

	// HandlerTimeout bounds a single handler call.
	HandlerTimeout time.Duration

	Logger *zerolog.Logger
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Interval:       5 * time.Minute,
		HandlerTimeout: 2 * time.Minute,
	}
}

// PollResult summarizes one poll of one source.
type PollResult struct {
	Source     string        `json:"source"`
	Fetched    int           `json:"fetched"`
	New        int           `json:"new"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Poller runs sources through the tracker and a handler.
type Poller struct {
	store   Store
	handler Handler
	sources []Source
	config  Config
	logger  zerolog.Logger
}

// NewPoller creates a poller over sources.
func NewPoller(store Store, handler Handler, cfg Config, sources ...Source) (*Poller, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * time.Minute
	}

	logger := log.With().Str("component", "feed").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "feed").Logger()
	}

	return &Poller{
		store:   store,
		handler: handler,
		sources: sources,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Run polls immediately and then every Interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Poll finished with errors")
		}

		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Poller stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce polls every source once. The returned error joins the errors
// of failed sources and storage failures; handler failures are only
// counted.
func (p *Poller) PollOnce(ctx context.Context) ([]PollResult, error) {
	results := make([]PollResult, 0, len(p.sources))
	var errs []error

	for _, src := range p.sources {
		res := p.pollSource(ctx, src)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("poll %s: %w", res.Source, res.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (p *Poller) pollSource(ctx context.Context, src Source) PollResult {
	start := time.Now()
	res := PollResult{Source: src.Name()}

	records, err := src.Fetch(ctx)
	if err != nil {
		pollsTotal.WithLabelValues(res.Source, "fetch_error").Inc()
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}
	res.Fetched = len(records)

	fresh, err := p.store.GetUnprocessed(ctx, records)
	if err != nil {
		pollsTotal.WithLabelValues(res.Source, "store_error").Inc()
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}
	res.New = len(fresh)

	if len(fresh) > 0 {
		p.process(ctx, src.Name(), fresh, &res)
	}

	result := "ok"
	if res.Err != nil {
		result = "store_error"
	}
	pollsTotal.WithLabelValues(res.Source, result).Inc()
	res.Duration = time.Since(start)

	p.logger.Info().
		Str("source", res.Source).
		Int("fetched", res.Fetched).
		Int("new", res.New).
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("Poll complete")
	return res
}

// process handles records on a worker pool.
func (p *Poller) process(ctx context.Context, source string, records []tracker.Record, res *PollResult) {
	queue := make(chan tracker.Record, len(records))
	for _, rec := range records {
		queue <- rec
	}
	close(queue)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)

	workers := min(p.config.Workers, len(records))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for rec := range queue {
				if ctx.Err() != nil {
					return
				}
				outcome, err := p.handle(ctx, rec)

				mu.Lock()
				switch outcome {
				case "processed":
					res.Processed++
				case "duplicate":
					res.Duplicates++
				case "failed":
					res.Failed++
				}
				if err != nil {
					errs = append(errs, err)
				}
				mu.Unlock()

				feedRecordsTotal.WithLabelValues(source, outcome).Inc()
			}
			p.logger.Debug().Int("worker_id", workerID).Msg("Worker completed")
		}(i)
	}
	wg.Wait()

	res.Err = errors.Join(errs...)
}

// handle runs the handler for rec and marks it on success. A storage
// failure while marking is returned; handler failures are logged only.
func (p *Poller) handle(ctx context.Context, rec tracker.Record) (string, error) {
	id := tracker.UniqueID(rec)

	hctx, cancel := context.WithTimeout(ctx, p.config.HandlerTimeout)
	err := p.handler(hctx, rec)
	cancel()
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("unique_id", id).
			Msg("Handler failed, record left for next poll")
		return "failed", nil
	}

	if _, err := p.store.MarkProcessed(ctx, rec); err != nil {
		if errors.Is(err, tracker.ErrDuplicate) {
			return "duplicate", nil
		}
		p.logger.Error().
			Err(err).
			Str("unique_id", id).
			Msg("Failed to mark record processed")
		return "failed", err
	}
	return "processed", nil
}
