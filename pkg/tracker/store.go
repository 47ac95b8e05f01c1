package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrDuplicate is returned by MarkProcessed for an id already stored.
	// Callers treat it as a no-op.
	ErrDuplicate = errors.New("record already processed")

	// ErrInvalidRecord is returned for records that cannot be identified.
	ErrInvalidRecord = errors.New("invalid record")
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultBatchSize bounds the ids per IN query.
const DefaultBatchSize = 500

// DefaultRecentLimit applies when GetRecent is called without a limit.
const DefaultRecentLimit = 50

// Column widths of processed_records. Longer values are rejected on every
// driver rather than only where the database enforces the width.
const (
	MaxCategoryLength   = 64
	MaxNaturalKeyLength = 64
)

var (
	recordsMarkedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nse_records_marked_total",
		Help: "Total records marked processed by category",
	}, []string{"category"})

	recordsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nse_records_duplicate_total",
		Help: "Total attempts to mark an already processed record",
	})
)

// ProcessedRecord is the stored form of a processed Record. It is never
// updated once written.
type ProcessedRecord struct {
	UniqueID      string     `gorm:"primaryKey;size:160" json:"unique_id"`
	Category      string     `gorm:"size:64;index;not null" json:"category"`
	NaturalKey    string     `gorm:"size:64;index;not null" json:"natural_key"`
	Subject       string     `gorm:"type:text" json:"subject,omitempty"`
	Description   string     `gorm:"type:text" json:"description,omitempty"`
	AttachmentURL string     `gorm:"size:1024" json:"attachment_url,omitempty"`
	RecordedAt    *time.Time `json:"recorded_at,omitempty"`
	FirstSeenAt   time.Time  `gorm:"index;not null" json:"first_seen_at"`
}

// TableName implements gorm's tabler interface.
func (ProcessedRecord) TableName() string {
	return "processed_records"
}

// Filter narrows GetRecent, Count and Clear. Zero fields match everything.
type Filter struct {
	Category   string
	NaturalKey string
	Since      time.Time
}

func (f Filter) scope(db *gorm.DB) *gorm.DB {
	if f.Category != "" {
		db = db.Where("category = ?", f.Category)
	}
	if f.NaturalKey != "" {
		db = db.Where("natural_key = ?", f.NaturalKey)
	}
	if !f.Since.IsZero() {
		db = db.Where("first_seen_at >= ?", f.Since.UTC())
	}
	return db
}

// Config holds tracker configuration.
type Config struct {
	// BatchSize bounds the ids per lookup query.
	BatchSize int

	// Now is the clock stamping FirstSeenAt (defaults to time.Now).
	Now func() time.Time

	Logger *zerolog.Logger
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize}
}

// Tracker is the durable processed-record store. Storage errors are always
// returned; dedup state is never dropped silently.
type Tracker struct {
	db        *gorm.DB
	batchSize int
	now       func() time.Time
	logger    zerolog.Logger
}

// Dialector returns the gorm dialector for driver and dsn.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("tracker dsn is required")
	}
	switch driver {
	case DriverSQLite, "":
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported tracker driver %q", driver)
	}
}

// Open connects with dialector and prepares the table.
func Open(dialector gorm.Dialector, cfg Config) (*Tracker, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open tracker database: %w", err)
	}

	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("tracker database handle: %w", err)
		}
		// one writer at a time avoids SQLITE_BUSY under concurrent marks
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db, cfg)
}

// New wraps an open database and migrates the table.
func New(db *gorm.DB, cfg Config) (*Tracker, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := db.AutoMigrate(&ProcessedRecord{}); err != nil {
		return nil, fmt.Errorf("migrate processed records: %w", err)
	}

	logger := log.With().Str("component", "tracker").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "tracker").Logger()
	}

	return &Tracker{
		db:        db,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
		logger:    logger,
	}, nil
}

// IsProcessed reports whether id has been marked.
func (t *Tracker) IsProcessed(ctx context.Context, id string) (bool, error) {
	var n int64
	err := t.db.WithContext(ctx).
		Model(&ProcessedRecord{}).
		Where("unique_id = ?", id).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkProcessed stores rec and returns the stored row. Marking an id that
// is already stored returns ErrDuplicate and leaves the row untouched.
func (t *Tracker) MarkProcessed(ctx context.Context, rec Record) (ProcessedRecord, error) {
	if rec.Category == "" {
		return ProcessedRecord{}, fmt.Errorf("%w: category is required", ErrInvalidRecord)
	}
	if len(rec.Category) > MaxCategoryLength {
		return ProcessedRecord{}, fmt.Errorf("%w: category longer than %d bytes", ErrInvalidRecord, MaxCategoryLength)
	}
	if key := rec.NaturalKey(); len(key) > MaxNaturalKeyLength {
		return ProcessedRecord{}, fmt.Errorf("%w: natural key %.20q... longer than %d bytes", ErrInvalidRecord, key, MaxNaturalKeyLength)
	}

	row := ProcessedRecord{
		UniqueID:      UniqueID(rec),
		Category:      rec.Category,
		NaturalKey:    rec.NaturalKey(),
		Subject:       rec.Subject,
		Description:   rec.Description,
		AttachmentURL: rec.AttachmentURL,
		FirstSeenAt:   t.now().UTC(),
	}
	if ts, ok := ParseTimestamp(rec.Timestamp); ok {
		row.RecordedAt = &ts
	}

	res := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return ProcessedRecord{}, fmt.Errorf("mark processed %s: %w", row.UniqueID, res.Error)
	}
	if res.RowsAffected == 0 {
		recordsDuplicateTotal.Inc()
		t.logger.Debug().Str("unique_id", row.UniqueID).Msg("Record already processed")
		return ProcessedRecord{}, fmt.Errorf("%w: %s", ErrDuplicate, row.UniqueID)
	}

	recordsMarkedTotal.WithLabelValues(row.Category).Inc()
	t.logger.Debug().
		Str("unique_id", row.UniqueID).
		Str("category", row.Category).
		Msg("Record marked processed")
	return row, nil
}

// GetUnprocessed returns the candidates not yet marked, in input order.
// Repeats within candidates collapse to their first occurrence.
func (t *Tracker) GetUnprocessed(ctx context.Context, candidates []Record) ([]Record, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, rec := range candidates {
		id := UniqueID(rec)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	processed := make(map[string]bool)
	for start := 0; start < len(ids); start += t.batchSize {
		end := min(start+t.batchSize, len(ids))

		var found []string
		err := t.db.WithContext(ctx).
			Model(&ProcessedRecord{}).
			Where("unique_id IN ?", ids[start:end]).
			Pluck("unique_id", &found).Error
		if err != nil {
			return nil, fmt.Errorf("look up processed records: %w", err)
		}
		for _, id := range found {
			processed[id] = true
		}
	}

	out := make([]Record, 0, len(candidates)-len(processed))
	emitted := make(map[string]bool, len(ids))
	for _, rec := range candidates {
		id := UniqueID(rec)
		if processed[id] || emitted[id] {
			continue
		}
		emitted[id] = true
		out = append(out, rec)
	}

	t.logger.Debug().
		Int("candidates", len(candidates)).
		Int("unprocessed", len(out)).
		Msg("Filtered feed batch")
	return out, nil
}

// GetRecent returns up to limit records matching f, newest first.
func (t *Tracker) GetRecent(ctx context.Context, limit int, f Filter) ([]ProcessedRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	var rows []ProcessedRecord
	err := t.db.WithContext(ctx).
		Scopes(f.scope).
		Order("first_seen_at DESC").
		Order("unique_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get recent records: %w", err)
	}
	return rows, nil
}

// Count returns the number of records matching f.
func (t *Tracker) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).
		Model(&ProcessedRecord{}).
		Scopes(f.scope).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Clear deletes the records matching f and returns how many were removed.
// A zero Filter deletes everything.
func (t *Tracker) Clear(ctx context.Context, f Filter) (int64, error) {
	res := t.db.WithContext(ctx).
		Scopes(f.scope).
		Where("1 = 1").
		Delete(&ProcessedRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("clear records: %w", res.Error)
	}

	t.logger.Info().
		Str("category", f.Category).
		Str("natural_key", f.NaturalKey).
		Int64("deleted", res.RowsAffected).
		Msg("Cleared processed records")
	return res.RowsAffected, nil
}

// Ping checks the database connection.
func (t *Tracker) Ping(ctx context.Context) error {
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (t *Tracker) Close() error {
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
