package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	entryExt  = ".json"
	tmpPrefix = ".tmp-"

	// shardLen is the length of the fingerprint prefix used as subdirectory.
	shardLen = 2

	// staleTempAge is how old an orphaned temp file must be before a sweep
	// removes it.
	staleTempAge = time.Hour
)

// FileConfig holds the durable file tier configuration.
type FileConfig struct {
	// Dir is the cache root. Created if missing.
	Dir string

	// SweepInterval bounds how often a call may trigger a directory walk.
	SweepInterval time.Duration

	// Now is the clock (defaults to time.Now).
	Now func() time.Time

	Logger *zerolog.Logger
}

// DefaultFileConfig returns the default file tier configuration for dir.
func DefaultFileConfig(dir string) FileConfig {
	return FileConfig{
		Dir:           dir,
		SweepInterval: 10 * time.Minute,
	}
}

// FileStore persists one JSON file per entry under <dir>/<fp[:2]>/<fp>.json.
// Writes go to a temp file in the shard directory and are renamed into
// place, so readers never observe a partially written entry.
//
// I/O failures degrade to a miss or a dropped write; they are logged and
// counted but never fatal to the caller.
type FileStore struct {
	dir           string
	sweepInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64

	sweepMu   sync.Mutex
	lastSweep time.Time
	sweeping  atomic.Bool
}

// NewFileStore creates the cache root and returns a file tier over it.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = systemNow
	}
	cfg.Dir = filepath.Clean(cfg.Dir)
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	logger := log.With().Str("component", "cache").Str("layer", LayerFile).Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("layer", LayerFile).Logger()
	}

	return &FileStore{
		dir:           cfg.Dir,
		sweepInterval: cfg.SweepInterval,
		now:           cfg.Now,
		logger:        logger,
		lastSweep:     cfg.Now(),
	}, nil
}

// Dir returns the cache root.
func (f *FileStore) Dir() string {
	return f.dir
}

// path returns the entry file for a fingerprint.
func (f *FileStore) path(fp string) string {
	return filepath.Join(f.dir, fp[:shardLen], fp+entryExt)
}

// Get reads the entry for key. Missing, expired and corrupt files are all
// misses; the latter two are removed.
func (f *FileStore) Get(ctx context.Context, key Key) (Entry, bool) {
	f.maybeSweep(ctx)

	fp := key.Fingerprint()
	path := f.path(fp)

	entry, err := readEntryFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f.miss()
	case errors.Is(err, ErrInvalidEntry):
		f.logger.Warn().Err(err).Str("key", fp).Msg("Removing corrupt cache file")
		f.remove(path, "corrupt")
		return f.miss()
	case err != nil:
		CacheErrors.WithLabelValues(LayerFile, "get").Inc()
		f.logger.Warn().Err(err).Str("key", fp).Msg("Cache file read failed")
		return f.miss()
	}

	if entry.IsExpired(f.now()) {
		f.remove(path, "expired")
		return f.miss()
	}

	f.hits.Add(1)
	CacheHits.WithLabelValues(LayerFile).Inc()
	return entry, true
}

// Set writes value under key for ttl. A ttl <= 0 stores nothing.
func (f *FileStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	f.maybeSweep(ctx)

	fp := key.Fingerprint()
	entry := NewEntry(value, f.now(), ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues(LayerFile, "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := writeFileAtomic(f.path(fp), data); err != nil {
		CacheErrors.WithLabelValues(LayerFile, "set").Inc()
		return fmt.Errorf("write cache file: %w", err)
	}

	f.logger.Debug().Str("key", fp).Dur("ttl", ttl).Msg("Stored cache file")
	return nil
}

// Delete removes the entry file for key and reports whether it existed.
func (f *FileStore) Delete(_ context.Context, key Key) bool {
	err := os.Remove(f.path(key.Fingerprint()))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		CacheErrors.WithLabelValues(LayerFile, "delete").Inc()
		f.logger.Warn().Err(err).Msg("Cache file delete failed")
	}
	return err == nil
}

// Clear removes every entry and temp file below the root, drops empty shard
// directories and resets the counters. Unrelated files are left alone.
func (f *FileStore) Clear(_ context.Context) error {
	var errs []error
	err := f.walkEntries(func(path string, _ fs.DirEntry) {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	})
	if err != nil {
		errs = append(errs, err)
	}

	shards, err := os.ReadDir(f.dir)
	if err == nil {
		for _, shard := range shards {
			if shard.IsDir() && len(shard.Name()) == shardLen {
				// Fails harmlessly when the shard still holds foreign files.
				_ = os.Remove(filepath.Join(f.dir, shard.Name()))
			}
		}
	}

	f.hits.Store(0)
	f.misses.Store(0)

	if err := errors.Join(errs...); err != nil {
		CacheErrors.WithLabelValues(LayerFile, "clear").Inc()
		return fmt.Errorf("clear cache dir: %w", err)
	}
	return nil
}

// Stats counts entry files on disk and returns the counters.
func (f *FileStore) Stats(_ context.Context) Stats {
	entries := 0
	_ = f.walkEntries(func(path string, _ fs.DirEntry) {
		if strings.HasSuffix(path, entryExt) {
			entries++
		}
	})
	return newStats(entries, f.hits.Load(), f.misses.Load())
}

// Sweep walks the tree and removes expired or corrupt entries, plus temp
// files left behind by interrupted writes. Returns the number of entries
// removed.
func (f *FileStore) Sweep(_ context.Context) int {
	if !f.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer f.sweeping.Store(false)

	now := f.now()
	removed := 0
	err := f.walkEntries(func(path string, d fs.DirEntry) {
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			if info, err := d.Info(); err == nil && time.Since(info.ModTime()) > staleTempAge {
				_ = os.Remove(path)
			}
			return
		}

		entry, err := readEntryFile(path)
		switch {
		case errors.Is(err, ErrInvalidEntry):
			f.remove(path, "corrupt")
			removed++
		case err == nil && entry.IsExpired(now):
			f.remove(path, "expired")
			removed++
		}
	})
	if err != nil {
		CacheErrors.WithLabelValues(LayerFile, "sweep").Inc()
		f.logger.Warn().Err(err).Msg("Cache sweep incomplete")
	}

	f.sweepMu.Lock()
	f.lastSweep = now
	f.sweepMu.Unlock()

	if removed > 0 {
		f.logger.Debug().Int("removed", removed).Msg("Swept expired cache files")
	}
	return removed
}

func (f *FileStore) maybeSweep(ctx context.Context) {
	now := f.now()
	f.sweepMu.Lock()
	due := now.Sub(f.lastSweep) >= f.sweepInterval
	if due {
		// Claim this interval before releasing the lock.
		f.lastSweep = now
	}
	f.sweepMu.Unlock()

	if due {
		f.Sweep(ctx)
	}
}

func (f *FileStore) miss() (Entry, bool) {
	f.misses.Add(1)
	CacheMisses.WithLabelValues(LayerFile).Inc()
	return Entry{}, false
}

func (f *FileStore) remove(path, reason string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		CacheErrors.WithLabelValues(LayerFile, "delete").Inc()
		return
	}
	CacheEvictions.WithLabelValues(LayerFile, reason).Inc()
}

// walkEntries calls fn for every regular file inside a shard directory.
func (f *FileStore) walkEntries(fn func(path string, d fs.DirEntry)) error {
	return filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != f.dir && len(d.Name()) != shardLen {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Dir(path) == f.dir {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, entryExt) || strings.HasPrefix(name, tmpPrefix) {
			fn(path, d)
		}
		return nil
	})
}

func readEntryFile(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if !entry.valid() {
		return Entry{}, fmt.Errorf("%w: bad timestamps", ErrInvalidEntry)
	}
	return entry, nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
