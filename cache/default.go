package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/wolfeidau/resource-cache/backend"
	"github.com/wolfeidau/resource-cache/credentials"
	"github.com/wolfeidau/resource-cache/fetch"
)

// Config holds what NewFromConfig needs to assemble a cache.
type Config struct {
	// StoragePath is the directory fetched resources are written into.
	// Ignored when Backend is set.
	StoragePath string

	// Backend overrides the instrumented filesystem backend built from
	// StoragePath. Optional.
	Backend backend.Backend

	// Credentials are applied to upstream requests by URL prefix. Optional.
	Credentials *credentials.Credentials

	// UserAgent overrides the fetcher's User-Agent header. Optional.
	UserAgent string

	// Logger is the logger for the cache and fetcher.
	Logger *slog.Logger

	// Options are applied to the cache after the defaults above.
	Options []Option
}

// DefaultConfig returns a config storing resources under the user cache
// directory, or the temp directory when there is none.
func DefaultConfig() Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Config{
		StoragePath: filepath.Join(dir, "resource-cache"),
	}
}

// NewFromConfig builds a cache over a filesystem backend and an HTTP fetcher.
func NewFromConfig(cfg Config) (*Cache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := cfg.Backend
	if store == nil {
		var err error
		if store, err = NewBackend(cfg.StoragePath); err != nil {
			return nil, err
		}
	}

	fetchOpts := []fetch.Option{
		fetch.WithLogger(logger.With("component", "fetch")),
	}
	if cfg.Credentials != nil {
		fetchOpts = append(fetchOpts, fetch.WithCredentials(cfg.Credentials))
	}
	if cfg.UserAgent != "" {
		fetchOpts = append(fetchOpts, fetch.WithUserAgent(cfg.UserAgent))
	}

	opts := append([]Option{WithLogger(logger.With("component", "cache"))}, cfg.Options...)
	return New(store, fetch.NewHTTPFetcher(store, fetchOpts...), opts...), nil
}

// NewBackend returns the instrumented filesystem backend rooted at path.
func NewBackend(path string) (backend.Backend, error) {
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	fs, err := backend.NewFilesystem(path)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	return backend.NewInstrumentedBackend(fs, "filesystem"), nil
}

var defaultCache atomic.Pointer[Cache]

// Default returns the process-wide cache. Unless SetDefault installed one
// first, it is built from DefaultConfig on first use and Default panics if
// that fails.
func Default() *Cache {
	if c := defaultCache.Load(); c != nil {
		return c
	}
	c, err := NewFromConfig(DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("cache: building default cache: %v", err))
	}
	if defaultCache.CompareAndSwap(nil, c) {
		return c
	}
	return defaultCache.Load()
}

// SetDefault makes c the process-wide cache returned by Default.
func SetDefault(c *Cache) {
	defaultCache.Store(c)
}
