// Package cache implements the resource cache: an entry table keyed by URI,
// a fetch coordinator that keeps at most one transfer in flight per entry, and
// an observer registry notified whenever a local path becomes available.
//
// Observers never see errors. A failed or cancelled fetch leaves the entry
// idle and is retried only when something triggers resolution again: a new
// registration or a bust.
package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	resourcecache "github.com/wolfeidau/resource-cache"
	"github.com/wolfeidau/resource-cache/telemetry"
)

// Handler receives the local path of a resource once it is available.
// Handlers run on background goroutines and must not block for long.
type Handler func(path string)

// Storage is the local storage the cache checks for resident content.
type Storage interface {
	// Exists reports whether content is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Path returns the local path for key.
	Path(key string) string
}

// Fetcher transfers a remote resource into storage under key. It must honour
// ctx cancellation and must not leave partial content under key on failure.
type Fetcher interface {
	Fetch(ctx context.Context, uri, key string) error
}

// Cache is a deduplicating cache of remote resources keyed by URI.
// It is safe for concurrent use.
type Cache struct {
	storage Storage
	fetcher Fetcher
	logger  *slog.Logger
	baseCtx context.Context

	mu      sync.Mutex
	entries map[string]*entry

	exists singleflight.Group
	wg     sync.WaitGroup
	stats  counters
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithBaseContext sets the context every existence check and fetch derives
// from. Cancelling it aborts all in-flight transfers.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Cache) {
		c.baseCtx = ctx
	}
}

// New creates a cache backed by storage, filling misses with fetcher.
func New(storage Storage, fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		storage: storage,
		fetcher: fetcher,
		logger:  slog.Default(),
		baseCtx: context.Background(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds handler as an observer of uri and starts resolving it.
// The first registration of a URI decides whether it is immutable; later
// registrations with a different flag share the existing entry unchanged.
// Handler is called with the local path every time the content becomes
// available while the subscription is registered.
func (c *Cache) Register(uri string, immutable bool, handler Handler) *Subscription {
	if handler == nil {
		handler = func(string) {}
	}
	sub := &Subscription{cache: c, uri: uri, handler: handler}

	c.mu.Lock()
	e := c.ensureEntry(uri, immutable)
	e.observers = append(e.observers, sub)
	c.mu.Unlock()

	c.stats.registrations.Add(1)
	telemetry.RecordRegister(c.baseCtx, immutable)

	c.resolve(e)
	return sub
}

// Unregister removes sub from the observers of uri. It does not affect other
// observers or any in-flight fetch. Unknown URIs and subscriptions are ignored.
func (c *Cache) Unregister(uri string, sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[uri]
	if !ok {
		return
	}
	if i := slices.Index(e.observers, sub); i >= 0 {
		e.observers = slices.Delete(e.observers, i, i+1)
	}
}

// Bust invalidates the content of a mutable entry and fetches it again under
// a fresh key. It is a no-op for immutable entries and unknown URIs.
func (c *Cache) Bust(uri string) {
	c.mu.Lock()
	e, ok := c.entries[uri]
	if !ok || e.immutable {
		c.mu.Unlock()
		return
	}
	e.key = ""
	c.mu.Unlock()

	c.logger.Debug("busted entry", "uri", uri)
	c.resolve(e)
}

// Cancel requests cancellation of the in-flight fetch for uri. It does not
// wait: the fetch fails on its own goroutine and the entry returns to Idle
// without notifying observers. No-op when nothing is in flight.
func (c *Cache) Cancel(uri string) {
	c.mu.Lock()
	e, ok := c.entries[uri]
	if !ok || e.state != Fetching {
		c.mu.Unlock()
		return
	}
	cancel := e.task.cancel
	c.mu.Unlock()

	c.logger.Debug("cancelling fetch", "uri", uri)
	cancel()
}

// Lookup returns a snapshot of the entry for uri.
func (c *Cache) Lookup(uri string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[uri]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{
		URI:       e.uri,
		Immutable: e.immutable,
		State:     e.state,
		Key:       e.key,
		Observers: len(e.observers),
	}
	if e.key != "" {
		snap.Path = c.storage.Path(e.key)
	}
	if e.task != nil {
		snap.FetchingKey = e.task.key
	}
	return snap, true
}

// Wait blocks until the existence checks and fetches started before the call
// have finished and their observers have been notified.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// ensureEntry returns the entry for uri, creating it if needed.
// c.mu must be held.
func (c *Cache) ensureEntry(uri string, immutable bool) *entry {
	if e, ok := c.entries[uri]; ok {
		return e
	}
	e := &entry{uri: uri, immutable: immutable}
	if immutable {
		e.key = resourcecache.ImmutableKey(uri)
	}
	c.entries[uri] = e
	c.stats.entries.Add(1)
	return e
}

// Stats is a snapshot of cache counters since creation.
type Stats struct {
	Entries             int64 `json:"entries"`
	Registrations       int64 `json:"registrations"`
	Hits                int64 `json:"hits"`
	Misses              int64 `json:"misses"`
	Stale               int64 `json:"stale"`
	FetchesStarted      int64 `json:"fetches_started"`
	FetchesSucceeded    int64 `json:"fetches_succeeded"`
	FetchesFailed       int64 `json:"fetches_failed"`
	FetchesDeduplicated int64 `json:"fetches_deduplicated"`
	Notifications       int64 `json:"notifications"`
}

type counters struct {
	entries             atomic.Int64
	registrations       atomic.Int64
	hits                atomic.Int64
	misses              atomic.Int64
	stale               atomic.Int64
	fetchesStarted      atomic.Int64
	fetchesSucceeded    atomic.Int64
	fetchesFailed       atomic.Int64
	fetchesDeduplicated atomic.Int64
	notifications       atomic.Int64
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:             c.stats.entries.Load(),
		Registrations:       c.stats.registrations.Load(),
		Hits:                c.stats.hits.Load(),
		Misses:              c.stats.misses.Load(),
		Stale:               c.stats.stale.Load(),
		FetchesStarted:      c.stats.fetchesStarted.Load(),
		FetchesSucceeded:    c.stats.fetchesSucceeded.Load(),
		FetchesFailed:       c.stats.fetchesFailed.Load(),
		FetchesDeduplicated: c.stats.fetchesDeduplicated.Load(),
		Notifications:       c.stats.notifications.Load(),
	}
}
