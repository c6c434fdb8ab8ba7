package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	resourcecache "github.com/wolfeidau/resource-cache"
	"github.com/wolfeidau/resource-cache/telemetry"
)

// resolve makes the content of e resident. With a known key it checks storage
// in the background and notifies on a hit; otherwise, or when the content has
// gone missing, it starts a fetch.
func (c *Cache) resolve(e *entry) {
	c.mu.Lock()
	key, generation := e.key, e.generation
	if key == "" {
		c.stats.misses.Add(1)
		telemetry.RecordResolve(c.baseCtx, telemetry.CacheMiss)
		c.fetchLocked(e)
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		ok, err := c.checkExists(key)
		if ok {
			c.stats.hits.Add(1)
			telemetry.RecordResolve(c.baseCtx, telemetry.CacheHit)
			c.mu.Lock()
			// A fetch that completed or is completing while storage was
			// consulted notifies every observer registered before the check.
			if e.key != key || e.generation != generation || e.state == Fetching {
				c.mu.Unlock()
				return
			}
			path, observers := c.observersLocked(e)
			c.mu.Unlock()
			c.deliver(path, observers)
			return
		}
		if err != nil {
			c.logger.Warn("existence check failed, refetching", "uri", e.uri, "key", key, "error", err)
		} else {
			c.logger.Debug("resident content missing, refetching", "uri", e.uri, "key", key)
		}
		c.stats.stale.Add(1)
		telemetry.RecordResolve(c.baseCtx, telemetry.CacheStale)

		c.mu.Lock()
		defer c.mu.Unlock()
		if e.key != key || e.generation != generation {
			return
		}
		c.fetchLocked(e)
	}()
}

// checkExists coalesces concurrent existence checks for the same key.
func (c *Cache) checkExists(key string) (bool, error) {
	v, err, _ := c.exists.Do(key, func() (any, error) {
		return c.storage.Exists(c.baseCtx, key)
	})
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", key, err)
	}
	return v.(bool), nil
}

// fetchLocked starts a transfer for e unless one is already in flight.
// c.mu must be held.
func (c *Cache) fetchLocked(e *entry) {
	if e.state == Fetching {
		c.stats.fetchesDeduplicated.Add(1)
		telemetry.RecordFetchDeduplicated(c.baseCtx)
		c.logger.Debug("fetch already in flight", "uri", e.uri, "key", e.task.key)
		return
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	t := &task{
		key:     resourcecache.KeyFor(e.uri, e.immutable),
		cancel:  cancel,
		started: time.Now(),
	}
	e.state = Fetching
	e.task = t

	c.stats.fetchesStarted.Add(1)
	c.logger.Debug("starting fetch", "uri", e.uri, "key", t.key, "immutable", e.immutable)

	c.wg.Add(1)
	go c.run(ctx, e, t)
}

// run performs the transfer for t and settles e afterwards.
func (c *Cache) run(ctx context.Context, e *entry, t *task) {
	defer c.wg.Done()
	defer t.cancel()

	err := c.fetcher.Fetch(ctx, e.uri, t.key)
	duration := time.Since(t.started)

	var (
		path      string
		observers []*Subscription
	)
	c.mu.Lock()
	e.state = Idle
	e.task = nil
	if err == nil {
		e.key = t.key
		e.generation++
		// Snapshot with the settle so a check that starts after it sees
		// the new generation and notifies on its own.
		path, observers = c.observersLocked(e)
	}
	c.mu.Unlock()

	if err != nil {
		c.stats.fetchesFailed.Add(1)
		if errors.Is(err, context.Canceled) {
			c.logger.Debug("fetch cancelled", "uri", e.uri, "key", t.key)
			telemetry.RecordFetch(c.baseCtx, "canceled", duration)
			return
		}
		c.logger.Warn("fetch failed", "uri", e.uri, "key", t.key, "duration", duration, "error", err)
		telemetry.RecordFetch(c.baseCtx, "error", duration)
		return
	}

	c.stats.fetchesSucceeded.Add(1)
	telemetry.RecordFetch(c.baseCtx, "success", duration)
	c.logger.Debug("fetch complete", "uri", e.uri, "key", t.key, "duration", duration)

	c.deliver(path, observers)
}

// observersLocked snapshots the path and observers of e so handlers may
// register or unregister freely while being called. c.mu must be held.
func (c *Cache) observersLocked(e *entry) (string, []*Subscription) {
	if e.key == "" || len(e.observers) == 0 {
		return "", nil
	}
	return c.storage.Path(e.key), slices.Clone(e.observers)
}

// deliver calls every snapshotted observer with path, outside c.mu.
func (c *Cache) deliver(path string, observers []*Subscription) {
	if len(observers) == 0 {
		return
	}
	for _, sub := range observers {
		sub.handler(path)
	}

	c.stats.notifications.Add(int64(len(observers)))
	telemetry.RecordNotify(c.baseCtx, len(observers))
}
