package approval

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ActionResult is the output of an executed action.
type ActionResult struct {
	RequestID string
	Kind      Kind
	Query     string

	// Output is the text produced by a search.
	Output string

	// ArtifactRef points at a generated artifact (URL or file path).
	ArtifactRef string

	ProducedAt time.Time
}

// Text returns the result as something a model can read.
func (r *ActionResult) Text() string {
	if r.ArtifactRef != "" && r.Output == "" {
		return r.ArtifactRef
	}
	if r.ArtifactRef != "" {
		return r.Output + "\n" + r.ArtifactRef
	}
	return r.Output
}

type storedResult struct {
	result   ActionResult
	storedAt time.Time
}

// resultCache is a bounded LRU of results. Entries older than retention are
// treated as absent and removed by sweep.
type resultCache struct {
	cache     *lru.Cache[string, storedResult]
	retention time.Duration
}

func newResultCache(size int, retention time.Duration) (*resultCache, error) {
	if size <= 0 {
		size = DefaultResultCacheSize
	}
	cache, err := lru.New[string, storedResult](size)
	if err != nil {
		return nil, fmt.Errorf("creating result cache: %w", err)
	}
	return &resultCache{cache: cache, retention: retention}, nil
}

func (c *resultCache) put(r ActionResult, now time.Time) {
	c.cache.Add(r.RequestID, storedResult{result: r, storedAt: now})
}

func (c *resultCache) get(id string, now time.Time) (*ActionResult, bool) {
	entry, ok := c.cache.Get(id)
	if !ok || c.stale(entry, now) {
		return nil, false
	}
	r := entry.result
	return &r, true
}

func (c *resultCache) stale(entry storedResult, now time.Time) bool {
	return c.retention > 0 && now.Sub(entry.storedAt) > c.retention
}

// sweep removes stale entries and returns how many were dropped.
func (c *resultCache) sweep(now time.Time) int {
	removed := 0
	for _, key := range c.cache.Keys() {
		entry, ok := c.cache.Peek(key)
		if ok && c.stale(entry, now) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *resultCache) len() int { return c.cache.Len() }
