package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/conversa/pkg/models"
)

// ToolCache stores successful tool results keyed by a canonical fingerprint
// of the tool name and its arguments, with a per-fingerprint TTL and
// singleflight coalescing so that concurrent identical calls (e.g. two
// turns in flight that both request the same cacheable lookup) share one
// upstream execution instead of paying for it twice.
//
// Only successful results are ever stored: a failing tool call is never
// cached, so a transient failure doesn't get replayed as a cached answer.
type ToolCache struct {
	mu         sync.Mutex
	entries    map[string]models.CacheEntry
	defaultTTL time.Duration
	group      singleflight.Group

	now func() time.Time
}

// NewToolCache creates a ToolCache with the given default TTL. A TTL of
// zero means entries never expire on their own (they still churn out under
// size pressure if a caller uses Prune).
func NewToolCache(defaultTTL time.Duration) *ToolCache {
	if defaultTTL < 0 {
		defaultTTL = 0
	}
	return &ToolCache{
		entries:    make(map[string]models.CacheEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// SetNowFunc overrides the cache's clock, for deterministic tests.
func (c *ToolCache) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	c.now = fn
}

// Fingerprint builds the canonical cache key for a tool name and its raw
// JSON arguments: toolName + "\x00" + canonicalJSON(args), where
// canonicalJSON re-marshals the arguments with map keys in sorted order so
// that two semantically identical argument objects with differently
// ordered fields produce the same fingerprint.
func Fingerprint(toolName string, args json.RawMessage) string {
	return toolName + "\x00" + string(canonicalJSON(args))
}

// canonicalJSON re-encodes raw JSON with object keys sorted, falling back to
// the original bytes if it cannot be parsed as structured JSON (e.g. it is
// already a scalar or malformed).
func canonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	encoded, err := json.Marshal(sortedValue(v))
	if err != nil {
		return raw
	}
	return encoded
}

// sortedValue recursively rebuilds maps as a stable, sorted representation.
// json.Marshal already sorts map[string]any keys, but we go through an
// explicit ordered-slice rebuild for nested maps to guard against any
// future change in encoding/json's map ordering guarantees and to keep the
// behavior obviously deterministic to a reader.
func sortedValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = sortedValue(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortedValue(item)
		}
		return out
	default:
		return val
	}
}

// Get returns the cached result for the fingerprint if present and not
// expired under ttl (a ttl of zero uses the cache's DefaultTTL).
func (c *ToolCache) Get(fingerprint string, ttl time.Duration) (models.ToolResult, bool) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return models.ToolResult{}, false
	}
	if entry.Expired(c.now(), ttl) {
		delete(c.entries, fingerprint)
		return models.ToolResult{}, false
	}
	return entry.Result, true
}

// Put stores a successful result under fingerprint. Error results must not
// be passed here; callers check result.IsError before calling Put.
func (c *ToolCache) Put(fingerprint string, result models.ToolResult) {
	if result.IsError {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = models.CacheEntry{
		Key:      fingerprint,
		Result:   result,
		StoredAt: c.now(),
	}
}

// Invalidate removes a single fingerprint from the cache.
func (c *ToolCache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

// Prune removes all entries expired under ttl (zero uses DefaultTTL).
func (c *ToolCache) Prune(ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.Expired(now, ttl) {
			delete(c.entries, key)
		}
	}
}

// Size returns the number of entries currently cached, expired or not.
func (c *ToolCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrExecute returns the cached result for fingerprint if fresh;
// otherwise it calls exec exactly once across all concurrent callers
// sharing that fingerprint (via singleflight), caches the result if it
// succeeds, and returns it. The shared bool reports whether this caller
// received a result computed by a concurrent, in-flight call rather than
// its own exec invocation.
func (c *ToolCache) GetOrExecute(fingerprint string, ttl time.Duration, exec func() (models.ToolResult, error)) (result models.ToolResult, shared bool, err error) {
	if cached, ok := c.Get(fingerprint, ttl); ok {
		return cached, false, nil
	}

	v, err, shared := c.group.Do(fingerprint, func() (any, error) {
		res, execErr := exec()
		if execErr != nil {
			return models.ToolResult{}, execErr
		}
		c.Put(fingerprint, res)
		return res, nil
	})
	if err != nil {
		return models.ToolResult{}, shared, err
	}
	return v.(models.ToolResult), shared, nil
}
