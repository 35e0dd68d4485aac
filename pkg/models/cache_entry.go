package models

import "time"

// CacheEntry is a single stored result in the tool-result cache, keyed by a
// canonical fingerprint of the tool name and its arguments.
type CacheEntry struct {
	// Key is the canonical fingerprint: toolName + "\x00" + canonicalJSON(args).
	Key string `json:"key"`

	// Result is the cached, successful tool output. Error results are
	// never cached (see spec's success-only storage rule).
	Result ToolResult `json:"result"`

	// StoredAt is when the entry was written.
	StoredAt time.Time `json:"stored_at"`
}

// Expired reports whether the entry is older than ttl as of now.
func (e *CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) >= ttl
}
