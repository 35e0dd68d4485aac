package config

import (
	"time"

	"github.com/haasonsaas/conversa/internal/tools/websearch"
)

// ToolsConfig configures the tool registry, execution limits, result caching,
// and the built-in tools that ship with the registry.
type ToolsConfig struct {
	WebSearch websearch.Config      `yaml:"websearch"`
	WebFetch  websearch.FetchConfig `yaml:"web_fetch"`
	Execution ToolExecutionConfig   `yaml:"execution"`
	Cache     ToolCacheConfig       `yaml:"cache"`
	Result    ToolResultGuardConfig `yaml:"result_guard"`
}

// ToolExecutionConfig controls the ACT phase's tool fan-out.
type ToolExecutionConfig struct {
	// MaxIterations bounds how many REASON/ACT round trips a single turn may take.
	MaxIterations int `yaml:"max_iterations"`

	// Parallelism caps how many tool calls from one iteration run concurrently.
	Parallelism int `yaml:"parallelism"`

	// Timeout bounds a single tool call's execution time.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the retry budget for a single tool call on transient failure.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the base delay between tool call retries.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ToolCacheConfig controls the tool-result cache (TTL, fingerprinting, coalescing).
type ToolCacheConfig struct {
	// Enabled turns on the tool-result cache.
	Enabled bool `yaml:"enabled"`

	// DefaultTTL is how long a cached result is considered fresh when a tool
	// doesn't set its own TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// NonCacheable lists tool name patterns that must never be served from
	// cache, even if their result would otherwise be eligible (the Cacheable
	// opt-out: tools whose results are time-sensitive set this themselves,
	// but an operator can also force it here).
	NonCacheable []string `yaml:"non_cacheable"`
}

// ToolResultGuardConfig controls redaction of tool results before persistence.
type ToolResultGuardConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxChars        int      `yaml:"max_chars"`
	Denylist        []string `yaml:"denylist"`
	RedactPatterns  []string `yaml:"redact_patterns"`
	RedactionText   string   `yaml:"redaction_text"`
	TruncateSuffix  string   `yaml:"truncate_suffix"`
	SanitizeSecrets bool     `yaml:"sanitize_secrets"`
}
