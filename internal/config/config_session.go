package config

import "time"

// SessionConfig configures the hybrid hot/cold session store and turn history window.
type SessionConfig struct {
	// DefaultAgentID identifies the agent profile used when a session omits one.
	DefaultAgentID string `yaml:"default_agent_id"`

	// HistoryWindow caps how many recent messages are kept in the hot tier
	// and passed to the REASON phase as conversational context.
	HistoryWindow int `yaml:"history_window"`

	// HotTierCapacity bounds the number of sessions kept fully in memory
	// before the least-recently-used session is evicted to the cold tier.
	HotTierCapacity int `yaml:"hot_tier_capacity"`

	// IdleTTL is how long a session may sit without activity before it is
	// considered idle and evicted from the hot tier.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// Reset configures automatic session reset behavior.
	Reset ResetConfig `yaml:"reset"`
}

// ResetConfig controls when sessions are automatically reset.
type ResetConfig struct {
	// Mode is the reset mode: "daily", "idle", "daily+idle", or "never" (default).
	Mode string `yaml:"mode"`

	// AtHour is the hour (0-23) to reset sessions when mode includes "daily".
	AtHour int `yaml:"at_hour"`

	// IdleMinutes is the number of minutes of inactivity before reset when mode includes "idle".
	IdleMinutes int `yaml:"idle_minutes"`
}
