package config

import "fmt"

// validateConfig checks structural invariants that defaulting cannot repair.
func validateConfig(cfg *Config) error {
	if err := ValidateVersion(cfg.Version); err != nil {
		return err
	}

	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be between 1 and 65535, got %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.MetricsPort == cfg.Server.HTTPPort {
		return fmt.Errorf("server.metrics_port must differ from server.http_port")
	}

	if cfg.Session.HistoryWindow < 1 {
		return fmt.Errorf("session.history_window must be at least 1, got %d", cfg.Session.HistoryWindow)
	}
	if cfg.Session.HotTierCapacity < 1 {
		return fmt.Errorf("session.hot_tier_capacity must be at least 1, got %d", cfg.Session.HotTierCapacity)
	}
	switch cfg.Session.Reset.Mode {
	case "never", "daily", "idle", "daily+idle":
	default:
		return fmt.Errorf("session.reset.mode must be one of never|daily|idle|daily+idle, got %q", cfg.Session.Reset.Mode)
	}

	if cfg.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider is required")
	}

	if cfg.Tools.Execution.MaxIterations < 1 {
		return fmt.Errorf("tools.execution.max_iterations must be at least 1, got %d", cfg.Tools.Execution.MaxIterations)
	}
	if cfg.Tools.Execution.Parallelism < 1 {
		return fmt.Errorf("tools.execution.parallelism must be at least 1, got %d", cfg.Tools.Execution.Parallelism)
	}

	for i, key := range cfg.Auth.APIKeys {
		if key.Key == "" {
			return fmt.Errorf("auth.api_keys[%d].key must not be empty", i)
		}
		if key.UserID == "" {
			return fmt.Errorf("auth.api_keys[%d].user_id must not be empty", i)
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of json|text, got %q", cfg.Logging.Format)
	}

	return nil
}
