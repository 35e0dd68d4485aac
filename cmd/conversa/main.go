// Package main provides the CLI entry point for the Conversa conversation
// gateway.
//
// Conversa exposes a single conversational agent over HTTP: plain-JSON and
// SSE message endpoints, multipart audio upload endpoints, and a duplex
// WebSocket control plane, backed by a tool-using LLM orchestrator with an
// optional speech-to-text/text-to-speech pipeline.
//
// # Basic Usage
//
// Start the server:
//
//	conversa serve --config conversa.yaml
//
// # Environment Variables
//
// Configuration can be provided via environment variables that overlay the
// YAML file (see internal/config):
//
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: LLM provider keys
//   - CONVERSA_CONFIG: path to the configuration file (default: conversa.yaml)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conversa/internal/agent"
	"github.com/haasonsaas/conversa/internal/agent/providers"
	"github.com/haasonsaas/conversa/internal/auth"
	"github.com/haasonsaas/conversa/internal/cache"
	"github.com/haasonsaas/conversa/internal/config"
	"github.com/haasonsaas/conversa/internal/conversation"
	"github.com/haasonsaas/conversa/internal/gateway"
	"github.com/haasonsaas/conversa/internal/observability"
	"github.com/haasonsaas/conversa/internal/orchestrator"
	"github.com/haasonsaas/conversa/internal/sessions"
	"github.com/haasonsaas/conversa/internal/speech"
	"github.com/haasonsaas/conversa/internal/tools/websearch"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "conversa",
		Short:        "Conversa - conversational AI gateway",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conversation gateway server",
		Long: `Start the conversation gateway server.

The server loads its configuration, constructs the LLM provider, tool
registry, session store, and turn orchestrator, then serves the
conversation HTTP and WebSocket surface until a shutdown signal arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conversa.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	slog.Info("starting conversa gateway", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	metrics := observability.NewMetrics()

	store, err := newSessionStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to construct session store: %w", err)
	}

	provider, defaultModel, err := newProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to construct llm provider: %w", err)
	}

	registry := agent.NewToolRegistry()
	registry.Register(websearch.NewWebSearchTool(&cfg.Tools.WebSearch))
	registry.Register(websearch.NewWebFetchTool(&cfg.Tools.WebFetch))

	executorCfg := agent.DefaultExecutorConfig()
	if cfg.Tools.Execution.Parallelism > 0 {
		executorCfg.MaxConcurrency = cfg.Tools.Execution.Parallelism
	}
	if cfg.Tools.Execution.Timeout > 0 {
		executorCfg.DefaultTimeout = cfg.Tools.Execution.Timeout
	}
	if cfg.Tools.Execution.MaxAttempts > 0 {
		executorCfg.DefaultRetries = cfg.Tools.Execution.MaxAttempts
	}
	if cfg.Tools.Execution.RetryBackoff > 0 {
		executorCfg.RetryBackoff = cfg.Tools.Execution.RetryBackoff
	}
	executor := agent.NewExecutor(registry, executorCfg)

	var toolCache *cache.ToolCache
	if cfg.Tools.Cache.Enabled {
		toolCache = cache.NewToolCache(cfg.Tools.Cache.DefaultTTL)
	}

	locker := sessions.NewLocalLocker(30 * time.Second)

	guard := agent.ToolResultGuard{
		Enabled:         cfg.Tools.Result.Enabled,
		MaxChars:        cfg.Tools.Result.MaxChars,
		Denylist:        cfg.Tools.Result.Denylist,
		RedactPatterns:  cfg.Tools.Result.RedactPatterns,
		RedactionText:   cfg.Tools.Result.RedactionText,
		TruncateSuffix:  cfg.Tools.Result.TruncateSuffix,
		SanitizeSecrets: cfg.Tools.Result.SanitizeSecrets,
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Model = defaultModel
	if cfg.Tools.Execution.MaxIterations > 0 {
		orchCfg.MaxIterations = cfg.Tools.Execution.MaxIterations
	}
	orchCfg.ToolCacheEnabled = cfg.Tools.Cache.Enabled
	if cfg.Tools.Cache.DefaultTTL > 0 {
		orchCfg.ToolCacheTTL = cfg.Tools.Cache.DefaultTTL
	}
	orchCfg.NonCacheableTools = cfg.Tools.Cache.NonCacheable

	orch := orchestrator.New(provider, executor, toolCache, locker, guard, logger, orchCfg)

	sttCfg := sttConfigFromAppConfig(cfg.Speech.STT)
	ttsCfg := cfg.Speech.TTS

	convoSvc := conversation.New(orch, store, sttCfg, &ttsCfg, metrics, logger, cfg.Session.DefaultAgentID, cfg.Session.HistoryWindow)

	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     apiKeyConfigsFromAppConfig(cfg.Auth.APIKeys),
	})
	apiKeys := auth.NewAPIKeyService()

	server := gateway.NewServer(gateway.ServerConfig{Host: cfg.Server.Host, Port: cfg.Server.HTTPPort}, convoSvc, authSvc, apiKeys, logger)
	convoSvc.RegisterRoutes(server)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	slog.Info("conversa gateway started", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort), "llm_provider", cfg.LLM.DefaultProvider)

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		slog.Error("error during gateway shutdown", "error", err)
	}

	slog.Info("conversa gateway stopped gracefully")
	return nil
}

func newSessionStore(cfg config.DatabaseConfig) (sessions.Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return sessions.NewMemoryStore(), nil
	}

	poolCfg := sessions.DefaultCockroachConfig()
	if cfg.MaxConnections > 0 {
		poolCfg.MaxOpenConns = cfg.MaxConnections
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return sessions.NewCockroachStoreFromDSN(cfg.URL, poolCfg)
}

// newProvider builds the configured default LLM provider. Unlike the
// teacher's runtime.go, this does not wrap the result in a failover
// orchestrator or a routing layer: this build carries a single configured
// provider per deployment (see DESIGN.md).
func newProvider(cfg config.LLMConfig) (agent.LLMProvider, string, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.DefaultProvider))
	if providerID == "" {
		providerID = "anthropic"
	}

	providerCfg := cfg.Providers[providerID]

	switch providerID {
	case "anthropic":
		if providerCfg.APIKey == "" {
			return nil, "", errors.New("anthropic api key is required")
		}
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
		return p, providerCfg.DefaultModel, err
	case "openai":
		if providerCfg.APIKey == "" {
			return nil, "", errors.New("openai api key is required")
		}
		return providers.NewOpenAIProvider(providerCfg.APIKey), providerCfg.DefaultModel, nil
	case "google", "gemini":
		if providerCfg.APIKey == "" {
			return nil, "", errors.New("google api key is required")
		}
		p, err := providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
		})
		return p, providerCfg.DefaultModel, err
	case "openrouter":
		if providerCfg.APIKey == "" {
			return nil, "", errors.New("openrouter api key is required")
		}
		p, err := providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
		})
		return p, providerCfg.DefaultModel, err
	case "azure":
		if providerCfg.APIKey == "" || providerCfg.BaseURL == "" {
			return nil, "", errors.New("azure api key and base_url (endpoint) are required")
		}
		p, err := providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     providerCfg.BaseURL,
			APIKey:       providerCfg.APIKey,
			APIVersion:   providerCfg.APIVersion,
			DefaultModel: providerCfg.DefaultModel,
		})
		return p, providerCfg.DefaultModel, err
	case "bedrock":
		p, err := providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       cfg.Bedrock.Region,
			DefaultModel: providerCfg.DefaultModel,
		})
		return p, providerCfg.DefaultModel, err
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		}), providerCfg.DefaultModel, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider: %s", providerID)
	}
}

// sttConfigFromAppConfig adapts the YAML-facing config.STTConfig into the
// runtime speech.Config consumed by internal/speech. No converter existed
// in the copied tree for this pair, so it is written here rather than as a
// shared helper used by nothing else.
func sttConfigFromAppConfig(cfg config.STTConfig) *speech.Config {
	out := speech.DefaultConfig()
	out.Enabled = cfg.Enabled
	if cfg.Provider != "" {
		out.Provider = speech.Provider(cfg.Provider)
	}
	if cfg.APIKey != "" {
		out.APIKey = cfg.APIKey
	}
	if cfg.BaseURL != "" {
		out.BaseURL = cfg.BaseURL
	}
	if cfg.Model != "" {
		out.Model = cfg.Model
	}
	out.Language = cfg.Language
	out.ApplyDefaults()
	return out
}

func apiKeyConfigsFromAppConfig(keys []config.APIKeyConfig) []auth.APIKeyConfig {
	out := make([]auth.APIKeyConfig, 0, len(keys))
	for _, k := range keys {
		out = append(out, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email})
	}
	return out
}
