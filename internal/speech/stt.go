// Package speech provides speech-to-text transcription for the audio-in
// conversation pipelines, mirroring the shape of internal/tts: a
// self-contained Config plus a single entry-point function with
// provider-specific backends behind it.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Provider identifies a speech-to-text backend.
type Provider string

const (
	// ProviderOpenAI uses OpenAI's Whisper transcription API.
	ProviderOpenAI Provider = "openai"
)

// Config holds speech-to-text configuration.
type Config struct {
	// Enabled toggles transcription of inbound audio turns.
	Enabled bool `yaml:"enabled"`

	// Provider is the transcription provider to use.
	Provider Provider `yaml:"provider"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL is an optional custom API base URL.
	BaseURL string `yaml:"base_url"`

	// Model is the transcription model (e.g. "whisper-1").
	Model string `yaml:"model"`

	// Language is the default ISO 639-1 language hint. Empty lets the
	// provider auto-detect.
	Language string `yaml:"language"`

	// TimeoutSeconds bounds a single transcription call.
	// Default: 30
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Provider:       ProviderOpenAI,
		Model:          "whisper-1",
		TimeoutSeconds: 30,
	}
}

// ApplyDefaults fills empty fields with DefaultConfig's values.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Provider == "" {
		c.Provider = defaults.Provider
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = defaults.TimeoutSeconds
	}
}

// ValidateConfig validates the speech configuration.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("speech: config is nil")
	}
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return errors.New("speech: OpenAI API key is required")
		}
	default:
		return fmt.Errorf("speech: invalid provider: %s", cfg.Provider)
	}
	if cfg.TimeoutSeconds < 0 {
		return errors.New("speech: timeout_seconds must be >= 0")
	}
	return nil
}

// Result contains the outcome of a transcription.
type Result struct {
	// Success indicates whether transcription succeeded.
	Success bool `json:"success"`

	// Text is the transcribed text.
	Text string `json:"text,omitempty"`

	// Language is the detected or requested language.
	Language string `json:"language,omitempty"`

	// Provider is the provider that produced the transcription.
	Provider Provider `json:"provider"`

	// LatencyMs is the time taken in milliseconds.
	LatencyMs int64 `json:"latency_ms"`

	// Error contains the error message if transcription failed.
	Error string `json:"error,omitempty"`
}

// Audio is the raw input to a transcription call: bytes plus a filename
// carrying the extension the provider uses to infer the codec (e.g.
// "turn.ogg", "turn.wav").
type Audio struct {
	Filename string
	Reader   io.Reader
}

// SpeechToText transcribes audio using the configured provider.
func SpeechToText(ctx context.Context, cfg *Config, audio Audio) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("speech: config is nil")
	}
	if !cfg.Enabled {
		return nil, errors.New("speech: not enabled")
	}
	if audio.Reader == nil {
		return nil, errors.New("speech: audio reader is nil")
	}

	cfg.ApplyDefaults()

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var result *Result
	var err error

	switch cfg.Provider {
	case ProviderOpenAI:
		result, err = openAITranscribe(ctx, cfg, audio)
	default:
		return nil, fmt.Errorf("speech: unknown provider: %s", cfg.Provider)
	}

	if result != nil {
		result.LatencyMs = time.Since(start).Milliseconds()
		result.Provider = cfg.Provider
	}
	return result, err
}

func openAITranscribe(ctx context.Context, cfg *Config, audio Audio) (*Result, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("speech: OpenAI API key not configured")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	req := openai.AudioRequest{
		Model:    cfg.Model,
		Reader:   audio.Reader,
		FilePath: audio.Filename,
		Language: strings.ToLower(strings.TrimSpace(cfg.Language)),
	}

	resp, err := client.CreateTranscription(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("openai transcription failed: %v", err),
		}, fmt.Errorf("speech: openai transcription failed: %w", err)
	}

	language := cfg.Language
	if language == "" {
		language = resp.Language
	}

	return &Result{
		Success:  true,
		Text:     strings.TrimSpace(resp.Text),
		Language: language,
	}, nil
}
