package config

import "github.com/haasonsaas/conversa/internal/tts"

// SpeechConfig configures the speech-to-text and text-to-speech adapters
// used by the audio-capable conversation pipelines.
type SpeechConfig struct {
	STT STTConfig  `yaml:"stt"`
	TTS tts.Config `yaml:"tts"`
}

// STTConfig configures the speech-to-text provider.
type STTConfig struct {
	// Enabled toggles transcription of inbound audio turns.
	Enabled bool `yaml:"enabled"`

	// Provider is the transcription provider (e.g. "openai").
	Provider string `yaml:"provider"`

	// APIKey is the API key for the transcription provider.
	APIKey string `yaml:"api_key"`

	// BaseURL is an optional custom base URL for the API.
	BaseURL string `yaml:"base_url"`

	// Model is the transcription model to use (e.g. "whisper-1").
	Model string `yaml:"model"`

	// Language is the default language for transcription (ISO 639-1).
	// If empty, the provider auto-detects the language.
	Language string `yaml:"language"`
}
