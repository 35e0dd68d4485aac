// Package gateway is the transport layer that multiplexes a single
// orchestrator turn's events onto an HTTP client: either a one-shot
// Server-Sent-Events response or a long-lived, full-duplex WebSocket
// connection. It knows nothing about how a turn is produced — only how to
// carry orchestrator.Event values to a remote client in order, and how to
// protect itself when that client can't keep up.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/conversa/internal/orchestrator"
	"github.com/haasonsaas/conversa/pkg/models"
)

// DefaultBufferCapacity is the per-connection bounded channel size used by
// both the SSE and WebSocket writers, mirroring the semaphore-based
// backpressure idiom already used by the tool executor.
const DefaultBufferCapacity = 64

// OutputMode selects which channel(s) a dispatched turn's final response is
// rendered through.
type OutputMode string

const (
	OutputModeText  OutputMode = "text"
	OutputModeAudio OutputMode = "audio"
	OutputModeBoth  OutputMode = "both"
)

// ConversationRequest is the transport-agnostic input to a dispatched turn:
// built from a decoded HTTP POST body or a WebSocket chat.send frame. Audio
// input is transcribed by the caller (internal/conversation's multipart
// handlers) before a ConversationRequest is built, so Text always carries
// the turn's user-facing message regardless of which pipeline produced it.
type ConversationRequest struct {
	SessionID    string          `json:"sessionId"`
	TurnID       string          `json:"turnId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Text         string          `json:"content"`
	SystemPrompt string          `json:"-"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`

	// OutputMode selects text, audio, or both for the rendered response.
	// Empty defaults to OutputModeText.
	OutputMode OutputMode `json:"outputMode,omitempty"`

	// Voice, Speed, Pitch, Volume parameterize TTS synthesis when
	// OutputMode requests audio. Speed/Pitch/Volume are provider-relative
	// multipliers; 0 means "provider default".
	Voice  string  `json:"voice,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
	Pitch  float64 `json:"pitch,omitempty"`
	Volume float64 `json:"volume,omitempty"`
}

// Dispatcher runs a single conversation turn, streaming lifecycle events to
// emit as it goes. internal/conversation.Service implements this by
// composing the orchestrator with the session store and speech/TTS
// pipelines; gateway only depends on the interface so it never imports the
// façade package.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ConversationRequest, emit orchestrator.EventSink) (*models.TurnState, error)
}

// envelope is the wire representation of an orchestrator.Event, shared by
// the SSE and WebSocket writers.
type envelope struct {
	Kind       string `json:"kind"`
	SessionID  string `json:"sessionId"`
	TurnID     string `json:"turnId"`
	Seq        int    `json:"seq"`
	Text       string `json:"text,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Audio      []byte `json:"audio,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
	Error      *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// EventEnvelopeJSON marshals an orchestrator.Event into the wire envelope
// shared by the SSE and WebSocket writers, for transports built outside
// this package (internal/conversation's multipart audio endpoints) that
// still need to speak the same framed-event wire format.
func EventEnvelopeJSON(e orchestrator.Event) ([]byte, error) {
	return json.Marshal(toEnvelope(e))
}

func toEnvelope(e orchestrator.Event) envelope {
	env := envelope{
		Kind:       string(e.Kind),
		SessionID:  e.SessionID,
		TurnID:     e.TurnID,
		Seq:        e.Seq,
		Text:       e.Text,
		ToolCallID: e.ToolCallID,
		ToolName:   e.ToolName,
		Audio:      e.Audio,
		Cached:     e.Cached,
	}
	if e.Err != nil {
		env.Error = &struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}{Kind: string(e.Err.Kind), Message: e.Err.Message}
	}
	return env
}

// clock lets tests substitute a deterministic time source for the write
// deadlines the transports set on their underlying connections.
var clock = time.Now
