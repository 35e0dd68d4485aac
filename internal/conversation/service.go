// Package conversation is the public façade binding the streaming
// transport (internal/gateway), the turn orchestrator (internal/orchestrator)
// and the session store (internal/sessions): it classifies inbound
// requests, runs STT on audio input, drives a turn, optionally pipes the
// final response through TTS, and persists the exchange to history. It
// composes the four pipelines named by the conversation service contract:
// text->text, text->audio, audio->text, audio->audio.
package conversation

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conversa/internal/agent"
	"github.com/haasonsaas/conversa/internal/conversaerr"
	"github.com/haasonsaas/conversa/internal/gateway"
	"github.com/haasonsaas/conversa/internal/observability"
	"github.com/haasonsaas/conversa/internal/orchestrator"
	"github.com/haasonsaas/conversa/internal/sessions"
	"github.com/haasonsaas/conversa/internal/speech"
	"github.com/haasonsaas/conversa/internal/tts"
	"github.com/haasonsaas/conversa/pkg/models"
)

// audioChunkBytes is the byte size of each audio.chunk event emitted while
// relaying a synthesized TTS response; small enough to target sub-500ms
// first-chunk latency on typical connections.
const audioChunkBytes = 32 * 1024

// defaultHistoryWindow bounds how many past messages are loaded as REASON
// context when SessionConfig.HistoryWindow is unset.
const defaultHistoryWindow = 20

// Service composes the conversation pipeline end to end and implements
// gateway.Dispatcher, so internal/gateway's SSE and WebSocket transports can
// drive it without importing this package.
type Service struct {
	orch    *orchestrator.Orchestrator
	store   sessions.Store
	sttCfg  *speech.Config
	ttsCfg  *tts.Config
	metrics *observability.Metrics
	logger  *observability.Logger

	agentID       string
	historyWindow int
}

// New constructs a Service. sttCfg/ttsCfg may be nil or have Enabled=false
// to disable the corresponding audio pipeline; metrics may be nil to skip
// instrumentation.
func New(orch *orchestrator.Orchestrator, store sessions.Store, sttCfg *speech.Config, ttsCfg *tts.Config, metrics *observability.Metrics, logger *observability.Logger, agentID string, historyWindow int) *Service {
	if agentID == "" {
		agentID = "default"
	}
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Service{
		orch:          orch,
		store:         store,
		sttCfg:        sttCfg,
		ttsCfg:        ttsCfg,
		metrics:       metrics,
		logger:        logger,
		agentID:       agentID,
		historyWindow: historyWindow,
	}
}

// Dispatch runs one conversation turn: it resolves the session, loads
// history, classifies the requested output mode, drives the orchestrator,
// optionally synthesizes and streams an audio response, and persists the
// exchange. It satisfies gateway.Dispatcher.
func (s *Service) Dispatch(ctx context.Context, req gateway.ConversationRequest, emit orchestrator.EventSink) (*models.TurnState, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, conversaerr.New(conversaerr.KindInputInvalid, "text is required")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, conversaerr.New(conversaerr.KindInputInvalid, "session id required")
	}
	if emit == nil {
		emit = func(orchestrator.Event) {}
	}

	session, err := s.store.GetOrCreate(ctx, req.SessionID, s.agentID, models.ChannelAPI, req.SessionID)
	if err != nil {
		return nil, conversaerr.Wrap(conversaerr.KindInternal, err, "resolve session")
	}

	history, err := s.store.GetHistory(ctx, session.ID, s.historyWindow)
	if err != nil {
		s.logger.Warn(ctx, "failed to load session history", "session_id", session.ID, "error", err)
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	if s.metrics != nil {
		s.metrics.MessageReceived(string(models.ChannelAPI), string(models.DirectionInbound))
	}

	turnReq := orchestrator.TurnRequest{
		SessionID:    session.ID,
		TurnID:       turnID,
		SystemPrompt: req.SystemPrompt,
		UserText:     req.Text,
		History:      historyToMessages(history),
	}

	state, err := s.runTurn(ctx, req, turnReq, emit)
	if err != nil {
		return state, err
	}

	s.persist(ctx, session.ID, req, turnID, state)
	return state, nil
}

// DispatchAudio transcribes audio via STT and otherwise behaves exactly
// like Dispatch, serving the audio-in pipelines (audio->text, audio->audio).
func (s *Service) DispatchAudio(ctx context.Context, req gateway.ConversationRequest, audio speech.Audio, emit orchestrator.EventSink) (*models.TurnState, error) {
	if s.sttCfg == nil || !s.sttCfg.Enabled {
		return nil, conversaerr.New(conversaerr.KindInputInvalid, "speech-to-text is not enabled")
	}

	result, err := speech.SpeechToText(ctx, s.sttCfg, audio)
	if err != nil {
		return nil, conversaerr.Wrap(conversaerr.KindExternalUnavailable, err, "transcription failed")
	}
	if !result.Success || strings.TrimSpace(result.Text) == "" {
		return nil, conversaerr.New(conversaerr.KindInputInvalid, "transcription produced no text")
	}

	req.Text = result.Text
	return s.Dispatch(ctx, req, emit)
}

// runTurn drives the orchestrator, intercepting its terminal event
// (end/error) so a requested TTS pass can emit audio.chunk events ahead of
// it: per the stream ordering contract, exactly one of {end, error} is
// terminal, so the orchestrator's own terminal event is re-sequenced and
// re-emitted last.
func (s *Service) runTurn(ctx context.Context, req gateway.ConversationRequest, turnReq orchestrator.TurnRequest, emit orchestrator.EventSink) (*models.TurnState, error) {
	var (
		mu       sync.Mutex
		lastSeq  int
		terminal *orchestrator.Event
	)

	wrapped := func(e orchestrator.Event) {
		mu.Lock()
		lastSeq = e.Seq
		mu.Unlock()
		if e.Kind == orchestrator.EventEnd || e.Kind == orchestrator.EventError {
			captured := e
			terminal = &captured
			return
		}
		emit(e)
	}

	state, err := s.orch.RunTurn(ctx, turnReq, wrapped)
	if err != nil {
		return state, err
	}

	if terminal != nil && terminal.Kind == orchestrator.EventEnd && wantsAudio(req.OutputMode) && strings.TrimSpace(state.Response) != "" {
		if audioErr := s.emitAudio(ctx, req, turnReq.TurnID, state.Response, emit, &lastSeq); audioErr != nil {
			lastSeq++
			emit(orchestrator.Event{Kind: orchestrator.EventError, SessionID: req.SessionID, TurnID: turnReq.TurnID, Seq: lastSeq, Err: audioErr})
			return state, nil
		}
	}

	if terminal != nil {
		lastSeq++
		terminal.Seq = lastSeq
		emit(*terminal)
	}
	return state, nil
}

// emitAudio synthesizes text via the configured TTS provider and relays
// the resulting file as a sequence of audio.chunk events, cleaning up the
// temporary file afterward. A synthesis failure is reported as a
// *conversaerr.Error for the caller to surface mid-stream; the text
// response and any audio already emitted remain valid.
func (s *Service) emitAudio(ctx context.Context, req gateway.ConversationRequest, turnID, text string, emit orchestrator.EventSink, lastSeq *int) *conversaerr.Error {
	if s.ttsCfg == nil || !s.ttsCfg.Enabled {
		return nil
	}

	cfg := *s.ttsCfg
	applyVoiceOverride(&cfg, req)

	result, err := tts.TextToSpeech(ctx, &cfg, text, "api")
	if err != nil {
		return conversaerr.Wrap(conversaerr.KindExternalUnavailable, err, "tts synthesis failed")
	}
	defer func() { _ = tts.Cleanup(result) }()

	f, err := os.Open(result.AudioPath)
	if err != nil {
		return conversaerr.Wrap(conversaerr.KindExternalUnavailable, err, "open synthesized audio")
	}
	defer f.Close()

	buf := make([]byte, audioChunkBytes)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			*lastSeq++
			emit(orchestrator.Event{
				Kind:      orchestrator.EventAudioChunk,
				SessionID: req.SessionID,
				TurnID:    turnID,
				Seq:       *lastSeq,
				Audio:     chunk,
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return conversaerr.Wrap(conversaerr.KindExternalUnavailable, readErr, "read synthesized audio")
		}
	}
	return nil
}

func applyVoiceOverride(cfg *tts.Config, req gateway.ConversationRequest) {
	if req.Voice == "" {
		return
	}
	switch cfg.Provider {
	case tts.ProviderOpenAI:
		cfg.OpenAI.Voice = req.Voice
		if req.Speed > 0 {
			cfg.OpenAI.Speed = req.Speed
		}
	case tts.ProviderElevenLabs:
		cfg.ElevenLabs.VoiceID = req.Voice
	default:
		cfg.Edge.Voice = req.Voice
	}
}

func wantsAudio(mode gateway.OutputMode) bool {
	return mode == gateway.OutputModeAudio || mode == gateway.OutputModeBoth
}

// persist records the turn's user input, any tool results, and the
// assistant's reply to the session's durable history. Cancelled turns are
// silent: nothing is persisted, matching the orchestrator's cancellation
// contract.
func (s *Service) persist(ctx context.Context, sessionID string, req gateway.ConversationRequest, turnID string, state *models.TurnState) {
	if state != nil && conversaerr.KindOf(state.Err) == conversaerr.KindCancelled {
		return
	}

	now := time.Now()
	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Channel:   models.ChannelAPI,
		ChannelID: req.SessionID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   req.Text,
		CreatedAt: now,
	}
	if err := s.store.AppendMessage(ctx, sessionID, userMsg); err != nil {
		s.logger.Error(ctx, "failed to persist user message", "session_id", sessionID, "error", err)
	}

	if state == nil {
		return
	}

	for _, result := range state.ToolResults {
		toolMsg := &models.Message{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			Channel:    models.ChannelAPI,
			ChannelID:  req.SessionID,
			Direction:  models.DirectionOutbound,
			Role:       models.RoleTool,
			Content:    result.Content,
			ToolCallID: result.ToolCallID,
			CreatedAt:  now,
		}
		if err := s.store.AppendMessage(ctx, sessionID, toolMsg); err != nil {
			s.logger.Error(ctx, "failed to persist tool result message", "session_id", sessionID, "error", err)
		}
	}

	if state.Phase != models.TurnPhaseDone {
		if s.metrics != nil {
			s.metrics.RecordError("conversation", string(conversaerr.KindOf(state.Err)))
		}
		return
	}

	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Channel:   models.ChannelAPI,
		ChannelID: req.SessionID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   state.Response,
		CreatedAt: now,
	}
	if err := s.store.AppendMessage(ctx, sessionID, assistantMsg); err != nil {
		s.logger.Error(ctx, "failed to persist assistant message", "session_id", sessionID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.MessageSent(string(models.ChannelAPI))
	}
}

func historyToMessages(history []*models.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(history))
	for _, m := range history {
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}

var _ gateway.Dispatcher = (*Service)(nil)

// ErrSessionRequired documents the response returned to HTTP callers that
// omit a session identifier, kept here rather than in http.go since both
// Dispatch and the multipart handlers need the identical message text.
var ErrSessionRequired = fmt.Errorf("sessionId is required")
