package conversation

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/conversa/internal/gateway"
	"github.com/haasonsaas/conversa/internal/orchestrator"
	"github.com/haasonsaas/conversa/internal/speech"
	"github.com/haasonsaas/conversa/pkg/models"
)

// maxAudioUploadBytes bounds a multipart audio upload's in-memory portion;
// larger parts spill to temp files via the standard multipart reader.
const maxAudioUploadBytes = 20 << 20

// messageResponse is the non-streaming JSON shape returned by
// POST /conversation/message, matching the external interface contract.
type messageResponse struct {
	Success       bool           `json:"success"`
	SessionID     string         `json:"session_id"`
	UserInput     string         `json:"user_input"`
	AgentResponse string         `json:"agent_response"`
	Timestamp     string         `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// RegisterRoutes attaches the conversation service's non-transport HTTP
// surface (plain-JSON message, audio upload variants, history, clear) onto
// a gateway Server, alongside the SSE/WebSocket routes Server mounts
// itself. Call before Server.Start.
func (s *Service) RegisterRoutes(server *gateway.Server) {
	server.Handle("/conversation/message", http.HandlerFunc(s.handleMessage))
	server.Handle("/conversation/message-audio", http.HandlerFunc(s.handleMessageAudio))
	server.Handle("/conversation/message-audio-stream", http.HandlerFunc(s.handleMessageAudioStream))
	server.Handle("/conversation/history/", http.HandlerFunc(s.handleHistory))
	server.Handle("/conversation/clear/", http.HandlerFunc(s.handleClear))
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req gateway.ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, messageResponse{Error: ErrSessionRequired.Error()})
		return
	}

	state, err := s.Dispatch(r.Context(), req, nil)
	writeMessageResult(w, req, state, err)
}

// handleMessageAudio transcribes an uploaded audio file via STT and runs
// the resulting text through the same pipeline as handleMessage, serving
// the audio->text pipeline's non-streaming variant.
func (s *Service) handleMessageAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, audio, err := decodeAudioForm(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Error: err.Error()})
		return
	}
	if closer, ok := audio.Reader.(io.Closer); ok {
		defer closer.Close()
	}

	state, err := s.DispatchAudio(r.Context(), req, audio, nil)
	writeMessageResult(w, req, state, err)
}

// handleMessageAudioStream is the streaming counterpart of
// handleMessageAudio: it transcribes, then frames turn events as SSE,
// serving the audio->audio and audio->text streaming pipelines.
func (s *Service) handleMessageAudioStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, audio, err := decodeAudioForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if closer, ok := audio.Reader.(io.Closer); ok {
		defer closer.Close()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(e orchestrator.Event) {
		data, err := gateway.EventEnvelopeJSON(e)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
		flusher.Flush()
	}

	if _, err := s.DispatchAudio(r.Context(), req, audio, emit); err != nil {
		s.logger.Error(r.Context(), "audio dispatch failed", "session_id", req.SessionID, "error", err)
	}
}

// handleHistory serves GET /conversation/history/{session_id}, returning
// the hot window of recent messages.
func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/conversation/history/")
	if sessionID == "" {
		http.Error(w, ErrSessionRequired.Error(), http.StatusBadRequest)
		return
	}

	limit := s.historyWindow
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	history, err := s.store.GetHistory(r.Context(), sessionID, limit)
	if err != nil {
		http.Error(w, "failed to load history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": history})
}

// handleClear serves DELETE /conversation/clear/{session_id}, removing the
// session from both the hot and cold tiers.
func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/conversation/clear/")
	if sessionID == "" {
		http.Error(w, ErrSessionRequired.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.Delete(r.Context(), sessionID); err != nil {
		http.Error(w, "failed to clear session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "cleared": true})
}

func decodeAudioForm(r *http.Request) (gateway.ConversationRequest, speech.Audio, error) {
	if err := r.ParseMultipartForm(maxAudioUploadBytes); err != nil {
		return gateway.ConversationRequest{}, speech.Audio{}, fmt.Errorf("invalid multipart form: %w", err)
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		return gateway.ConversationRequest{}, speech.Audio{}, fmt.Errorf("audio file is required: %w", err)
	}

	sessionID := r.FormValue("session_id")
	if strings.TrimSpace(sessionID) == "" {
		file.Close()
		return gateway.ConversationRequest{}, speech.Audio{}, ErrSessionRequired
	}

	req := gateway.ConversationRequest{
		SessionID:  sessionID,
		UserID:     r.FormValue("user_id"),
		OutputMode: gateway.OutputMode(r.FormValue("output_mode")),
		Voice:      r.FormValue("voice"),
	}
	if speed, err := strconv.ParseFloat(r.FormValue("speed"), 64); err == nil {
		req.Speed = speed
	}
	if pitch, err := strconv.ParseFloat(r.FormValue("pitch"), 64); err == nil {
		req.Pitch = pitch
	}
	if volume, err := strconv.ParseFloat(r.FormValue("volume"), 64); err == nil {
		req.Volume = volume
	}

	return req, speech.Audio{Filename: header.Filename, Reader: file}, nil
}

func writeMessageResult(w http.ResponseWriter, req gateway.ConversationRequest, state *models.TurnState, err error) {
	resp := messageResponse{
		SessionID: req.SessionID,
		UserInput: req.Text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	if state == nil {
		resp.Error = "turn produced no result"
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	if state.Phase == models.TurnPhaseError {
		resp.Error = fmt.Sprint(state.Err)
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	resp.Success = true
	resp.AgentResponse = state.Response
	resp.Metadata = map[string]any{"turn_id": state.TurnID, "iterations": state.Iteration}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
