package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/conversa/internal/observability"
)

// sseHandler serves POST /conversation/message: decode a ConversationRequest
// body, dispatch a single turn, and stream its events back as
// Server-Sent-Events until the turn ends or the connection's bounded buffer
// overflows.
type sseHandler struct {
	dispatcher Dispatcher
	logger     *observability.Logger
	bufferSize int
}

// NewSSEHandler builds the one-shot SSE transport for the conversation
// message endpoint.
func NewSSEHandler(dispatcher Dispatcher, logger *observability.Logger) http.Handler {
	return &sseHandler{dispatcher: dispatcher, logger: logger, bufferSize: DefaultBufferCapacity}
}

func (h *sseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
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

	sink := newBoundedSink(h.bufferSize)
	ctx := r.Context()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sink.closeIfOpen()
		if _, err := h.dispatcher.Dispatch(ctx, req, sink.Emit); err != nil && h.logger != nil {
			h.logger.Error(ctx, "conversation dispatch failed", "session_id", req.SessionID, "error", err)
		}
	}()

	for event := range sink.events() {
		env := toEnvelope(event)
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Kind, data)
		flusher.Flush()
	}
	<-done
}
