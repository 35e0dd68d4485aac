package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conversa/internal/auth"
	"github.com/haasonsaas/conversa/internal/observability"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPingInterval    = 15 * time.Second
)

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Auth      *struct {
		APIKey string `json:"apiKey,omitempty"`
		Token  string `json:"token,omitempty"`
	} `json:"auth,omitempty"`
}

type wsChatSendParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content"`
}

type wsChatAbortParams struct {
	SessionID string `json:"sessionId"`
}

// wsControlPlane is the duplex WebSocket transport for the conversation
// gateway: one connection multiplexes connect/chat.send/chat.abort requests
// from the client with start/text.delta/.../end events streamed back, each
// chat.send dispatching its own turn with its own bounded event buffer.
type wsControlPlane struct {
	dispatcher Dispatcher
	auth       *auth.Service
	apiKeys    *auth.APIKeyService
	logger     *observability.Logger
	upgrader   websocket.Upgrader
	bufferSize int
}

// NewWSHandler builds the duplex WebSocket transport mounted at /ws.
func NewWSHandler(dispatcher Dispatcher, authService *auth.Service, apiKeys *auth.APIKeyService, logger *observability.Logger) http.Handler {
	return &wsControlPlane{
		dispatcher: dispatcher,
		auth:       authService,
		apiKeys:    apiKeys,
		logger:     logger,
		bufferSize: DefaultBufferCapacity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsSession{
		control: h,
		conn:    conn,
		send:    make(chan []byte, DefaultBufferCapacity),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		turns:   make(map[string]context.CancelFunc),
	}
	sess.run()
}

type wsSession struct {
	control *wsControlPlane
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	id      string

	mu        sync.Mutex
	sessionID string
	connected bool
	turns     map[string]context.CancelFunc
	closed    bool
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.turns {
		cancel()
	}
	s.mu.Unlock()
	_ = s.conn.Close()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := s.decodeFrame(data)
		if err != nil {
			s.sendError("", "invalid_frame", err.Error())
			continue
		}

		s.mu.Lock()
		connected := s.connected
		s.mu.Unlock()

		if !connected {
			if frame.Method != "connect" {
				s.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := s.handleConnect(frame); err != nil {
				s.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}

		if err := s.handleRequest(frame); err != nil {
			s.sendError(frame.ID, "request_failed", err.Error())
		}
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateWSRequestFrame(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (s *wsSession) handleRequest(frame *wsFrame) error {
	switch frame.Method {
	case "chat.send":
		return s.handleChatSend(frame)
	case "chat.abort":
		return s.handleChatAbort(frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (s *wsSession) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}

	if s.control.auth != nil && s.control.auth.Enabled() {
		authenticated := false
		if params.Auth != nil && params.Auth.Token != "" {
			if _, err := s.control.auth.ValidateJWT(params.Auth.Token); err == nil {
				authenticated = true
			}
		}
		if !authenticated && params.Auth != nil && params.Auth.APIKey != "" && s.control.apiKeys != nil {
			if _, err := s.control.apiKeys.Validate(params.Auth.APIKey); err == nil {
				authenticated = true
			}
		}
		if !authenticated {
			return fmt.Errorf("unauthorized")
		}
	}

	s.mu.Lock()
	s.sessionID = params.SessionID
	s.connected = true
	s.mu.Unlock()

	return s.sendResponse(frame.ID, true, map[string]any{"protocol": 1, "connectionId": s.id}, nil)
}

func (s *wsSession) handleChatSend(frame *wsFrame) error {
	var params wsChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}

	sessionID := params.SessionID
	if sessionID == "" {
		s.mu.Lock()
		sessionID = s.sessionID
		s.mu.Unlock()
	}
	if sessionID == "" {
		return fmt.Errorf("sessionId is required")
	}

	turnID := frame.ID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	turnCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.turns[sessionID] = cancel
	s.mu.Unlock()

	sink := newBoundedSink(s.control.bufferSize)

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.turns, sessionID)
			s.mu.Unlock()
			cancel()
		}()
		defer sink.closeIfOpen()

		req := ConversationRequest{SessionID: sessionID, TurnID: turnID, Text: params.Content}
		if _, err := s.control.dispatcher.Dispatch(turnCtx, req, sink.Emit); err != nil && s.control.logger != nil {
			s.control.logger.Error(turnCtx, "conversation dispatch failed", "session_id", sessionID, "turn_id", turnID, "error", err)
		}
	}()

	go func() {
		for event := range sink.events() {
			data, err := json.Marshal(toEnvelope(event))
			if err != nil {
				continue
			}
			env := wsFrame{Type: "event", Event: string(event.Kind), Payload: json.RawMessage(data)}
			raw, err := json.Marshal(env)
			if err != nil {
				continue
			}
			s.write(raw)
		}
	}()

	return s.sendResponse(frame.ID, true, map[string]any{"turnId": turnID}, nil)
}

func (s *wsSession) handleChatAbort(frame *wsFrame) error {
	var params wsChatAbortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	s.mu.Lock()
	cancel, ok := s.turns[params.SessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return s.sendResponse(frame.ID, true, map[string]any{"aborted": ok}, nil)
}

func (s *wsSession) sendResponse(id string, ok bool, payload any, respErr *wsError) error {
	frame := wsFrame{Type: "resp", ID: id, OK: &ok, Payload: payload, Error: respErr}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.write(data)
	return nil
}

func (s *wsSession) sendError(id, code, message string) {
	ok := false
	frame := wsFrame{Type: "resp", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.write(data)
}

func (s *wsSession) write(data []byte) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}
