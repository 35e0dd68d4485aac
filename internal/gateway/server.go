package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conversa/internal/auth"
	"github.com/haasonsaas/conversa/internal/observability"
)

// ServerConfig configures the gateway's HTTP listener.
type ServerConfig struct {
	Host string
	Port int
}

// Server mounts the conversation gateway's HTTP surface: Prometheus
// metrics, a liveness check, the duplex WebSocket control plane, and the
// one-shot SSE conversation endpoint. It follows the teacher's
// http_server.go mounting convention (mux.Handle per concern, a single
// *http.Server with a bounded read-header timeout).
type Server struct {
	cfg        ServerConfig
	dispatcher Dispatcher
	auth       *auth.Service
	apiKeys    *auth.APIKeyService
	logger     *observability.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	started  time.Time
	extra    map[string]http.Handler
}

// NewServer constructs a gateway Server. dispatcher must be non-nil;
// authService/apiKeys may be nil to disable authentication (development
// only).
func NewServer(cfg ServerConfig, dispatcher Dispatcher, authService *auth.Service, apiKeys *auth.APIKeyService, logger *observability.Logger) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &Server{cfg: cfg, dispatcher: dispatcher, auth: authService, apiKeys: apiKeys, logger: logger}
}

// Handle registers an additional authenticated route, mounted the next
// time Mux is called. internal/conversation uses this to attach the
// non-streaming message, history, and clear endpoints alongside the
// transports Server owns natively; call before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[pattern] = handler
}

// Mux builds the *http.ServeMux without binding a listener, so tests can
// exercise handlers with httptest without starting a real server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", NewWSHandler(s.dispatcher, s.auth, s.apiKeys, s.logger))
	mux.Handle("/conversation/message-stream", s.withAuth(NewSSEHandler(s.dispatcher, s.logger)))

	s.mu.Lock()
	defer s.mu.Unlock()
	for pattern, handler := range s.extra {
		mux.Handle(pattern, s.withAuth(handler))
	}
	return mux
}

// Start binds the listener and begins serving in the background. Call Stop
// to shut down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = httpSrv
	s.listener = listener
	s.started = time.Now()
	s.mu.Unlock()

	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(ctx, "gateway http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "gateway listening", "addr", addr)
	}
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpSrv := s.httpSrv
	s.mu.Unlock()
	if httpSrv == nil {
		return nil
	}
	return httpSrv.Shutdown(ctx)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key != "" && s.apiKeys != nil {
			if _, err := s.apiKeys.Validate(key); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		if key != "" {
			if _, err := s.auth.ValidateAPIKey(key); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		if bearer := bearerToken(r); bearer != "" {
			if _, err := s.auth.ValidateJWT(bearer); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	response := map[string]any{
		"status": "ok",
		"ts":     time.Now().UTC().Format(time.RFC3339),
	}
	if !started.IsZero() {
		response["uptime_seconds"] = int64(time.Since(started).Seconds())
	}

	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
