package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
	"github.com/prfagit/sam-framework-sub002/internal/bus"
	"github.com/prfagit/sam-framework-sub002/internal/sessions"
)

// ServerConfig shapes the HTTP front door.
type ServerConfig struct {
	Host        string
	Port        int
	RootPath    string
	DevMode     bool
	CORSOrigins []string
}

// Health reports component stats for the health endpoint. The core
// supplies it so the server does not need handles on every subsystem.
type Health func(ctx context.Context) map[string]any

// Server is the HTTP boundary. It owns only the transport; agents,
// sessions, and the bus are shared process singletons.
type Server struct {
	cfg      ServerConfig
	factory  *agent.Factory
	store    sessions.Store
	streamer *Streamer
	metrics  http.Handler
	health   Health
	logger   *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer assembles the middleware chain and routes. metrics and
// health may be nil, which disables those endpoints' content.
func NewServer(cfg ServerConfig, factory *agent.Factory, store sessions.Store, events *bus.Bus, metrics http.Handler, health Health, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		factory:  factory,
		store:    store,
		streamer: NewStreamer(events, StreamerConfig{}, logger),
		metrics:  metrics,
		health:   health,
		logger:   logger,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return NewCORSPolicy(cfg.CORSOrigins, false, cfg.DevMode, nil).allows(origin)
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/csrf", s.handleCSRF)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionDelete)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	var handler http.Handler = mux
	if cfg.RootPath != "" {
		handler = http.StripPrefix(strings.TrimSuffix(cfg.RootPath, "/"), mux)
	}

	csrf := &CSRF{Secure: !cfg.DevMode, Logger: logger}
	cors := NewCORSPolicy(cfg.CORSOrigins, true, cfg.DevMode, logger)

	handler = csrf.Middleware(handler)
	handler = cors.Middleware(handler)
	handler = Logging(logger)(handler)
	handler = RequestID(handler)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errc
	}
}

type chatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, agent.RequestContext, bool) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, agent.RequestContext{}, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return req, agent.RequestContext{}, false
	}
	rc := agent.NewRequestContext(req.UserID)
	rc.SessionID = req.SessionID
	return req, rc, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, rc, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	ag, err := s.factory.Get(r.Context(), rc)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "agent build failed", "error", err)
		writeError(w, http.StatusInternalServerError, "agent unavailable")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}

	text, err := ag.Run(r.Context(), req.Prompt, sessionID, rc)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "run failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusBadGateway, "agent run failed")
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: text, SessionID: sessionID})
}

// handleChatStream serves one run as Server-Sent Events: each bus event
// becomes an `event:`/`data:` frame, terminated by an `error` frame on
// failure.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, rc, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ag, err := s.factory.Get(r.Context(), rc)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "agent build failed", "error", err)
		writeError(w, http.StatusInternalServerError, "agent unavailable")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, errc := s.streamer.Run(r.Context(), ag, req.Prompt, sessionID, rc)
	for event := range events {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data)
		flusher.Flush()
	}
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", jsonError(err))
		flusher.Flush()
	}
}

type wsFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// handleWebSocket serves a chat session over one socket: the client
// sends chat requests as JSON, the server answers each with the run's
// event stream as JSON frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			_ = conn.WriteJSON(wsFrame{Event: "error", Payload: jsonError(errors.New("prompt is required"))})
			continue
		}

		rc := agent.NewRequestContext(req.UserID)
		rc.SessionID = req.SessionID
		ag, err := s.factory.Get(r.Context(), rc)
		if err != nil {
			_ = conn.WriteJSON(wsFrame{Event: "error", Payload: jsonError(err)})
			continue
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = newSessionID()
		}

		events, errc := s.streamer.Run(r.Context(), ag, req.Prompt, sessionID, rc)
		for event := range events {
			payload, err := json.Marshal(event.Payload)
			if err != nil {
				continue
			}
			if err := conn.WriteJSON(wsFrame{Event: event.Name, Payload: payload}); err != nil {
				<-errc
				return
			}
		}
		if err := <-errc; err != nil {
			_ = conn.WriteJSON(wsFrame{Event: "error", Payload: jsonError(err)})
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = agent.DefaultUserID
	}
	infos, err := s.store.Sessions(r.Context(), userID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "session list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.store.Clear(r.Context(), sessionID); err != nil {
		s.logger.ErrorContext(r.Context(), "session clear failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "session clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": sessionID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		body["components"] = s.health(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

// handleCSRF exists so clients can establish the double-submit cookie
// with one GET; the middleware sets it on the way through.
func (s *Server) handleCSRF(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
}

func newSessionID() string {
	return "web-" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func jsonError(err error) json.RawMessage {
	data, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return json.RawMessage(`{"error":"internal error"}`)
	}
	return data
}
