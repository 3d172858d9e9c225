package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clawplaza/monody/internal/chat"
	"github.com/clawplaza/monody/internal/conversation"
	"github.com/clawplaza/monody/internal/llm"
)

// DefaultAddr is the default console listen address.
const DefaultAddr = "127.0.0.1:7788"

// maxPortRetries is the number of ports to try before giving up.
const maxPortRetries = 10

// Server is the operator console HTTP server.
type Server struct {
	hub      *EventHub
	ctrl     *Control
	chat     *chat.Service
	tools    llm.Dispatcher
	provider string
	started  time.Time
	router   chi.Router
	httpSrv  *http.Server
}

// Options wires the console to the running bot. Tools may be nil.
type Options struct {
	Hub      *EventHub
	Control  *Control
	Chat     *chat.Service
	Tools    llm.Dispatcher
	Provider string
}

// New creates a console server listening on addr once started.
func New(addr string, opts Options) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if opts.Hub == nil {
		opts.Hub = NewEventHub()
	}
	if opts.Control == nil {
		opts.Control = NewControl()
	}
	s := &Server{
		hub:      opts.Hub,
		ctrl:     opts.Control,
		chat:     opts.Chat,
		tools:    opts.Tools,
		provider: opts.Provider,
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "monody-console")
	})

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tools", s.handleTools)
		r.Get("/state", s.handleState)
		r.Post("/control/pause", s.handlePause)
		r.Post("/control/resume", s.handleResume)
		r.Post("/chat", s.handleChat)
		r.Get("/conversations/{id}", s.handleConversation)
		r.Get("/events", s.handleSSE)
	})
	s.router = r

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens without blocking and returns the bound address. When the
// port is taken and pinned is false, the next ports are tried in turn.
func (s *Server) Start(pinned bool) (string, error) {
	host, portStr, err := net.SplitHostPort(s.httpSrv.Addr)
	if err != nil {
		return "", fmt.Errorf("console address %q: %w", s.httpSrv.Addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	tries := maxPortRetries
	if pinned || port == 0 {
		tries = 1
	}
	for i := 0; i < tries; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if tries == 1 {
				return "", fmt.Errorf("console %s: %w", addr, err)
			}
			continue
		}
		s.httpSrv.Addr = ln.Addr().String()
		go func() {
			if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("console server error", "err", err)
			}
		}()
		return s.httpSrv.Addr, nil
	}
	return "", fmt.Errorf("console: no available port in range %d-%d", port, port+tries-1)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.provider,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	type toolInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	out := []toolInfo{}
	if s.tools != nil {
		for _, m := range s.tools.Metadata() {
			out = append(out, toolInfo{Name: m.Name, Description: m.Description})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"control":     s.ctrl.Snapshot(),
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.ctrl.Pause(body.Reason)
	slog.Info("bot paused from console", "reason", body.Reason)
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Resume()
	slog.Info("bot resumed from console")
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
}

func (c chatRequest) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Prompt, validation.Required, validation.RuneLength(1, 4000)),
		validation.Field(&c.ConversationID, validation.RuneLength(0, 128)),
	)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("chat is not configured"))
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	followUp := req.ConversationID != ""
	if !followUp {
		req.ConversationID = "console-" + uuid.NewString()
	}
	if req.UserID == "" {
		req.UserID = "console"
		req.Username = "operator"
	}

	answer, err := s.chat.Converse(r.Context(), chat.TurnRequest{
		ConversationID: req.ConversationID,
		User:           chat.User{ID: req.UserID, Username: req.Username},
		Prompt:         req.Prompt,
		FollowUp:       followUp,
	}, nil)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		status := http.StatusBadGateway
		if llm.StatusCode(err) == 0 && errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": req.ConversationID,
		"answer":          answer,
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("chat is not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	msgs, err := s.chat.History(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "messages": msgs})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	send := func(e chat.Event) {
		data, _ := json.Marshal(e)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	}
	for _, e := range history {
		send(e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			send(e)
			flusher.Flush()
		}
	}
}
