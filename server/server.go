// Package server exposes the turn engine over HTTP: JSON endpoints for
// admission and an SSE stream of turn events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/brightboard/tutorengine/chat"
	"github.com/brightboard/tutorengine/turn"
)

// Config for the HTTP server.
type Config struct {
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// Server wraps a turn service with HTTP endpoints.
type Server struct {
	svc    *turn.Service
	store  chat.Store
	config Config
	http   *http.Server
}

// New constructs the server.
func New(svc *turn.Service, store chat.Store, cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	// WriteTimeout covers the whole response; SSE streams need it off.
	if cfg.MaxRequestBodyBytes == 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}

	s := &Server{svc: svc, store: store, config: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.health)
	r.Post("/chats", s.createChat)
	r.Route("/chats/{chatID}", func(r chi.Router) {
		r.Post("/turns", s.startTurn)
		r.Get("/stream", s.stream)
		r.Post("/cancel", s.cancelTurn)
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start the HTTP server.
func (s *Server) Start() error { return s.http.ListenAndServe() }

// Stop the HTTP server.
func (s *Server) Stop(ctx context.Context) error { return s.http.Shutdown(ctx) }

type createChatRequest struct {
	OwnerID  string `json:"owner_id"`
	Question string `json:"question"`
}

type createChatResponse struct {
	ChatID string `json:"chat_id"`
	Token  string `json:"token"`
}

type startTurnRequest struct {
	Token   string `json:"token"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

type startTurnResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	c := &chat.Chat{
		ID:       uuid.NewString(),
		OwnerID:  req.OwnerID,
		Question: req.Question,
		Token:    uuid.NewString(),
	}
	if err := s.store.Create(r.Context(), c); err != nil {
		s.writeErr(w, http.StatusInternalServerError, "create chat failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createChatResponse{ChatID: c.ID, Token: c.Token})
}

func (s *Server) startTurn(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req startTurnRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		s.writeErr(w, http.StatusBadRequest, "content is required")
		return
	}
	token, err := s.svc.StartTurn(r.Context(), chatID, req.Token, req.Content, req.Model)
	if err != nil {
		s.writeAdmissionErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(startTurnResponse{Token: token})
}

func (s *Server) cancelTurn(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	cancelled := s.svc.CancelTurn(chatID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

// stream serves the turn's event stream over SSE. Heartbeat events from
// the turn become ": ping" comments; terminal events are followed by
// "event: done" before the stream closes.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	token := r.URL.Query().Get("token")

	sub, err := s.svc.ListenTurn(r.Context(), chatID, token)
	if err != nil {
		s.writeAdmissionErr(w, err)
		return
	}
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErr(w, http.StatusInternalServerError, "stream unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if ev.Type == turn.EventHeartbeat {
				fmt.Fprintf(w, ": ping\n\n")
				flusher.Flush()
				continue
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[Server] encode event for chat %s: %v", chatID, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
			if ev.Terminal() {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeErr(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) writeAdmissionErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, turn.ErrStaleToken):
		s.writeErr(w, http.StatusConflict, "stale token")
	case errors.Is(err, turn.ErrTurnInProgress):
		s.writeErr(w, http.StatusConflict, "turn already in progress")
	case errors.Is(err, turn.ErrChatBanned):
		s.writeErr(w, http.StatusForbidden, "chat is banned")
	case errors.Is(err, turn.ErrNoActiveTurn):
		s.writeErr(w, http.StatusNotFound, "no active turn")
	case errors.Is(err, chat.ErrNotFound):
		s.writeErr(w, http.StatusNotFound, "chat not found")
	default:
		s.writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
