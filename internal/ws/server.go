package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/config"
	"github.com/agent-session-center/engine/internal/engine"
	"github.com/agent-session-center/engine/internal/hook"
	"github.com/agent-session-center/engine/internal/metrics"
	"github.com/agent-session-center/engine/internal/session"
)

// maxHookBody bounds the fallback hook endpoint's request size.
const maxHookBody = 1 << 20

// Engine is the part of the coordinator the HTTP API drives.
type Engine interface {
	Ingest(ctx context.Context, ev *hook.Event) error
	RegisterTerminal(ctx context.Context, cwd string, pid int) (engine.Terminal, error)
	TerminalExited(ctx context.Context, terminalID string) error
	Resume(ctx context.Context, id, terminalID string) error
	DeleteSession(ctx context.Context, id string) error
}

type Server struct {
	hub            *Hub
	engine         Engine
	privacy        *session.PrivacyFilter
	metrics        *metrics.Metrics
	clock          clock.Clock
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader
}

func NewServer(cfg config.ServerConfig, hub *Hub, eng Engine, privacy *session.PrivacyFilter, m *metrics.Metrics, clk clock.Clock) *Server {
	if privacy == nil {
		privacy = &session.PrivacyFilter{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &Server{
		hub:            hub,
		engine:         eng,
		privacy:        privacy,
		metrics:        metrics.OrNew(m),
		clock:          clk,
		authToken:      cfg.AuthToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Routes returns the HTTP handler for the API, the viewer socket and
// the metrics endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/ws", s.handleWS)
		r.Handle("/metrics", s.metrics.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Post("/hooks", s.handleHook)
			r.Get("/sessions", s.handleSessions)
			r.Get("/sessions/{id}", s.handleSession)
			r.Delete("/sessions/{id}", s.handleDeleteSession)
			r.Post("/sessions/{id}/resume", s.handleResume)
			r.Post("/terminals", s.handleRegisterTerminal)
			r.Post("/terminals/{id}/exit", s.handleTerminalExit)
			r.Post("/terminals/{id}/output", s.handleTerminalOutput)
			r.Get("/teams", s.handleTeams)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"seq":     s.hub.Seq(),
		"epoch":   s.hub.Epoch(),
		"viewers": s.hub.ViewerCount(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var from *Cursor
	if raw := r.URL.Query().Get("since"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		from = &Cursor{Seq: seq, Epoch: r.URL.Query().Get("epoch")}
	}

	v, err := s.hub.Attach(from)
	if err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Detach(v)
		log.Debug().Err(err).Str("component", "ws").Msg("upgrade failed")
		return
	}
	log.Info().Str("component", "ws").Str("viewer", v.id).Str("remote", r.RemoteAddr).Msg("viewer connected")
	go func() {
		s.hub.serveViewer(conn, v)
		log.Info().Str("component", "ws").Str("viewer", v.id).Msg("viewer disconnected")
	}()
}

// handleHook is the synchronous fallback for producers that cannot
// append to the event log.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHookBody))
	if err := dec.Decode(&raw); err != nil || raw == nil {
		s.metrics.EventsRejected.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "malformed hook body")
		return
	}
	ev, err := hook.FromMap(raw, s.clock.Now())
	if err != nil {
		s.metrics.EventsRejected.WithLabelValues(hook.RejectReason(err)).Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Ingest(r.Context(), ev); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.privacy.FilterSlice(s.hub.Store().GetAll()))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st, ok := s.hub.Store().Get(chi.URLParam(r, "id"))
	if !ok || !s.privacy.IsAllowed(st.Cwd) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.Apply(st))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.engine.DeleteSession(r.Context(), chi.URLParam(r, "id")), http.StatusNoContent)
}

type resumeRequest struct {
	TerminalID string `json:"terminalId"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	s.respond(w, s.engine.Resume(r.Context(), chi.URLParam(r, "id"), req.TerminalID), http.StatusAccepted)
}

type terminalRequest struct {
	Cwd string `json:"cwd"`
	PID int    `json:"pid"`
}

func (s *Server) handleRegisterTerminal(w http.ResponseWriter, r *http.Request) {
	var req terminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	term, err := s.engine.RegisterTerminal(r.Context(), req.Cwd, req.PID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, term)
}

func (s *Server) handleTerminalExit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.engine.TerminalExited(r.Context(), id)
	if err == nil {
		s.hub.Broadcast(MsgTerminalStatus, TerminalStatusPayload{TerminalID: id, Status: "exited"})
	}
	s.respond(w, err, http.StatusNoContent)
}

// handleTerminalOutput relays a chunk of terminal output to viewers.
// Output is passthrough: it is neither sequenced nor kept for replay.
func (s *Server) handleTerminalOutput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHookBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.hub.Broadcast(MsgTerminalOutput, TerminalOutputPayload{TerminalID: chi.URLParam(r, "id"), Data: req.Data})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTeams(w http.ResponseWriter, _ *http.Request) {
	teams := s.hub.Store().Teams()
	for i, t := range teams {
		teams[i] = s.privacy.ApplyTeam(t)
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) respond(w http.ResponseWriter, err error, okStatus int) {
	switch {
	case err == nil:
		w.WriteHeader(okStatus)
	case errors.Is(err, engine.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Session-Center-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "ws").Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
