package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/perspectra/internal/chat"
	"github.com/ent0n29/perspectra/internal/config"
	"github.com/ent0n29/perspectra/internal/engine"
	"github.com/ent0n29/perspectra/internal/observability"
	"github.com/ent0n29/perspectra/internal/persona"
	"github.com/ent0n29/perspectra/internal/session"
	"github.com/ent0n29/perspectra/internal/store"
	"github.com/ent0n29/perspectra/internal/summary"
)

const (
	userHeader     = "X-User-ID"
	userQueryParam = "user_id"
	anonymousUser  = "anonymous"
)

// Summarizer produces decision summaries.
type Summarizer interface {
	Summarize(ctx context.Context, conversationID, problem string, messages []summary.Utterance) (summary.Result, error)
}

type Server struct {
	cfg        config.Config
	store      store.Store
	sessions   *session.Manager
	generator  engine.Generator
	summarizer Summarizer
	metrics    *observability.Metrics
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	wsReadTimeout  time.Duration
	wsPingInterval time.Duration
}

func New(cfg config.Config, st store.Store, sessions *session.Manager, generator engine.Generator, summarizer Summarizer, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		sessions:   sessions,
		generator:  generator,
		summarizer: summarizer,
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "httpapi")),

		wsReadTimeout:  defaultWSReadTimeout,
		wsPingInterval: defaultWSPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a live session unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/personas", s.handleListPersonas)
	r.Post("/v1/chat", s.handleChat)
	r.Post("/v1/decision-summary", s.handleDecisionSummary)

	r.Route("/v1/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Post("/", s.handleCreateConversation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Put("/", s.handleSetConversationStatus)
			r.Patch("/", s.handlePatchConversation)
			r.Delete("/", s.handleDeleteConversation)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleAddMessage)
			r.Post("/summary", s.handleConversationSummary)
			r.Get("/ws", s.handleConversationWS)

			r.Get("/auto", s.handleAutoStatus)
			r.Post("/auto/start", s.handleAutoStart)
			r.Post("/auto/pause", s.handleAutoPause)
			r.Post("/auto/resume", s.handleAutoResume)
			r.Post("/auto/stop", s.handleAutoStop)
			r.Post("/auto/interrupt", s.handleAutoInterrupt)
			r.Put("/auto/interval", s.handleAutoInterval)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil || s.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service dependencies not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"store_mode":      s.storeMode(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"personas": persona.Catalog()})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// respondServiceError maps domain errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, store.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, store.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, session.ErrInvalidInterval):
		respondError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, chat.ErrInvalidPersona), errors.Is(err, persona.ErrUnknown):
		respondError(w, http.StatusBadRequest, "invalid_persona", err.Error())
	case errors.Is(err, summary.ErrNothingToSummarize):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (s *Server) storeMode() string {
	switch s.store.(type) {
	case *store.PostgresStore:
		return "postgres"
	case *store.InMemoryStore:
		return "in-memory"
	case nil:
		return "disabled"
	default:
		return "custom"
	}
}

func userIDFrom(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(userHeader)); v != "" {
		return v
	}
	return anonymousUser
}

// wsUserIDFrom also accepts the user_id query parameter, since browsers
// cannot set headers on a websocket upgrade.
func wsUserIDFrom(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(userHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get(userQueryParam)); v != "" {
		return v
	}
	return anonymousUser
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
