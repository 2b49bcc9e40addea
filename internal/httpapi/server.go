package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/observability"
	"github.com/contextd/contextd/internal/pipeline"
	"github.com/contextd/contextd/internal/session"
	"github.com/contextd/contextd/internal/tools"
)

type Server struct {
	cfg      config.Config
	sessions session.Store
	pipe     *pipeline.Pipeline
	tools    *tools.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions session.Store, pipe *pipeline.Pipeline, registry *tools.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		pipe:     pipe,
		tools:    registry,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot drive a user's session
				// if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/apps/{app}/users/{user}", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/sessions/{id}/events", s.handleListEvents)
		r.Post("/sessions/{id}/events", s.handleCompleteTurn)
		r.Get("/sessions/{id}/state", s.handleReadState)
		r.Post("/sessions/{id}/compact", s.handleCompact)
		r.Post("/sessions/{id}/ingest", s.handleIngest)
		r.Get("/memory/search", s.handleMemorySearch)
	})

	r.Get("/v1/session/ws", s.handleSessionWS)
	r.Get("/v1/tools", s.handleListTools)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"session_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"session_mode": s.storeMode(),
	})
}

type createSessionRequest struct {
	SessionID   string `json:"session_id"`
	GetOrCreate bool   `json:"get_or_create"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}
	key := session.Key{
		AppName:   chi.URLParam(r, "app"),
		UserID:    chi.URLParam(r, "user"),
		SessionID: req.SessionID,
	}

	var (
		sess *session.Session
		err  error
	)
	if req.GetOrCreate {
		sess, err = s.sessions.GetOrCreate(r.Context(), key)
	} else {
		sess, err = s.sessions.Create(r.Context(), key)
	}
	if err != nil {
		if errors.Is(err, session.ErrAlreadyExists) {
			respondError(w, http.StatusConflict, "session_exists", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.getSession(w, r)
	if !ok {
		return
	}
	events := sess.Events
	if parseBoolQuery(r, "active") {
		events = session.ActiveContext(events)
	}
	if events == nil {
		events = []session.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

type completeTurnRequest struct {
	Events []turnEventRequest `json:"events"`
}

type turnEventRequest struct {
	Author     session.Author       `json:"author"`
	Text       string               `json:"text"`
	StateDelta []session.StateEntry `json:"state_delta,omitempty"`
}

func (s *Server) handleCompleteTurn(w http.ResponseWriter, r *http.Request) {
	var req completeTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "a turn requires at least one event")
		return
	}

	events := make([]session.Event, 0, len(req.Events))
	for _, te := range req.Events {
		ev := session.NewTextEvent(te.Author, te.Text)
		if len(te.StateDelta) > 0 {
			ev.Actions = &session.EventActions{StateDelta: te.StateDelta}
		}
		events = append(events, ev)
	}

	result, err := s.pipe.CompleteTurn(r.Context(), keyFromRequest(r), events)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		case errors.Is(err, session.ErrCorruptState):
			respondError(w, http.StatusUnprocessableEntity, "invalid_state_delta", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "append_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleReadState(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessions.ReadState(r.Context(), keyFromRequest(r))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "state_read_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"state":  view,
		"merged": view.Merged(),
	})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	marker, err := s.pipe.Compact(r.Context(), keyFromRequest(r))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "compaction_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"compacted":  marker != nil,
		"compaction": marker,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	n, err := s.pipe.IngestNow(r.Context(), keyFromRequest(r))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ingested_records": n})
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "query parameter q is required")
		return
	}
	limit := s.cfg.MemorySearchLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := s.pipe.Recall(r.Context(), chi.URLParam(r, "app"), chi.URLParam(r, "user"), query, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"tools": s.tools.List()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(r.Context(), keyFromRequest(r))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, "session_read_failed", err.Error())
		return nil, false
	}
	return sess, true
}

func keyFromRequest(r *http.Request) session.Key {
	return session.Key{
		AppName:   chi.URLParam(r, "app"),
		UserID:    chi.URLParam(r, "user"),
		SessionID: chi.URLParam(r, "id"),
	}
}

func parseBoolQuery(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func (s *Server) storeMode() string {
	if s.cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "in-memory"
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
