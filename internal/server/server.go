// Package server exposes the ingestion pipeline over HTTP: source CRUD and
// the streaming bulk-refresh endpoint.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/abelbrown/syndicate/internal/logging"
	"github.com/abelbrown/syndicate/internal/refresh"
	"github.com/abelbrown/syndicate/internal/store"
)

// Server wires the store and orchestrator to HTTP handlers.
type Server struct {
	store     *store.Store
	orch      *refresh.Orchestrator
	keepalive time.Duration
	mux       *http.ServeMux
}

// New creates a Server. keepalive is the SSE heartbeat interval.
func New(st *store.Store, orch *refresh.Orchestrator, keepalive time.Duration) *Server {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	s := &Server{
		store:     st,
		orch:      orch,
		keepalive: keepalive,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/sources", s.handleListSources)
	s.mux.HandleFunc("POST /api/sources", s.handleAddSource)
	s.mux.HandleFunc("POST /api/sources/{id}/pause", s.handlePauseSource)
	s.mux.HandleFunc("DELETE /api/sources/{id}", s.handleDeleteSource)
	s.mux.HandleFunc("GET /api/articles", s.handleListArticles)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// refreshRequest is the trigger payload. Empty ids means all live sources.
type refreshRequest struct {
	IDs []int64 `json:"ids"`
}

// handleRefresh starts a bulk refresh and streams progress events until
// the operation completes or the client goes away.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil {
		// An empty body is a valid "refresh everything" request.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	events, err := s.orch.Run(r.Context(), store.SourceFilter{IDs: req.IDs})
	if err != nil {
		if errors.Is(err, refresh.ErrNoSources) {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.Error("refresh start failed", "err", err)
		httpError(w, http.StatusInternalServerError, "refresh failed to start")
		return
	}

	streamEvents(w, r, events, s.keepalive)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

type addSourceRequest struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	CadenceMinutes int    `json:"cadence_minutes"`
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		httpError(w, http.StatusBadRequest, "url is required")
		return
	}
	id, err := s.store.AddSource(req.URL, req.Title, req.CadenceMinutes)
	if err != nil {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handlePauseSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SetPaused(id, req.Paused); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteSource(id); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	var sourceID int64
	if v := r.URL.Query().Get("source_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid source_id")
			return
		}
		sourceID = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	articles, err := s.store.GetArticles(sourceID, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, articles)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid source id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("write response failed", "err", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
