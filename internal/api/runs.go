package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/go-idp/pipeline/internal/engine"
	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 4 << 20 // 4 MB
)

// Error kinds reported in the "kind" field of error responses.
const (
	kindValidation  = "validation"
	kindBadRequest  = "bad_request"
	kindNotFound    = "not_found"
	kindConflict    = "conflict"
	kindUnavailable = "unavailable"
	kindInternal    = "internal"
)

// errorResponse is the JSON body of every error response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// cancelResponse acknowledges a cancellation request.
type cancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req engine.RunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, kindBadRequest, "invalid JSON body")
		return
	}

	run, err := s.engine.Submit(r.Context(), req)
	switch {
	case errors.Is(err, plan.ErrInvalid):
		s.writeError(w, http.StatusUnprocessableEntity, kindValidation, err.Error())
		return
	case errors.Is(err, store.ErrDefinitionNotFound):
		s.writeError(w, http.StatusNotFound, kindNotFound, err.Error())
		return
	case errors.Is(err, engine.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, kindNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	status := model.RunStatus(r.URL.Query().Get("status"))
	if status != "" && !knownStatus(status) {
		s.writeError(w, http.StatusBadRequest, kindBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}

	runs, total, err := s.engine.List(r.Context(), store.ListFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, kindNotFound, "run not found")
		return
	case errors.Is(err, engine.ErrRunNotActive):
		s.writeError(w, http.StatusConflict, kindConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("cancel run", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to cancel run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, cancelResponse{ID: id, Status: "cancelling"})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Delete(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, kindNotFound, "run not found")
		return
	case errors.Is(err, engine.ErrRunActive):
		s.writeError(w, http.StatusConflict, kindConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("delete run", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to delete run")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func knownStatus(s model.RunStatus) bool {
	switch s {
	case model.RunQueued, model.RunRunning, model.RunSucceeded,
		model.RunFailed, model.RunCancelled, model.RunInterrupted:
		return true
	default:
		return false
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
