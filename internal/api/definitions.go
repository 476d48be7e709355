package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/go-idp/pipeline/internal/engine"
	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/store"
)

// listDefinitionsResponse wraps the stored definitions.
type listDefinitionsResponse struct {
	Definitions []*model.Definition `json:"definitions"`
	Total       int                 `json:"total"`
}

// decodeDefinitionRequest reads a definition request body, writing a 400 on
// failure.
func (s *Server) decodeDefinitionRequest(w http.ResponseWriter, r *http.Request) (engine.DefinitionRequest, bool) {
	var req engine.DefinitionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, kindBadRequest, "invalid JSON body")
		return req, false
	}
	return req, true
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDefinitionRequest(w, r)
	if !ok {
		return
	}

	d, err := s.engine.CreateDefinition(r.Context(), req)
	switch {
	case errors.Is(err, plan.ErrInvalid):
		s.writeError(w, http.StatusUnprocessableEntity, kindValidation, err.Error())
		return
	case err != nil:
		s.logger.Error("create definition", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to store definition")
		return
	}

	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.ListDefinitions(r.Context())
	if err != nil {
		s.logger.Error("list definitions", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to list definitions")
		return
	}
	if defs == nil {
		defs = []*model.Definition{}
	}

	s.writeJSON(w, http.StatusOK, listDefinitionsResponse{Definitions: defs, Total: len(defs)})
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDefinition(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrDefinitionNotFound) {
		s.writeError(w, http.StatusNotFound, kindNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("get definition", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to get definition")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeDefinitionRequest(w, r)
	if !ok {
		return
	}

	d, err := s.engine.UpdateDefinition(r.Context(), chi.URLParam(r, "id"), req)
	switch {
	case errors.Is(err, store.ErrDefinitionNotFound):
		s.writeError(w, http.StatusNotFound, kindNotFound, err.Error())
		return
	case errors.Is(err, plan.ErrInvalid):
		s.writeError(w, http.StatusUnprocessableEntity, kindValidation, err.Error())
		return
	case err != nil:
		s.logger.Error("update definition", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to update definition")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteDefinition(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrDefinitionNotFound):
		s.writeError(w, http.StatusNotFound, kindNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("delete definition", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, "failed to delete definition")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
