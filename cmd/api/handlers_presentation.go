package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agencyflow/action"
	"agencyflow/presentation"
)

func (s *Server) handleListBusiness(w http.ResponseWriter, r *http.Request) {
	items, err := s.presentationService.List(r.Context(), sessionFrom(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, items, "")
}

func (s *Server) handleCreateBusiness(w http.ResponseWriter, r *http.Request) {
	var req presentation.CreateBusinessRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	bp, err := s.presentationService.Create(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, bp, "Business prospect created")
}

func (s *Server) handleGetBusiness(w http.ResponseWriter, r *http.Request) {
	bp, err := s.presentationService.Get(r.Context(), sessionFrom(r), chi.URLParam(r, "businessID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, bp, "")
}

func (s *Server) handleUpdateBusiness(w http.ResponseWriter, r *http.Request) {
	var req presentation.UpdateBusinessRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	bp, err := s.presentationService.Update(r.Context(), sessionFrom(r), chi.URLParam(r, "businessID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, bp, "Business prospect updated")
}

func (s *Server) handleDeleteBusiness(w http.ResponseWriter, r *http.Request) {
	if err := s.presentationService.Delete(r.Context(), sessionFrom(r), chi.URLParam(r, "businessID")); err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, nil, "Business prospect deleted")
}

func (s *Server) handleAnalyzeBusiness(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.presentationService.Analyze(r.Context(), sessionFrom(r), chi.URLParam(r, "businessID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, analysis, "")
}

func (s *Server) handleBusinessScenario(w http.ResponseWriter, r *http.Request) {
	var req presentation.ScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	scenario, err := s.presentationService.Scenario(r.Context(), sessionFrom(r), chi.URLParam(r, "businessID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, scenario, "")
}

func (s *Server) handleBusinessHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.presentationService.History(r.Context(), sessionFrom(r), chi.URLParam(r, "businessID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, entries, "")
}

func (s *Server) handleRecordHistory(w http.ResponseWriter, r *http.Request) {
	var req presentation.HistoryRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	entry, err := s.presentationService.RecordHistory(r.Context(), sessionFrom(r), chi.URLParam(r, "businessID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, entry, "History recorded")
}
