package main

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agencyflow/action"
	"agencyflow/contact"
	"agencyflow/logging"
	"agencyflow/prospect"
)

func prospectFilters(r *http.Request) prospect.Filters {
	q := r.URL.Query()
	shared, _ := strconv.ParseBool(q.Get("shared"))
	return prospect.Filters{
		Status:     prospect.Status(q.Get("status")),
		Stage:      prospect.Stage(q.Get("stage")),
		Search:     q.Get("search"),
		SharedOnly: shared,
		Page:       queryInt(r, "page", 1),
		PageSize:   queryInt(r, "pageSize", 0),
		SortKey:    q.Get("sort"),
		SortOrder:  q.Get("order"),
	}
}

func (s *Server) handleListProspects(w http.ResponseWriter, r *http.Request) {
	res, err := s.prospectService.List(r.Context(), sessionFrom(r), prospectFilters(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, res, "")
}

func (s *Server) handleCreateProspect(w http.ResponseWriter, r *http.Request) {
	var req prospect.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	p, err := s.prospectService.Create(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, p, "Prospect created")
}

func (s *Server) handleGetProspect(w http.ResponseWriter, r *http.Request) {
	detail, err := s.prospectService.Get(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, detail, "")
}

func (s *Server) handleUpdateProspect(w http.ResponseWriter, r *http.Request) {
	var req prospect.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	p, err := s.prospectService.Update(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, p, "Prospect updated")
}

func (s *Server) handleDeleteProspect(w http.ResponseWriter, r *http.Request) {
	if err := s.prospectService.Delete(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID")); err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, nil, "Prospect deleted")
}

func (s *Server) handleUpdateStage(w http.ResponseWriter, r *http.Request) {
	var req prospect.StageRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	p, err := s.prospectService.UpdateStage(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, p, "Stage updated")
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req prospect.StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	p, err := s.prospectService.UpdateStatus(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, p, "Status updated")
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.prospectService.ListShares(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, shares, "")
}

func (s *Server) handleShareProspect(w http.ResponseWriter, r *http.Request) {
	var req prospect.ShareRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	share, err := s.prospectService.Share(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, share, "Prospect shared")
}

func (s *Server) handleUnshareProspect(w http.ResponseWriter, r *http.Request) {
	err := s.prospectService.Unshare(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"), chi.URLParam(r, "agentID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, nil, "Share removed")
}

func (s *Server) handleSharedWithMe(w http.ResponseWriter, r *http.Request) {
	shared, err := s.prospectService.ListSharedWithMe(r.Context(), sessionFrom(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, shared, "")
}

func (s *Server) handleProspectActivity(w http.ResponseWriter, r *http.Request) {
	items, err := s.prospectService.ListActivity(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"), queryInt(r, "limit", 50))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, items, "")
}

func (s *Server) handleProspectSignatures(w http.ResponseWriter, r *http.Request) {
	sigs, err := s.disclosureService.ListSignaturesForProspect(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, sigs, "")
}

func (s *Server) handleProspectNeeds(w http.ResponseWriter, r *http.Request) {
	needs, err := s.presentationService.ProspectNeeds(r.Context(), sessionFrom(r), chi.URLParam(r, "prospectID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, needs, "")
}

// handleExportProspects buffers the CSV so a failed query still produces a
// JSON error instead of a truncated file.
func (s *Server) handleExportProspects(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.prospectService.ExportCSV(r.Context(), sessionFrom(r), prospectFilters(r), &buf); err != nil {
		action.Fail(w, err)
		return
	}
	name := "prospects-" + time.Now().UTC().Format("2006-01-02") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logging.Logger.WithError(err).Warn("write prospect export")
	}
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contacts, err := s.contactService.List(r.Context(), sessionFrom(r), contact.Filters{
		Temperature: contact.Temperature(q.Get("temperature")),
		Search:      q.Get("search"),
	})
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, contacts, "")
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req contact.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	c, err := s.contactService.Create(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, c, "Contact created")
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.contactService.Get(r.Context(), sessionFrom(r), chi.URLParam(r, "contactID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, c, "")
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	var req contact.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	c, err := s.contactService.Update(r.Context(), sessionFrom(r), chi.URLParam(r, "contactID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, c, "Contact updated")
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := s.contactService.Delete(r.Context(), sessionFrom(r), chi.URLParam(r, "contactID")); err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, nil, "Contact deleted")
}

func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	var req contact.TemperatureRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	c, err := s.contactService.SetTemperature(r.Context(), sessionFrom(r), chi.URLParam(r, "contactID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, c, "Temperature updated")
}

func (s *Server) handleConvertContact(w http.ResponseWriter, r *http.Request) {
	res, err := s.contactService.ConvertToProspect(r.Context(), sessionFrom(r), chi.URLParam(r, "contactID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, res, "Contact converted to prospect")
}
