package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agencyflow/action"
	"agencyflow/disclosure"
)

func (s *Server) handleListDisclosures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	active, _ := strconv.ParseBool(q.Get("active"))
	items, err := s.disclosureService.List(r.Context(), sessionFrom(r), disclosure.Filters{
		ActiveOnly: active,
		Product:    q.Get("product"),
	})
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, items, "")
}

func (s *Server) handleCreateDisclosure(w http.ResponseWriter, r *http.Request) {
	var req disclosure.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	d, err := s.disclosureService.Create(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, d, "Disclosure created")
}

func (s *Server) handleGetDisclosure(w http.ResponseWriter, r *http.Request) {
	d, err := s.disclosureService.Get(r.Context(), sessionFrom(r), chi.URLParam(r, "disclosureID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, d, "")
}

func (s *Server) handleUpdateDisclosure(w http.ResponseWriter, r *http.Request) {
	var req disclosure.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	d, err := s.disclosureService.Update(r.Context(), sessionFrom(r), chi.URLParam(r, "disclosureID"), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, d, "Disclosure updated")
}

func (s *Server) handleDeleteDisclosure(w http.ResponseWriter, r *http.Request) {
	res, err := s.disclosureService.Delete(r.Context(), sessionFrom(r), chi.URLParam(r, "disclosureID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	msg := "Disclosure deleted"
	if res.SoftDeleted {
		msg = "Disclosure has signatures and was deactivated"
	}
	action.Respond(w, http.StatusOK, res, msg)
}

func (s *Server) handleSignDisclosure(w http.ResponseWriter, r *http.Request) {
	var req disclosure.SignRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	sig, err := s.disclosureService.Sign(r.Context(), sessionFrom(r), chi.URLParam(r, "disclosureID"), req, signContext(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, sig, "Disclosure signed")
}

func (s *Server) handleCreateSigningLink(w http.ResponseWriter, r *http.Request) {
	var req disclosure.CreateLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	link, err := s.disclosureService.CreateSigningLink(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, link, "Signing link created")
}

func (s *Server) handleRevokeSigningLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.disclosureService.RevokeSigningLink(r.Context(), sessionFrom(r), chi.URLParam(r, "linkID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, link, "Signing link revoked")
}

func (s *Server) handleResolveSigningLink(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	link, err := s.disclosureService.ResolveSigningLink(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, link, "")
}

func (s *Server) handleSubmitSigningLink(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	var req disclosure.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	res, err := s.disclosureService.SubmitSigningLink(r.Context(), chi.URLParam(r, "token"), req, signContext(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	msg := ""
	if res.Completed {
		msg = "All disclosures signed"
	}
	action.Respond(w, http.StatusOK, res, msg)
}
