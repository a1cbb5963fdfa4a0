package main

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"agencyflow/action"
	"agencyflow/logging"
	"agencyflow/messaging"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.messagingService.List(r.Context(), sessionFrom(r), messaging.Filters{
		ProspectID: q.Get("prospectId"),
		ContactID:  q.Get("contactId"),
		Channel:    messaging.Channel(q.Get("channel")),
		Status:     messaging.Status(q.Get("status")),
		Limit:      queryInt(r, "limit", 50),
	})
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, items, "")
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messaging.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	msg, err := s.messagingService.Send(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	if msg.Status == messaging.StatusFailed {
		// The attempt is recorded; the caller sees it as a failed send.
		action.Write(w, http.StatusBadGateway, action.Result{Data: msg, Error: "Message could not be delivered to the provider"})
		return
	}
	action.Respond(w, http.StatusCreated, msg, "Message sent")
}

func (s *Server) handleMessageLinks(w http.ResponseWriter, r *http.Request) {
	var req messaging.LinksRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	links, err := s.messagingService.Links(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, links, "")
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	items, err := s.messagingService.ListTemplates(r.Context(), sessionFrom(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, items, "")
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req messaging.TemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	tpl, err := s.messagingService.CreateTemplate(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, tpl, "Template created")
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.messagingService.GetTemplate(r.Context(), sessionFrom(r), chi.URLParam(r, "templateID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, tpl, "")
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var upd messaging.TemplateUpdate
	if err := decodeJSON(r, &upd); err != nil {
		action.Fail(w, err)
		return
	}
	tpl, err := s.messagingService.UpdateTemplate(r.Context(), sessionFrom(r), chi.URLParam(r, "templateID"), upd)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, tpl, "Template updated")
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.messagingService.DeleteTemplate(r.Context(), sessionFrom(r), chi.URLParam(r, "templateID")); err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, nil, "Template deleted")
}

func (s *Server) handleRenderTemplate(w http.ResponseWriter, r *http.Request) {
	rendered, err := s.messagingService.Render(r.Context(), sessionFrom(r), chi.URLParam(r, "templateID"), r.URL.Query().Get("prospectId"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, rendered, "")
}

// handleTwilioInbound acknowledges replies from unknown senders so Twilio
// does not retry them; storage failures return 500 to get a retry.
func (s *Server) handleTwilioInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	in := messaging.ParseTwilioInbound(r.PostForm)
	if _, err := s.messagingService.RecordInbound(r.Context(), in); err != nil {
		if !errors.Is(err, action.ErrNotFound) {
			logging.Logger.WithField("sid", in.ProviderMessageID).WithError(err).Error("record inbound message")
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		logging.Logger.WithFields(logrus.Fields{"sid": in.ProviderMessageID, "from": in.From}).Info("inbound message without conversation")
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (s *Server) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	upd, ok := messaging.ParseTwilioStatus(r.PostForm)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.messagingService.UpdateDeliveryStatus(r.Context(), upd); err != nil {
		var verr *action.ValidationError
		if !errors.Is(err, action.ErrNotFound) && !errors.As(err, &verr) {
			logging.Logger.WithField("sid", upd.ProviderMessageID).WithError(err).Error("apply delivery status")
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		logging.Logger.WithField("sid", upd.ProviderMessageID).WithError(err).Info("ignored delivery status")
	}
	w.WriteHeader(http.StatusNoContent)
}
