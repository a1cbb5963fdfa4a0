package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"agencyflow/action"
	"agencyflow/agent"
	"agencyflow/auth"
	"agencyflow/contact"
	"agencyflow/disclosure"
	"agencyflow/logging"
	"agencyflow/messaging"
	"agencyflow/metrics"
	"agencyflow/presentation"
	"agencyflow/prospect"
	"agencyflow/timeline"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
	ctxKeyOrgID  ctxKey = "organizationID"
)

const maxBodyBytes = 1 << 20

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Authenticate(ctx context.Context, token string) (auth.Session, error)
}

type agentService interface {
	GetProfile(ctx context.Context, session auth.Session) (agent.Agent, error)
	UpdateProfile(ctx context.Context, session auth.Session, upd agent.ProfileUpdate) (agent.Agent, error)
	ListDownline(ctx context.Context, session auth.Session) ([]agent.TeamMember, error)
	ListUpline(ctx context.Context, session auth.Session) ([]agent.TeamMember, error)
	AddTeamMember(ctx context.Context, session auth.Session, req agent.AddMemberRequest) (agent.AddedMember, error)
	UpdateTeamMember(ctx context.Context, session auth.Session, memberID string, upd agent.MemberUpdate) (agent.Agent, error)
	RemoveTeamMember(ctx context.Context, session auth.Session, memberID string) (agent.Agent, error)
	GetOrCreateReferralCode(ctx context.Context, session auth.Session) (string, error)
	ProductionStats(ctx context.Context, session auth.Session, agentID string) (agent.ProductionStats, error)
}

type prospectService interface {
	Get(ctx context.Context, session auth.Session, prospectID string) (prospect.Detail, error)
	Create(ctx context.Context, session auth.Session, req prospect.CreateRequest) (prospect.Prospect, error)
	Update(ctx context.Context, session auth.Session, prospectID string, req prospect.UpdateRequest) (prospect.Prospect, error)
	Delete(ctx context.Context, session auth.Session, prospectID string) error
	UpdateStage(ctx context.Context, session auth.Session, prospectID string, req prospect.StageRequest) (prospect.Prospect, error)
	UpdateStatus(ctx context.Context, session auth.Session, prospectID string, req prospect.StatusRequest) (prospect.Prospect, error)
	List(ctx context.Context, session auth.Session, filters prospect.Filters) (prospect.ListResult, error)
	Share(ctx context.Context, session auth.Session, prospectID string, req prospect.ShareRequest) (prospect.Share, error)
	Unshare(ctx context.Context, session auth.Session, prospectID, agentID string) error
	ListShares(ctx context.Context, session auth.Session, prospectID string) ([]prospect.Share, error)
	ListSharedWithMe(ctx context.Context, session auth.Session) ([]prospect.SharedProspect, error)
	ListActivity(ctx context.Context, session auth.Session, prospectID string, limit int) ([]timeline.Activity, error)
	ExportCSV(ctx context.Context, session auth.Session, filters prospect.Filters, w io.Writer) error
}

type contactService interface {
	Create(ctx context.Context, session auth.Session, req contact.CreateRequest) (contact.Contact, error)
	Get(ctx context.Context, session auth.Session, id string) (contact.Contact, error)
	List(ctx context.Context, session auth.Session, filters contact.Filters) ([]contact.Contact, error)
	Update(ctx context.Context, session auth.Session, id string, req contact.UpdateRequest) (contact.Contact, error)
	SetTemperature(ctx context.Context, session auth.Session, id string, req contact.TemperatureRequest) (contact.Contact, error)
	Delete(ctx context.Context, session auth.Session, id string) error
	ConvertToProspect(ctx context.Context, session auth.Session, id string) (contact.ConvertResult, error)
}

type disclosureService interface {
	Create(ctx context.Context, session auth.Session, req disclosure.CreateRequest) (disclosure.Disclosure, error)
	Get(ctx context.Context, session auth.Session, id string) (disclosure.Disclosure, error)
	List(ctx context.Context, session auth.Session, filters disclosure.Filters) ([]disclosure.Disclosure, error)
	Update(ctx context.Context, session auth.Session, id string, req disclosure.UpdateRequest) (disclosure.Disclosure, error)
	Delete(ctx context.Context, session auth.Session, id string) (disclosure.DeleteResult, error)
	Sign(ctx context.Context, session auth.Session, disclosureID string, req disclosure.SignRequest, sc disclosure.SignContext) (disclosure.Signature, error)
	ListSignaturesForProspect(ctx context.Context, session auth.Session, prospectID string) ([]disclosure.Signature, error)
	CreateSigningLink(ctx context.Context, session auth.Session, req disclosure.CreateLinkRequest) (disclosure.CreatedLink, error)
	RevokeSigningLink(ctx context.Context, session auth.Session, linkID string) (disclosure.SigningLink, error)
	ResolveSigningLink(ctx context.Context, token string) (disclosure.ResolvedLink, error)
	SubmitSigningLink(ctx context.Context, token string, req disclosure.SubmitRequest, sc disclosure.SignContext) (disclosure.SubmitResult, error)
}

type messagingService interface {
	Send(ctx context.Context, session auth.Session, req messaging.SendRequest) (messaging.Message, error)
	List(ctx context.Context, session auth.Session, filters messaging.Filters) ([]messaging.Message, error)
	Links(ctx context.Context, session auth.Session, req messaging.LinksRequest) (messaging.Links, error)
	CreateTemplate(ctx context.Context, session auth.Session, req messaging.TemplateRequest) (messaging.Template, error)
	GetTemplate(ctx context.Context, session auth.Session, id string) (messaging.Template, error)
	ListTemplates(ctx context.Context, session auth.Session) ([]messaging.Template, error)
	UpdateTemplate(ctx context.Context, session auth.Session, id string, upd messaging.TemplateUpdate) (messaging.Template, error)
	DeleteTemplate(ctx context.Context, session auth.Session, id string) error
	Render(ctx context.Context, session auth.Session, templateID, prospectID string) (messaging.Rendered, error)
	RecordInbound(ctx context.Context, in messaging.Inbound) (messaging.Message, error)
	UpdateDeliveryStatus(ctx context.Context, upd messaging.StatusUpdate) error
}

type presentationService interface {
	ProspectNeeds(ctx context.Context, session auth.Session, prospectID string) (presentation.Needs, error)
	Create(ctx context.Context, session auth.Session, req presentation.CreateBusinessRequest) (presentation.BusinessProspect, error)
	Get(ctx context.Context, session auth.Session, id string) (presentation.BusinessProspect, error)
	List(ctx context.Context, session auth.Session) ([]presentation.BusinessProspect, error)
	Update(ctx context.Context, session auth.Session, id string, req presentation.UpdateBusinessRequest) (presentation.BusinessProspect, error)
	Delete(ctx context.Context, session auth.Session, id string) error
	Analyze(ctx context.Context, session auth.Session, id string) (presentation.Analysis, error)
	Scenario(ctx context.Context, session auth.Session, id string, req presentation.ScenarioRequest) (presentation.Scenario, error)
	RecordHistory(ctx context.Context, session auth.Session, id string, req presentation.HistoryRequest) (presentation.HistoryEntry, error)
	History(ctx context.Context, session auth.Session, id string) ([]presentation.HistoryEntry, error)
}

// webhookValidator checks the provider signature on inbound callbacks.
type webhookValidator interface {
	Valid(r *http.Request) bool
}

// routeCache serves cached GET responses for authenticated routes.
type routeCache interface {
	Middleware(agentOf func(*http.Request) string) func(http.Handler) http.Handler
}

type Server struct {
	authService         authService
	agentService        agentService
	prospectService     prospectService
	contactService      contactService
	disclosureService   disclosureService
	messagingService    messagingService
	presentationService presentationService

	webhooks    webhookValidator
	cache       routeCache
	signLimiter *ipLimiter
	corsOrigins []string
	ready       func(ctx context.Context) error
}

// Routes builds the chi router for every public and authenticated endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Cache", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/sign/{token}", func(r chi.Router) {
		if s.signLimiter != nil {
			r.Use(s.signLimiter.Middleware)
		}
		r.Get("/", s.handleResolveSigningLink)
		r.Post("/", s.handleSubmitSigningLink)
	})

	r.Route("/webhooks/twilio", func(r chi.Router) {
		r.Use(s.requireWebhookSignature)
		r.Post("/inbound", s.handleTwilioInbound)
		r.Post("/status", s.handleTwilioStatus)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			if s.cache != nil {
				r.Use(s.cache.Middleware(agentFromRequest))
			}

			r.Get("/me", s.handleGetProfile)
			r.Patch("/me", s.handleUpdateProfile)
			r.Post("/me/referral-code", s.handleReferralCode)

			r.Get("/team", s.handleListDownline)
			r.Post("/team", s.handleAddTeamMember)
			r.Get("/team/upline", s.handleListUpline)
			r.Get("/team/stats", s.handleProductionStats)
			r.With(requireIDs).Patch("/team/{memberID}", s.handleUpdateTeamMember)
			r.With(requireIDs).Delete("/team/{memberID}", s.handleRemoveTeamMember)

			r.Get("/prospects", s.handleListProspects)
			r.Post("/prospects", s.handleCreateProspect)
			r.Get("/prospects/export", s.handleExportProspects)
			r.Get("/prospects/shared-with-me", s.handleSharedWithMe)
			r.Route("/prospects/{prospectID}", func(r chi.Router) {
				r.Use(requireIDs)
				r.Get("/", s.handleGetProspect)
				r.Patch("/", s.handleUpdateProspect)
				r.Delete("/", s.handleDeleteProspect)
				r.Put("/stage", s.handleUpdateStage)
				r.Put("/status", s.handleUpdateStatus)
				r.Get("/shares", s.handleListShares)
				r.Post("/shares", s.handleShareProspect)
				r.With(requireIDs).Delete("/shares/{agentID}", s.handleUnshareProspect)
				r.Get("/activity", s.handleProspectActivity)
				r.Get("/signatures", s.handleProspectSignatures)
				r.Get("/needs", s.handleProspectNeeds)
			})

			r.Get("/contacts", s.handleListContacts)
			r.Post("/contacts", s.handleCreateContact)
			r.Route("/contacts/{contactID}", func(r chi.Router) {
				r.Use(requireIDs)
				r.Get("/", s.handleGetContact)
				r.Patch("/", s.handleUpdateContact)
				r.Delete("/", s.handleDeleteContact)
				r.Put("/temperature", s.handleSetTemperature)
				r.Post("/convert", s.handleConvertContact)
			})

			r.Get("/disclosures", s.handleListDisclosures)
			r.Post("/disclosures", s.handleCreateDisclosure)
			r.Route("/disclosures/{disclosureID}", func(r chi.Router) {
				r.Use(requireIDs)
				r.Get("/", s.handleGetDisclosure)
				r.Patch("/", s.handleUpdateDisclosure)
				r.Delete("/", s.handleDeleteDisclosure)
				r.Post("/sign", s.handleSignDisclosure)
			})
			r.Post("/signing-links", s.handleCreateSigningLink)
			r.With(requireIDs).Post("/signing-links/{linkID}/revoke", s.handleRevokeSigningLink)

			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/messages/links", s.handleMessageLinks)

			r.Get("/templates", s.handleListTemplates)
			r.Post("/templates", s.handleCreateTemplate)
			r.Route("/templates/{templateID}", func(r chi.Router) {
				r.Use(requireIDs)
				r.Get("/", s.handleGetTemplate)
				r.Patch("/", s.handleUpdateTemplate)
				r.Delete("/", s.handleDeleteTemplate)
				r.Get("/render", s.handleRenderTemplate)
			})

			r.Get("/business", s.handleListBusiness)
			r.Post("/business", s.handleCreateBusiness)
			r.Route("/business/{businessID}", func(r chi.Router) {
				r.Use(requireIDs)
				r.Get("/", s.handleGetBusiness)
				r.Patch("/", s.handleUpdateBusiness)
				r.Delete("/", s.handleDeleteBusiness)
				r.Get("/analysis", s.handleAnalyzeBusiness)
				r.Post("/scenario", s.handleBusinessScenario)
				r.Get("/history", s.handleBusinessHistory)
				r.Post("/history", s.handleRecordHistory)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			logging.Logger.WithError(err).Warn("health check failed")
			action.Write(w, http.StatusServiceUnavailable, action.Result{Error: "database unavailable"})
			return
		}
	}
	action.Respond(w, http.StatusOK, map[string]string{"status": "ok"}, "")
}

// authenticate resolves the bearer token into the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			action.Fail(w, action.Unauthorized())
			return
		}
		session, err := s.authService.Authenticate(r.Context(), strings.TrimSpace(token))
		if err != nil {
			logging.Logger.WithError(err).Debug("rejected bearer token")
			action.Fail(w, action.Unauthorized())
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, session.AgentID)
		ctx = context.WithValue(ctx, ctxKeyRole, session.Role)
		ctx = context.WithValue(ctx, ctxKeyOrgID, session.OrganizationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireIDs answers 404 when a {...ID} path parameter is not a UUID.
func requireIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			for i, key := range rctx.URLParams.Keys {
				if !strings.HasSuffix(key, "ID") || i >= len(rctx.URLParams.Values) {
					continue
				}
				if err := action.CheckID(rctx.URLParams.Values[i], "Not found"); err != nil {
					action.Fail(w, err)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireWebhookSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		if s.webhooks != nil && !s.webhooks.Valid(r) {
			logging.Logger.WithField("path", r.URL.Path).Warn("rejected webhook with bad signature")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFrom(r *http.Request) auth.Session {
	ctx := r.Context()
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	orgID, _ := ctx.Value(ctxKeyOrgID).(string)
	return auth.Session{AgentID: userID, Role: role, OrganizationID: orgID}
}

func agentFromRequest(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	return userID
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return action.Invalid("body", "is required")
		}
		return action.Invalid("body", "is not valid JSON for this request")
	}
	return nil
}

func signContext(r *http.Request) disclosure.SignContext {
	return disclosure.SignContext{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := logging.Logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Error("request failed")
			return
		}
		entry.Info("request")
	})
}
