package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agencyflow/action"
	"agencyflow/agent"
	"agencyflow/auth"
)

type userResponse struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Email          string    `json:"email"`
	FullName       string    `json:"fullName"`
	Role           auth.Role `json:"role"`
	UplineID       *string   `json:"uplineId,omitempty"`
	CreatedAt      string    `json:"createdAt"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:             u.ID,
		OrganizationID: u.OrganizationID,
		Email:          u.Email,
		FullName:       u.FullName,
		Role:           u.Role,
		UplineID:       u.UplineID,
		CreatedAt:      u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, toUserResponse(*user), "Account created")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, loginResponse{Token: res.Token, User: toUserResponse(res.User)}, "")
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.agentService.GetProfile(r.Context(), sessionFrom(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, profile, "")
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var upd agent.ProfileUpdate
	if err := decodeJSON(r, &upd); err != nil {
		action.Fail(w, err)
		return
	}
	profile, err := s.agentService.UpdateProfile(r.Context(), sessionFrom(r), upd)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, profile, "Profile updated")
}

func (s *Server) handleReferralCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.agentService.GetOrCreateReferralCode(r.Context(), sessionFrom(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, map[string]string{"referralCode": code}, "")
}

func (s *Server) handleListDownline(w http.ResponseWriter, r *http.Request) {
	members, err := s.agentService.ListDownline(r.Context(), sessionFrom(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, members, "")
}

func (s *Server) handleListUpline(w http.ResponseWriter, r *http.Request) {
	members, err := s.agentService.ListUpline(r.Context(), sessionFrom(r))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, members, "")
}

func (s *Server) handleAddTeamMember(w http.ResponseWriter, r *http.Request) {
	var req agent.AddMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		action.Fail(w, err)
		return
	}
	added, err := s.agentService.AddTeamMember(r.Context(), sessionFrom(r), req)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusCreated, added, "Team member added")
}

func (s *Server) handleUpdateTeamMember(w http.ResponseWriter, r *http.Request) {
	var upd agent.MemberUpdate
	if err := decodeJSON(r, &upd); err != nil {
		action.Fail(w, err)
		return
	}
	member, err := s.agentService.UpdateTeamMember(r.Context(), sessionFrom(r), chi.URLParam(r, "memberID"), upd)
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, member, "Team member updated")
}

func (s *Server) handleRemoveTeamMember(w http.ResponseWriter, r *http.Request) {
	member, err := s.agentService.RemoveTeamMember(r.Context(), sessionFrom(r), chi.URLParam(r, "memberID"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, member, "Team member removed")
}

func (s *Server) handleProductionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.agentService.ProductionStats(r.Context(), sessionFrom(r), r.URL.Query().Get("agentId"))
	if err != nil {
		action.Fail(w, err)
		return
	}
	action.Respond(w, http.StatusOK, stats, "")
}

// queryInt returns the named query parameter, or fallback when it is absent
// or not a number.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
