package agent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/revalidate"
)

var (
	ErrNotManager      = action.Forbidden("You do not have permission to manage team members")
	ErrNotInDownline   = action.Forbidden("You do not have permission to manage this agent")
	ErrRoleChange      = action.Forbidden("You do not have permission to change roles")
	ErrRemoveSelf      = action.Conflict("You cannot remove yourself from the team")
	ErrStatsPermission = action.Forbidden("You do not have permission to view this agent's production")
)

const (
	referralAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	referralCodeLength = 8
	referralAttempts   = 5
)

type Service struct {
	repo        Repository
	revalidator revalidate.Revalidator
	codeGen     func() (string, error)
	passwordGen func() (string, error)
	now         func() time.Time
}

func NewService(repo Repository, revalidator revalidate.Revalidator) *Service {
	if revalidator == nil {
		revalidator = revalidate.Noop{}
	}
	return &Service{
		repo:        repo,
		revalidator: revalidator,
		codeGen:     generateReferralCode,
		passwordGen: generatePassword,
		now:         time.Now,
	}
}

func (s *Service) WithCodeGenerator(gen func() (string, error)) *Service {
	s.codeGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) GetProfile(ctx context.Context, session auth.Session) (Agent, error) {
	return s.repo.GetByID(ctx, session.OrganizationID, session.AgentID)
}

// UpdateProfile edits the caller's own contact details. Role is never
// changed through this path.
func (s *Service) UpdateProfile(ctx context.Context, session auth.Session, upd ProfileUpdate) (Agent, error) {
	if err := action.Validate(upd); err != nil {
		return Agent{}, err
	}
	a, err := s.repo.UpdateProfile(ctx, session.OrganizationID, session.AgentID, MemberUpdate{
		FullName:      trimmed(upd.FullName),
		Phone:         trimmed(upd.Phone),
		LicenseNumber: trimmed(upd.LicenseNumber),
	})
	if err != nil {
		return Agent{}, err
	}
	s.invalidate(ctx, revalidate.RouteProfile, revalidate.RouteTeam)
	return a, nil
}

func (s *Service) ListDownline(ctx context.Context, session auth.Session) ([]TeamMember, error) {
	return s.repo.Downline(ctx, session.AgentID)
}

func (s *Service) ListUpline(ctx context.Context, session auth.Session) ([]TeamMember, error) {
	return s.repo.Upline(ctx, session.AgentID)
}

// AddTeamMember creates an agent directly below the caller and returns the
// generated temporary password once.
func (s *Service) AddTeamMember(ctx context.Context, session auth.Session, req AddMemberRequest) (AddedMember, error) {
	if !session.Role.CanManageTeam() {
		return AddedMember{}, ErrNotManager
	}
	if err := action.Validate(req); err != nil {
		return AddedMember{}, err
	}
	role := req.Role
	if role == "" {
		role = auth.RoleAgent
	}
	if role != auth.RoleAgent && session.Role != auth.RoleAdmin {
		return AddedMember{}, ErrRoleChange
	}

	password, err := s.passwordGen()
	if err != nil {
		return AddedMember{}, fmt.Errorf("agent: generate password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AddedMember{}, fmt.Errorf("agent: hash password: %w", err)
	}

	created, err := s.repo.Create(ctx, CreateParams{
		OrganizationID: session.OrganizationID,
		UplineID:       session.AgentID,
		Email:          strings.TrimSpace(req.Email),
		FullName:       strings.TrimSpace(req.FullName),
		Phone:          trimmed(req.Phone),
		LicenseNumber:  trimmed(req.LicenseNumber),
		Role:           role,
		PasswordHash:   string(hash),
	})
	if err != nil {
		return AddedMember{}, err
	}

	s.invalidate(ctx, revalidate.RouteTeam)
	return AddedMember{Agent: created, TemporaryPassword: password}, nil
}

func (s *Service) UpdateTeamMember(ctx context.Context, session auth.Session, memberID string, upd MemberUpdate) (Agent, error) {
	if err := action.Validate(upd); err != nil {
		return Agent{}, err
	}
	if err := s.authorizeMember(ctx, session, memberID); err != nil {
		return Agent{}, err
	}
	if upd.Role != nil && session.Role != auth.RoleAdmin {
		return Agent{}, ErrRoleChange
	}

	upd.FullName = trimmed(upd.FullName)
	upd.Phone = trimmed(upd.Phone)
	upd.LicenseNumber = trimmed(upd.LicenseNumber)

	a, err := s.repo.UpdateProfile(ctx, session.OrganizationID, memberID, upd)
	if err != nil {
		return Agent{}, err
	}
	s.invalidate(ctx, revalidate.RouteTeam)
	return a, nil
}

// RemoveTeamMember deactivates the member; agents are never deleted so their
// prospects and signatures stay attributable.
func (s *Service) RemoveTeamMember(ctx context.Context, session auth.Session, memberID string) (Agent, error) {
	if memberID == session.AgentID {
		return Agent{}, ErrRemoveSelf
	}
	if err := s.authorizeMember(ctx, session, memberID); err != nil {
		return Agent{}, err
	}
	a, err := s.repo.Deactivate(ctx, session.OrganizationID, memberID)
	if err != nil {
		return Agent{}, err
	}
	s.invalidate(ctx, revalidate.RouteTeam)
	return a, nil
}

func (s *Service) authorizeMember(ctx context.Context, session auth.Session, memberID string) error {
	if !session.Role.CanManageTeam() {
		return ErrNotManager
	}
	if _, err := s.repo.GetByID(ctx, session.OrganizationID, memberID); err != nil {
		return err
	}
	if session.Role == auth.RoleAdmin {
		return nil
	}
	ok, err := s.repo.IsInDownline(ctx, session.AgentID, memberID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInDownline
	}
	return nil
}

// GetOrCreateReferralCode returns the agent's code, generating it on first
// use. Concurrent callers all observe the single stored code.
func (s *Service) GetOrCreateReferralCode(ctx context.Context, session auth.Session) (string, error) {
	a, err := s.repo.GetByID(ctx, session.OrganizationID, session.AgentID)
	if err != nil {
		return "", err
	}
	if a.ReferralCode != nil && *a.ReferralCode != "" {
		return *a.ReferralCode, nil
	}

	for attempt := 0; attempt < referralAttempts; attempt++ {
		code, err := s.codeGen()
		if err != nil {
			return "", fmt.Errorf("agent: generate referral code: %w", err)
		}
		stored, err := s.repo.ClaimReferralCode(ctx, session.AgentID, code)
		if errors.Is(err, ErrCodeCollision) {
			continue
		}
		if err != nil {
			return "", err
		}
		s.invalidate(ctx, revalidate.RouteProfile)
		return stored, nil
	}
	return "", fmt.Errorf("agent: referral code collisions exhausted after %d attempts", referralAttempts)
}

// ProductionStats reports the funnel for agentID alone and for agentID plus
// its whole downline. Callers may view themselves, their downline, or anyone
// in the organization when admin.
func (s *Service) ProductionStats(ctx context.Context, session auth.Session, agentID string) (ProductionStats, error) {
	if agentID == "" {
		agentID = session.AgentID
	}
	if _, err := s.repo.GetByID(ctx, session.OrganizationID, agentID); err != nil {
		return ProductionStats{}, err
	}
	if agentID != session.AgentID && session.Role != auth.RoleAdmin {
		ok, err := s.repo.IsInDownline(ctx, session.AgentID, agentID)
		if err != nil {
			return ProductionStats{}, err
		}
		if !ok {
			return ProductionStats{}, ErrStatsPermission
		}
	}

	downline, err := s.repo.Downline(ctx, agentID)
	if err != nil {
		return ProductionStats{}, err
	}
	teamIDs := make([]string, 0, len(downline)+1)
	teamIDs = append(teamIDs, agentID)
	for _, m := range downline {
		teamIDs = append(teamIDs, m.ID)
	}

	since := s.now().Add(-30 * 24 * time.Hour)
	var personal, team Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		personal, err = s.collect(gctx, []string{agentID}, since)
		return err
	})
	g.Go(func() error {
		var err error
		team, err = s.collect(gctx, teamIDs, since)
		return err
	})
	if err := g.Wait(); err != nil {
		return ProductionStats{}, err
	}

	return ProductionStats{
		AgentID:  agentID,
		Personal: personal,
		Team:     team,
		TeamSize: len(downline),
	}, nil
}

func (s *Service) collect(ctx context.Context, ids []string, since time.Time) (Stats, error) {
	var st Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		byStage, err := s.repo.CountByStage(gctx, ids)
		if err != nil {
			return err
		}
		st.ByStage = byStage
		for stage, n := range byStage {
			st.Prospects += n
			if stage == "PLACED" {
				st.Placed = n
			}
		}
		return nil
	})
	g.Go(func() error {
		n, err := s.repo.CountClients(gctx, ids)
		st.Clients = n
		return err
	})
	g.Go(func() error {
		n, err := s.repo.CountSignatures(gctx, ids)
		st.Signatures = n
		return err
	})
	g.Go(func() error {
		n, err := s.repo.CountMessagesSince(gctx, ids, since)
		st.MessagesSent30d = n
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *Service) invalidate(ctx context.Context, routes ...string) {
	revalidate.Run(ctx, s.revalidator, routes...)
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

func generateReferralCode() (string, error) {
	buf := make([]byte, referralCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, referralCodeLength)
	for i, b := range buf {
		out[i] = referralAlphabet[int(b)%len(referralAlphabet)]
	}
	return string(out), nil
}

func generatePassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
