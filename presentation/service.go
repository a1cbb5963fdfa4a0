package presentation

import (
	"context"
	"strings"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/prospect"
	"agencyflow/revalidate"
)

type ProspectAuthorizer interface {
	Authorize(ctx context.Context, session auth.Session, prospectID string) (prospect.Detail, error)
}

type Service struct {
	repo        Repository
	prospects   ProspectAuthorizer
	revalidator revalidate.Revalidator
}

func NewService(repo Repository, prospects ProspectAuthorizer, revalidator revalidate.Revalidator) *Service {
	if revalidator == nil {
		revalidator = revalidate.Noop{}
	}
	return &Service{repo: repo, prospects: prospects, revalidator: revalidator}
}

// ProspectNeeds runs the needs analysis for a prospect the session can view.
func (s *Service) ProspectNeeds(ctx context.Context, session auth.Session, prospectID string) (Needs, error) {
	detail, err := s.prospects.Authorize(ctx, session, prospectID)
	if err != nil {
		return Needs{}, err
	}
	return NeedsAnalysis(detail.Prospect), nil
}

func (s *Service) Create(ctx context.Context, session auth.Session, req CreateBusinessRequest) (BusinessProspect, error) {
	if err := action.Validate(req); err != nil {
		return BusinessProspect{}, err
	}
	if req.ProspectID != nil && *req.ProspectID != "" {
		if _, err := s.prospects.Authorize(ctx, session, *req.ProspectID); err != nil {
			return BusinessProspect{}, err
		}
	}
	created, err := s.repo.Create(ctx, BusinessProspect{
		OrganizationID:   session.OrganizationID,
		AgentID:          session.AgentID,
		ProspectID:       req.ProspectID,
		BusinessName:     strings.TrimSpace(req.BusinessName),
		Industry:         req.Industry,
		EntityType:       req.EntityType,
		Employees:        req.Employees,
		FinancialProfile: req.FinancialProfile,
	})
	if err != nil {
		return BusinessProspect{}, err
	}
	s.invalidate(ctx)
	return created, nil
}

func (s *Service) Get(ctx context.Context, session auth.Session, id string) (BusinessProspect, error) {
	return s.repo.Get(ctx, session.AgentID, id)
}

func (s *Service) List(ctx context.Context, session auth.Session) ([]BusinessProspect, error) {
	return s.repo.List(ctx, session.AgentID)
}

func (s *Service) Update(ctx context.Context, session auth.Session, id string, req UpdateBusinessRequest) (BusinessProspect, error) {
	if err := action.Validate(req); err != nil {
		return BusinessProspect{}, err
	}
	updated, err := s.repo.Update(ctx, session.AgentID, id, req)
	if err != nil {
		return BusinessProspect{}, err
	}
	s.invalidate(ctx)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, session auth.Session, id string) error {
	if err := s.repo.Delete(ctx, session.AgentID, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *Service) Analyze(ctx context.Context, session auth.Session, id string) (Analysis, error) {
	b, err := s.repo.Get(ctx, session.AgentID, id)
	if err != nil {
		return Analysis{}, err
	}
	return Analyze(b.FinancialProfile), nil
}

func (s *Service) Scenario(ctx context.Context, session auth.Session, id string, req ScenarioRequest) (Scenario, error) {
	if err := action.Validate(req); err != nil {
		return Scenario{}, err
	}
	b, err := s.repo.Get(ctx, session.AgentID, id)
	if err != nil {
		return Scenario{}, err
	}
	return RunScenario(b.FinancialProfile, req), nil
}

// RecordHistory snapshots the business's current figures as the given year.
func (s *Service) RecordHistory(ctx context.Context, session auth.Session, id string, req HistoryRequest) (HistoryEntry, error) {
	if err := action.Validate(req); err != nil {
		return HistoryEntry{}, err
	}
	b, err := s.repo.Get(ctx, session.AgentID, id)
	if err != nil {
		return HistoryEntry{}, err
	}
	a := Analyze(b.FinancialProfile)
	entry, err := s.repo.UpsertHistory(ctx, HistoryEntry{
		BusinessProspectID: b.ID,
		Year:               req.Year,
		AnnualRevenue:      b.AnnualRevenue,
		CostOfGoods:        b.CostOfGoods,
		OperatingExpenses:  b.OperatingExpenses,
		NetIncome:          a.NetIncome,
	})
	if err != nil {
		return HistoryEntry{}, err
	}
	s.invalidate(ctx)
	return entry, nil
}

func (s *Service) History(ctx context.Context, session auth.Session, id string) ([]HistoryEntry, error) {
	if _, err := s.repo.Get(ctx, session.AgentID, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}

func (s *Service) invalidate(ctx context.Context) {
	revalidate.Run(ctx, s.revalidator, revalidate.RouteBusiness)
}
