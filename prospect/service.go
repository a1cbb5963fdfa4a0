package prospect

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/db"
	"agencyflow/outbox"
	"agencyflow/revalidate"
	"agencyflow/timeline"
)

var (
	ErrViewPermission  = action.Forbidden("You do not have permission to view this prospect")
	ErrEditPermission  = action.Forbidden("You do not have permission to edit this prospect")
	ErrOwnerPermission = action.Forbidden("Only the prospect owner has permission to do this")
	ErrShareSelf       = action.Invalid("agentId", "cannot share a prospect with its owner")
	ErrShareTarget     = action.Invalid("agentId", "must be an active agent in your organization")
	ErrShareNotFound   = action.NotFound("Share not found")
)

type TimelineWriter interface {
	Append(ctx context.Context, q db.DBTX, prospectID, actorID, activityType string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, q db.DBTX, topic string, payload map[string]any) error
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	timeline    TimelineWriter
	outbox      OutboxWriter
	revalidator revalidate.Revalidator
	idGenerator func() string
	now         func() time.Time
}

type ListResult struct {
	Items    []ListItem `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

func NewService(pool db.TxBeginner, repo Repository, timeline TimelineWriter, outbox OutboxWriter, revalidator revalidate.Revalidator) *Service {
	if revalidator == nil {
		revalidator = revalidate.Noop{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		timeline:    timeline,
		outbox:      outbox,
		revalidator: revalidator,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AccessFor resolves what session may do with p. Owners have full access;
// other agents need a share, where edit implies view.
func (s *Service) AccessFor(ctx context.Context, session auth.Session, p Prospect) (Access, error) {
	if p.AgentID == session.AgentID {
		return Access{IsOwner: true, CanView: true, CanEdit: true}, nil
	}
	share, err := s.repo.GetShare(ctx, p.ID, session.AgentID)
	if errors.Is(err, ErrNoShare) {
		return Access{}, nil
	}
	if err != nil {
		return Access{}, err
	}
	return Access{CanView: share.CanView || share.CanEdit, CanEdit: share.CanEdit}, nil
}

// Authorize loads a prospect and checks the caller may at least view it.
// Other packages use it to scope work on prospects.
func (s *Service) Authorize(ctx context.Context, session auth.Session, prospectID string) (Detail, error) {
	p, err := s.repo.Get(ctx, session.OrganizationID, prospectID)
	if err != nil {
		return Detail{}, err
	}
	access, err := s.AccessFor(ctx, session, p)
	if err != nil {
		return Detail{}, err
	}
	if !access.CanView {
		return Detail{}, ErrViewPermission
	}
	return Detail{Prospect: p, Access: access}, nil
}

func (s *Service) Get(ctx context.Context, session auth.Session, prospectID string) (Detail, error) {
	return s.Authorize(ctx, session, prospectID)
}

func (s *Service) Create(ctx context.Context, session auth.Session, req CreateRequest) (Prospect, error) {
	if err := action.Validate(req); err != nil {
		return Prospect{}, err
	}
	status := req.Status
	if status == "" {
		status = StatusNew
	}

	p := Prospect{
		ID:                     s.idGenerator(),
		OrganizationID:         session.OrganizationID,
		AgentID:                session.AgentID,
		FirstName:              strings.TrimSpace(req.FirstName),
		LastName:               strings.TrimSpace(req.LastName),
		Email:                  nonEmpty(req.Email),
		Phone:                  nonEmpty(req.Phone),
		DateOfBirth:            nonEmpty(req.DateOfBirth),
		Source:                 nonEmpty(req.Source),
		Status:                 status,
		Stage:                  StageLead,
		AnnualIncome:           req.AnnualIncome,
		ExistingCoverage:       req.ExistingCoverage,
		TotalDebt:              req.TotalDebt,
		MortgageBalance:        req.MortgageBalance,
		EducationNeeds:         req.EducationNeeds,
		Savings:                req.Savings,
		IncomeReplacementYears: req.IncomeReplacementYears,
		Notes:                  nonEmpty(req.Notes),
	}

	var created Prospect
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		created, err = s.CreateInTx(ctx, tx, session.AgentID, p, timeline.TypeCreated, nil)
		return err
	})
	if err != nil {
		return Prospect{}, err
	}

	s.invalidate(ctx)
	return created, nil
}

// CreateInTx inserts p on the caller's transaction and records the creation
// activity. Contact conversion uses it to create the prospect atomically with
// the contact update.
func (s *Service) CreateInTx(ctx context.Context, tx pgx.Tx, actorID string, p Prospect, activity string, extra map[string]any) (Prospect, error) {
	if p.ID == "" {
		p.ID = s.idGenerator()
	}
	if p.Status == "" {
		p.Status = StatusNew
	}
	if p.Stage == "" {
		p.Stage = StageLead
	}
	created, err := s.repo.Create(ctx, tx, p)
	if err != nil {
		return Prospect{}, err
	}
	payload := map[string]any{"status": created.Status, "stage": created.Stage}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.appendTimeline(ctx, tx, created.ID, actorID, activity, payload); err != nil {
		return Prospect{}, err
	}
	return created, nil
}

func (s *Service) Update(ctx context.Context, session auth.Session, prospectID string, req UpdateRequest) (Prospect, error) {
	if err := action.Validate(req); err != nil {
		return Prospect{}, err
	}

	var updated Prospect
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.lockForEdit(ctx, tx, session, prospectID); err != nil {
			return err
		}
		var err error
		updated, err = s.repo.Update(ctx, tx, prospectID, req)
		if err != nil {
			return err
		}
		return s.appendTimeline(ctx, tx, prospectID, session.AgentID, timeline.TypeUpdated, map[string]any{
			"fields": changedFields(req),
		})
	})
	if err != nil {
		return Prospect{}, err
	}

	s.invalidate(ctx)
	return updated, nil
}

// Delete removes the prospect; only its owner may do so.
func (s *Service) Delete(ctx context.Context, session auth.Session, prospectID string) error {
	p, err := s.repo.Get(ctx, session.OrganizationID, prospectID)
	if err != nil {
		return err
	}
	if p.AgentID != session.AgentID {
		return ErrOwnerPermission
	}
	if err := s.repo.Delete(ctx, prospectID); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// UpdateStage moves the prospect through the funnel. Reaching PLACED also
// makes the prospect a client.
func (s *Service) UpdateStage(ctx context.Context, session auth.Session, prospectID string, req StageRequest) (Prospect, error) {
	if err := action.Validate(req); err != nil {
		return Prospect{}, err
	}

	var updated Prospect
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.lockForEdit(ctx, tx, session, prospectID)
		if err != nil {
			return err
		}
		var status *Status
		if req.Stage == StagePlaced {
			client := StatusClient
			status = &client
		}
		updated, err = s.repo.SetStage(ctx, tx, prospectID, req.Stage, status)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"prospect_id": prospectID,
			"from":        current.Stage,
			"to":          updated.Stage,
			"actor_id":    session.AgentID,
		}
		if err := s.appendTimeline(ctx, tx, prospectID, session.AgentID, timeline.TypeStageChanged, payload); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, outbox.TopicProspectStageChanged, payload)
	})
	if err != nil {
		return Prospect{}, err
	}

	s.invalidate(ctx)
	return updated, nil
}

func (s *Service) UpdateStatus(ctx context.Context, session auth.Session, prospectID string, req StatusRequest) (Prospect, error) {
	if err := action.Validate(req); err != nil {
		return Prospect{}, err
	}

	var updated Prospect
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.lockForEdit(ctx, tx, session, prospectID)
		if err != nil {
			return err
		}
		updated, err = s.repo.SetStatus(ctx, tx, prospectID, req.Status)
		if err != nil {
			return err
		}
		return s.appendTimeline(ctx, tx, prospectID, session.AgentID, timeline.TypeStatusChanged, map[string]any{
			"from": current.Status,
			"to":   updated.Status,
		})
	})
	if err != nil {
		return Prospect{}, err
	}

	s.invalidate(ctx)
	return updated, nil
}

func (s *Service) List(ctx context.Context, session auth.Session, filters Filters) (ListResult, error) {
	filters.AgentID = session.AgentID
	filters.OrganizationID = session.OrganizationID
	if filters.Status != "" && !filters.Status.Valid() {
		return ListResult{}, action.Invalid("status", "is not a valid status")
	}
	if filters.Stage != "" && !filters.Stage.Valid() {
		return ListResult{}, action.Invalid("stage", "is not a valid stage")
	}
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	page, size := filters.Page, filters.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return ListResult{Items: items, Total: total, Page: page, PageSize: size}, nil
}

// Share grants another agent in the organization access to the prospect.
// Sharing again with the same agent replaces the flags.
func (s *Service) Share(ctx context.Context, session auth.Session, prospectID string, req ShareRequest) (Share, error) {
	if err := action.Validate(req); err != nil {
		return Share{}, err
	}
	if req.AgentID == session.AgentID {
		return Share{}, ErrShareSelf
	}

	p, err := s.repo.Get(ctx, session.OrganizationID, prospectID)
	if err != nil {
		return Share{}, err
	}
	if p.AgentID != session.AgentID {
		return Share{}, ErrOwnerPermission
	}
	ok, err := s.repo.ActiveAgentInOrg(ctx, session.OrganizationID, req.AgentID)
	if err != nil {
		return Share{}, err
	}
	if !ok {
		return Share{}, ErrShareTarget
	}

	canView := true
	if req.CanView != nil {
		canView = *req.CanView
	}
	if req.CanEdit {
		canView = true
	}
	if !canView {
		return Share{}, action.Invalid("canView", "a share must grant at least view access")
	}

	var saved Share
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		saved, err = s.repo.UpsertShare(ctx, tx, Share{
			ProspectID:   prospectID,
			OwnerAgentID: session.AgentID,
			SharedWithID: req.AgentID,
			CanView:      canView,
			CanEdit:      req.CanEdit,
			Note:         nonEmpty(req.Note),
		})
		if err != nil {
			return err
		}
		payload := map[string]any{
			"prospect_id":    prospectID,
			"owner_agent_id": session.AgentID,
			"shared_with_id": req.AgentID,
			"can_view":       canView,
			"can_edit":       req.CanEdit,
		}
		if err := s.appendTimeline(ctx, tx, prospectID, session.AgentID, timeline.TypeShared, payload); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, outbox.TopicProspectShared, payload)
	})
	if err != nil {
		return Share{}, err
	}

	s.invalidate(ctx)
	return saved, nil
}

func (s *Service) Unshare(ctx context.Context, session auth.Session, prospectID, agentID string) error {
	p, err := s.repo.Get(ctx, session.OrganizationID, prospectID)
	if err != nil {
		return err
	}
	if p.AgentID != session.AgentID {
		return ErrOwnerPermission
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		removed, err := s.repo.DeleteShare(ctx, tx, prospectID, agentID)
		if err != nil {
			return err
		}
		if !removed {
			return ErrShareNotFound
		}
		return s.appendTimeline(ctx, tx, prospectID, session.AgentID, timeline.TypeUnshared, map[string]any{
			"shared_with_id": agentID,
		})
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx)
	return nil
}

func (s *Service) ListShares(ctx context.Context, session auth.Session, prospectID string) ([]Share, error) {
	p, err := s.repo.Get(ctx, session.OrganizationID, prospectID)
	if err != nil {
		return nil, err
	}
	if p.AgentID != session.AgentID {
		return nil, ErrOwnerPermission
	}
	return s.repo.ListShares(ctx, prospectID)
}

func (s *Service) ListSharedWithMe(ctx context.Context, session auth.Session) ([]SharedProspect, error) {
	return s.repo.ListSharedWithMe(ctx, session.AgentID)
}

func (s *Service) ListActivity(ctx context.Context, session auth.Session, prospectID string, limit int) ([]timeline.Activity, error) {
	if _, err := s.Authorize(ctx, session, prospectID); err != nil {
		return nil, err
	}
	return s.repo.ListActivity(ctx, prospectID, limit)
}

var csvHeader = []string{"First Name", "Last Name", "Email", "Phone", "Status", "Stage", "Source", "Created"}

// ExportCSV writes every prospect matching filters, ignoring paging.
func (s *Service) ExportCSV(ctx context.Context, session auth.Session, filters Filters, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("prospect: write csv header: %w", err)
	}

	filters.PageSize = 100
	for page := 1; ; page++ {
		filters.Page = page
		res, err := s.List(ctx, session, filters)
		if err != nil {
			return err
		}
		for _, item := range res.Items {
			record := []string{
				item.FirstName,
				item.LastName,
				deref(item.Email),
				deref(item.Phone),
				string(item.Status),
				string(item.Stage),
				deref(item.Source),
				item.CreatedAt.Format("2006-01-02"),
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("prospect: write csv row: %w", err)
			}
		}
		if len(res.Items) == 0 || page*filters.PageSize >= res.Total {
			break
		}
	}

	cw.Flush()
	return cw.Error()
}

func (s *Service) lockForEdit(ctx context.Context, tx pgx.Tx, session auth.Session, prospectID string) (Prospect, error) {
	p, err := s.repo.GetForUpdate(ctx, tx, session.OrganizationID, prospectID)
	if err != nil {
		return Prospect{}, err
	}
	access, err := s.AccessFor(ctx, session, p)
	if err != nil {
		return Prospect{}, err
	}
	if !access.CanView {
		return Prospect{}, ErrViewPermission
	}
	if !access.CanEdit {
		return Prospect{}, ErrEditPermission
	}
	return p, nil
}

func (s *Service) appendTimeline(ctx context.Context, tx pgx.Tx, prospectID, actorID, activity string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	if err := s.timeline.Append(ctx, tx, prospectID, actorID, activity, payload); err != nil {
		return fmt.Errorf("prospect: append timeline: %w", err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("prospect: enqueue outbox: %w", err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	revalidate.Run(ctx, s.revalidator, revalidate.RouteProspects, revalidate.RouteTeamStats)
}

func changedFields(req UpdateRequest) []string {
	var out []string
	add := func(name string, set bool) {
		if set {
			out = append(out, name)
		}
	}
	add("firstName", req.FirstName != nil)
	add("lastName", req.LastName != nil)
	add("email", req.Email != nil)
	add("phone", req.Phone != nil)
	add("dateOfBirth", req.DateOfBirth != nil)
	add("source", req.Source != nil)
	add("annualIncome", req.AnnualIncome != nil)
	add("existingCoverage", req.ExistingCoverage != nil)
	add("totalDebt", req.TotalDebt != nil)
	add("mortgageBalance", req.MortgageBalance != nil)
	add("educationNeeds", req.EducationNeeds != nil)
	add("savings", req.Savings != nil)
	add("incomeReplacementYears", req.IncomeReplacementYears != nil)
	add("notes", req.Notes != nil)
	return out
}

func nonEmpty(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
