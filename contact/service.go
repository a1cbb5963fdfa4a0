package contact

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/db"
	"agencyflow/outbox"
	"agencyflow/prospect"
	"agencyflow/revalidate"
	"agencyflow/timeline"
)

var ErrAlreadyConverted = action.Conflict("Contact has already been converted to a prospect")

// ProspectCreator creates a prospect on the caller's transaction.
type ProspectCreator interface {
	CreateInTx(ctx context.Context, tx pgx.Tx, actorID string, p prospect.Prospect, activity string, extra map[string]any) (prospect.Prospect, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, q db.DBTX, topic string, payload map[string]any) error
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	prospects   ProspectCreator
	outbox      OutboxWriter
	revalidator revalidate.Revalidator
}

// ConvertResult pairs the converted contact with the prospect created from it.
type ConvertResult struct {
	Contact  Contact           `json:"contact"`
	Prospect prospect.Prospect `json:"prospect"`
}

func NewService(pool db.TxBeginner, repo Repository, prospects ProspectCreator, outbox OutboxWriter, revalidator revalidate.Revalidator) *Service {
	if revalidator == nil {
		revalidator = revalidate.Noop{}
	}
	return &Service{pool: pool, repo: repo, prospects: prospects, outbox: outbox, revalidator: revalidator}
}

func (s *Service) Create(ctx context.Context, session auth.Session, req CreateRequest) (Contact, error) {
	if err := action.Validate(req); err != nil {
		return Contact{}, err
	}
	temp := req.Temperature
	if temp == "" {
		temp = TemperatureCold
	}
	c, err := s.repo.Create(ctx, Contact{
		OrganizationID: session.OrganizationID,
		AgentID:        session.AgentID,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		Email:          nonEmpty(req.Email),
		Phone:          nonEmpty(req.Phone),
		Relationship:   nonEmpty(req.Relationship),
		Temperature:    temp,
		Notes:          nonEmpty(req.Notes),
	})
	if err != nil {
		return Contact{}, err
	}
	s.invalidate(ctx)
	return c, nil
}

func (s *Service) Get(ctx context.Context, session auth.Session, id string) (Contact, error) {
	return s.repo.Get(ctx, session.AgentID, id)
}

func (s *Service) List(ctx context.Context, session auth.Session, filters Filters) ([]Contact, error) {
	if filters.Temperature != "" && !filters.Temperature.Valid() {
		return nil, action.Invalid("temperature", "must be one of [COLD WARM HOT CONVERTED]")
	}
	return s.repo.List(ctx, session.AgentID, filters)
}

func (s *Service) Update(ctx context.Context, session auth.Session, id string, req UpdateRequest) (Contact, error) {
	if err := action.Validate(req); err != nil {
		return Contact{}, err
	}
	c, err := s.repo.Update(ctx, session.AgentID, id, req)
	if err != nil {
		return Contact{}, err
	}
	s.invalidate(ctx)
	return c, nil
}

// SetTemperature changes the manual rating. A converted contact keeps its
// CONVERTED rating.
func (s *Service) SetTemperature(ctx context.Context, session auth.Session, id string, req TemperatureRequest) (Contact, error) {
	if err := action.Validate(req); err != nil {
		return Contact{}, err
	}
	current, err := s.repo.Get(ctx, session.AgentID, id)
	if err != nil {
		return Contact{}, err
	}
	if current.Temperature == TemperatureConverted {
		return Contact{}, ErrAlreadyConverted
	}
	c, err := s.repo.SetTemperature(ctx, session.AgentID, id, req.Temperature)
	if err != nil {
		return Contact{}, err
	}
	s.invalidate(ctx)
	return c, nil
}

func (s *Service) Delete(ctx context.Context, session auth.Session, id string) error {
	if err := s.repo.Delete(ctx, session.AgentID, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ConvertToProspect creates a prospect from the contact and links the two in
// one transaction.
func (s *Service) ConvertToProspect(ctx context.Context, session auth.Session, id string) (ConvertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ConvertResult{}, fmt.Errorf("contact: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, session.AgentID, id)
	if err != nil {
		return ConvertResult{}, err
	}
	if c.Temperature == TemperatureConverted || c.ConvertedProspectID != nil {
		return ConvertResult{}, ErrAlreadyConverted
	}

	source := "Warm Market"
	if c.Relationship != nil {
		source = "Warm Market - " + *c.Relationship
	}
	p, err := s.prospects.CreateInTx(ctx, tx, session.AgentID, prospect.Prospect{
		OrganizationID: c.OrganizationID,
		AgentID:        session.AgentID,
		FirstName:      c.FirstName,
		LastName:       c.LastName,
		Email:          c.Email,
		Phone:          c.Phone,
		Source:         &source,
		Status:         prospect.StatusNew,
		Stage:          prospect.StageLead,
		Notes:          c.Notes,
	}, timeline.TypeConverted, map[string]any{"contact_id": c.ID})
	if err != nil {
		return ConvertResult{}, err
	}

	converted, err := s.repo.MarkConverted(ctx, tx, c.ID, p.ID)
	if err != nil {
		return ConvertResult{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"contact_id":  c.ID,
			"prospect_id": p.ID,
			"agent_id":    session.AgentID,
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicContactConverted, payload); err != nil {
			return ConvertResult{}, fmt.Errorf("contact: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ConvertResult{}, fmt.Errorf("contact: commit tx: %w", err)
	}

	s.invalidate(ctx, revalidate.RouteProspects, revalidate.RouteTeamStats)
	return ConvertResult{Contact: converted, Prospect: p}, nil
}

func (s *Service) invalidate(ctx context.Context, extra ...string) {
	revalidate.Run(ctx, s.revalidator, append([]string{revalidate.RouteContacts}, extra...)...)
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
