package disclosure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/db"
	"agencyflow/metrics"
	"agencyflow/outbox"
	"agencyflow/prospect"
	"agencyflow/revalidate"
	"agencyflow/timeline"
)

var (
	ErrGlobalPermission = action.Forbidden("Only managers and admins can manage organization disclosures")
	ErrInactive         = action.Invalid("disclosureId", "disclosure is no longer active")
	ErrNoSignature      = action.Invalid("disclosureId", "disclosure does not require a signature")
	ErrProspectRequired = action.Invalid("prospectId", "is required when the signer is a prospect")
)

// ProspectAuthorizer checks that a session may view a prospect.
type ProspectAuthorizer interface {
	Authorize(ctx context.Context, session auth.Session, prospectID string) (prospect.Detail, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, q db.DBTX, prospectID, actorID, activityType string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, q db.DBTX, topic string, payload map[string]any) error
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	prospects   ProspectAuthorizer
	timeline    TimelineWriter
	outbox      OutboxWriter
	revalidator revalidate.Revalidator
	baseURL     string
	linkTTL     time.Duration
	tokens      func() (string, error)
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, prospects ProspectAuthorizer, timeline TimelineWriter, outbox OutboxWriter, revalidator revalidate.Revalidator) *Service {
	if revalidator == nil {
		revalidator = revalidate.Noop{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		prospects:   prospects,
		timeline:    timeline,
		outbox:      outbox,
		revalidator: revalidator,
		linkTTL:     72 * time.Hour,
		tokens:      newToken,
		now:         time.Now,
	}
}

// WithSigningLinks sets the public base URL and lifetime of signing links.
func (s *Service) WithSigningLinks(baseURL string, ttl time.Duration) *Service {
	s.baseURL = strings.TrimRight(baseURL, "/")
	if ttl > 0 {
		s.linkTTL = ttl
	}
	return s
}

func (s *Service) WithTokenGenerator(gen func() (string, error)) *Service {
	s.tokens = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, session auth.Session, req CreateRequest) (Disclosure, error) {
	if err := action.Validate(req); err != nil {
		return Disclosure{}, err
	}
	if req.Global && !session.Role.CanManageTeam() {
		return Disclosure{}, ErrGlobalPermission
	}

	requiredFor := make([]string, 0, len(req.RequiredFor))
	for _, p := range req.RequiredFor {
		requiredFor = append(requiredFor, strings.TrimSpace(p))
	}
	requiresSignature := true
	if req.RequiresSignature != nil {
		requiresSignature = *req.RequiresSignature
	}

	d := Disclosure{
		OrganizationID:    session.OrganizationID,
		Title:             strings.TrimSpace(req.Title),
		Description:       req.Description,
		Content:           req.Content,
		RequiredFor:       requiredFor,
		RequiresSignature: requiresSignature,
	}
	if !req.Global {
		owner := session.AgentID
		d.AgentID = &owner
	}

	var created Disclosure
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		created, err = s.repo.Create(ctx, tx, d)
		return err
	})
	if err != nil {
		return Disclosure{}, err
	}

	s.invalidate(ctx)
	return created, nil
}

// Get returns a disclosure the session owns or that is organization-wide.
func (s *Service) Get(ctx context.Context, session auth.Session, id string) (Disclosure, error) {
	d, err := s.repo.Get(ctx, session.OrganizationID, id)
	if err != nil {
		return Disclosure{}, err
	}
	if !d.VisibleTo(session.AgentID) {
		return Disclosure{}, ErrNotFound
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, session auth.Session, filters Filters) ([]Disclosure, error) {
	filters.Product = strings.TrimSpace(filters.Product)
	return s.repo.List(ctx, session.OrganizationID, session.AgentID, filters)
}

// Update edits a disclosure. A change to its content starts a new version;
// signatures on earlier versions are kept as they were.
func (s *Service) Update(ctx context.Context, session auth.Session, id string, req UpdateRequest) (Disclosure, error) {
	if err := action.Validate(req); err != nil {
		return Disclosure{}, err
	}

	var updated Disclosure
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.lockForEdit(ctx, tx, session, id)
		if err != nil {
			return err
		}
		version := current.Version
		if req.Content != nil && *req.Content != current.Content {
			version++
		}
		updated, err = s.repo.Update(ctx, tx, id, current.Version, version, req)
		return err
	})
	if err != nil {
		return Disclosure{}, err
	}

	s.invalidate(ctx)
	return updated, nil
}

// Delete removes a disclosure nobody has signed. Signed disclosures are only
// deactivated so their signatures stay resolvable.
func (s *Service) Delete(ctx context.Context, session auth.Session, id string) (DeleteResult, error) {
	res := DeleteResult{ID: id}
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.lockForEdit(ctx, tx, session, id); err != nil {
			return err
		}
		n, err := s.repo.CountSignatures(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			err = s.repo.HardDelete(ctx, tx, id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrHasSignatures) {
				return err
			}
		}
		res.SoftDeleted = true
		return s.repo.SoftDelete(ctx, tx, id)
	})
	if err != nil {
		return DeleteResult{}, err
	}

	s.invalidate(ctx)
	return res, nil
}

// Sign records a signature captured in the agent's session. A prospect
// signer requires view access to that prospect.
func (s *Service) Sign(ctx context.Context, session auth.Session, disclosureID string, req SignRequest, sc SignContext) (Signature, error) {
	if err := action.Validate(req); err != nil {
		return Signature{}, err
	}

	var prospectID *string
	if req.ProspectID != nil && *req.ProspectID != "" {
		if _, err := s.prospects.Authorize(ctx, session, *req.ProspectID); err != nil {
			return Signature{}, err
		}
		prospectID = req.ProspectID
	}

	signerID := session.AgentID
	if req.SignerType == SignerProspect {
		if prospectID == nil {
			return Signature{}, ErrProspectRequired
		}
		signerID = *prospectID
	}

	var sig Signature
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := s.repo.GetForShare(ctx, tx, session.OrganizationID, disclosureID)
		if err != nil {
			return err
		}
		if !d.VisibleTo(session.AgentID) {
			return ErrNotFound
		}
		sig, err = s.signInTx(ctx, tx, d, signer{
			kind:       req.SignerType,
			id:         signerID,
			prospectID: prospectID,
			name:       strings.TrimSpace(req.SignerName),
			actorID:    session.AgentID,
		}, sc)
		return err
	})
	if err != nil {
		return Signature{}, err
	}

	metrics.RecordSignature(string(sig.SignerType))
	s.invalidate(ctx, revalidate.RouteProspects, revalidate.RouteTeamStats)
	return sig, nil
}

type signer struct {
	kind       SignerType
	id         string
	prospectID *string
	name       string
	actorID    string
}

// signInTx snapshots d as locked by the caller and records the signature
// with its activity and event on tx.
func (s *Service) signInTx(ctx context.Context, tx pgx.Tx, d Disclosure, who signer, sc SignContext) (Signature, error) {
	if !d.IsActive {
		return Signature{}, ErrInactive
	}
	if !d.RequiresSignature {
		return Signature{}, ErrNoSignature
	}

	sig, err := s.repo.InsertSignature(ctx, tx, Signature{
		DisclosureID:    d.ID,
		SignerType:      who.kind,
		SignerID:        who.id,
		ProspectID:      who.prospectID,
		Version:         d.Version,
		ContentSnapshot: d.Content,
		TitleSnapshot:   d.Title,
		SignerName:      who.name,
		IPAddress:       nonEmpty(sc.IPAddress),
		UserAgent:       nonEmpty(sc.UserAgent),
	})
	if err != nil {
		return Signature{}, err
	}

	payload := map[string]any{
		"signature_id":  sig.ID,
		"disclosure_id": d.ID,
		"version":       d.Version,
		"title":         d.Title,
		"signer_type":   who.kind,
		"signer_id":     who.id,
		"signer_name":   who.name,
	}
	if who.prospectID != nil {
		payload["prospect_id"] = *who.prospectID
		if s.timeline != nil {
			if err := s.timeline.Append(ctx, tx, *who.prospectID, who.actorID, timeline.TypeDisclosureSigned, payload); err != nil {
				return Signature{}, fmt.Errorf("disclosure: append timeline: %w", err)
			}
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisclosureSigned, payload); err != nil {
			return Signature{}, fmt.Errorf("disclosure: enqueue outbox: %w", err)
		}
	}
	return sig, nil
}

func (s *Service) ListSignaturesForProspect(ctx context.Context, session auth.Session, prospectID string) ([]Signature, error) {
	if _, err := s.prospects.Authorize(ctx, session, prospectID); err != nil {
		return nil, err
	}
	return s.repo.ListSignaturesForProspect(ctx, prospectID)
}

// lockForEdit loads the disclosure for update and checks the session may
// change it: the owner for personal disclosures, a manager or admin for
// organization-wide ones.
func (s *Service) lockForEdit(ctx context.Context, tx pgx.Tx, session auth.Session, id string) (Disclosure, error) {
	d, err := s.repo.GetForUpdate(ctx, tx, session.OrganizationID, id)
	if err != nil {
		return Disclosure{}, err
	}
	if !d.VisibleTo(session.AgentID) {
		return Disclosure{}, ErrNotFound
	}
	if d.IsGlobal() && !session.Role.CanManageTeam() {
		return Disclosure{}, ErrGlobalPermission
	}
	return d, nil
}

func (s *Service) invalidate(ctx context.Context, extra ...string) {
	revalidate.Run(ctx, s.revalidator, append([]string{revalidate.RouteDisclosures}, extra...)...)
}

func nonEmpty(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
