package disclosure

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/db"
	"agencyflow/logging"
	"agencyflow/metrics"
	"agencyflow/revalidate"
	"agencyflow/timeline"
)

// LinkRetention is how long an expired link is kept before the sweep
// deletes it.
const LinkRetention = 30 * 24 * time.Hour

var (
	ErrLinkExpired       = action.Gone("This signing link has expired")
	ErrLinkRevoked       = action.Gone("This signing link has been revoked")
	ErrLinkOwner         = action.Forbidden("Only the agent who created this link can revoke it")
	ErrLinkDisclosure    = action.Invalid("disclosureIds", "must reference active disclosures available to you")
	ErrLinkNotConfigured = errors.New("disclosure: signing links need a public base url")
)

const (
	msgNotOnLink   = "not part of this signing link"
	msgUnavailable = "disclosure is no longer available"
	msgInactive    = "disclosure is no longer active"
	msgNoSignature = "disclosure does not require a signature"
)

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("disclosure: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateSigningLink issues a link a prospect can use to sign the given
// disclosures without an account. The token is only returned here.
func (s *Service) CreateSigningLink(ctx context.Context, session auth.Session, req CreateLinkRequest) (CreatedLink, error) {
	if err := action.Validate(req); err != nil {
		return CreatedLink{}, err
	}
	if s.baseURL == "" {
		return CreatedLink{}, ErrLinkNotConfigured
	}
	if _, err := s.prospects.Authorize(ctx, session, req.ProspectID); err != nil {
		return CreatedLink{}, err
	}

	ids := dedupe(req.DisclosureIDs)
	found, err := s.repo.GetMany(ctx, session.OrganizationID, ids)
	if err != nil {
		return CreatedLink{}, err
	}
	if len(found) != len(ids) {
		return CreatedLink{}, ErrLinkDisclosure
	}
	for _, d := range found {
		if !d.VisibleTo(session.AgentID) || !d.IsActive || !d.RequiresSignature {
			return CreatedLink{}, ErrLinkDisclosure
		}
	}

	token, err := s.tokens()
	if err != nil {
		return CreatedLink{}, err
	}

	var link SigningLink
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		link, err = s.repo.InsertLink(ctx, tx, SigningLink{
			OrganizationID: session.OrganizationID,
			AgentID:        session.AgentID,
			ProspectID:     req.ProspectID,
			DisclosureIDs:  ids,
			ExpiresAt:      s.now().Add(s.linkTTL),
		}, hashToken(token))
		if err != nil {
			return err
		}
		if s.timeline == nil {
			return nil
		}
		if err := s.timeline.Append(ctx, tx, req.ProspectID, session.AgentID, timeline.TypeSigningLinkSent, map[string]any{
			"link_id":        link.ID,
			"disclosure_ids": ids,
			"expires_at":     link.ExpiresAt,
		}); err != nil {
			return fmt.Errorf("disclosure: append timeline: %w", err)
		}
		return nil
	})
	if err != nil {
		return CreatedLink{}, err
	}

	return CreatedLink{Link: link, URL: s.baseURL + "/sign/" + token}, nil
}

// ResolveSigningLink returns what the holder of token is asked to sign.
func (s *Service) ResolveSigningLink(ctx context.Context, token string) (ResolvedLink, error) {
	var (
		link   SigningLink
		signed map[string]bool
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		link, err = s.activeLink(ctx, tx, token)
		if err != nil {
			return err
		}
		signed, err = s.repo.SignedCurrentVersions(ctx, tx, link.ProspectID, link.DisclosureIDs)
		return err
	})
	if err != nil {
		return ResolvedLink{}, err
	}

	found, err := s.repo.GetMany(ctx, link.OrganizationID, link.DisclosureIDs)
	if err != nil {
		return ResolvedLink{}, err
	}
	parties, err := s.repo.LinkParties(ctx, link)
	if err != nil {
		return ResolvedLink{}, err
	}

	byID := make(map[string]Disclosure, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}
	out := ResolvedLink{
		LinkID:       link.ID,
		ProspectName: parties.ProspectName,
		AgentName:    parties.AgentName,
		ExpiresAt:    link.ExpiresAt,
		Completed:    link.CompletedAt != nil,
		Disclosures:  make([]LinkDisclosure, 0, len(link.DisclosureIDs)),
	}
	for _, id := range link.DisclosureIDs {
		item := LinkDisclosure{ID: id, Signed: signed[id]}
		if d, ok := byID[id]; ok {
			item.Title = d.Title
			item.Content = d.Content
			item.Version = d.Version
			item.Available = d.IsActive && d.RequiresSignature && d.VisibleTo(link.AgentID)
		}
		out.Disclosures = append(out.Disclosures, item)
	}
	return out, nil
}

// SubmitSigningLink signs the requested disclosures of the link as its
// prospect. An empty selection signs everything on the link. Each item is
// reported separately so that one already signed disclosure does not block
// the others.
func (s *Service) SubmitSigningLink(ctx context.Context, token string, req SubmitRequest, sc SignContext) (SubmitResult, error) {
	if err := action.Validate(req); err != nil {
		return SubmitResult{}, err
	}

	var res SubmitResult
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		link, err := s.activeLink(ctx, tx, token)
		if err != nil {
			return err
		}

		onLink := make(map[string]bool, len(link.DisclosureIDs))
		for _, id := range link.DisclosureIDs {
			onLink[id] = true
		}
		requested := dedupe(req.DisclosureIDs)
		if len(requested) == 0 {
			requested = link.DisclosureIDs
		}

		prospectID := link.ProspectID
		who := signer{kind: SignerProspect, id: prospectID, prospectID: &prospectID, name: req.SignerName}
		res.Items = make([]SubmitItem, 0, len(requested))
		for _, id := range requested {
			item, err := s.submitOne(ctx, tx, link, id, onLink[id], who, sc)
			if err != nil {
				return err
			}
			res.Items = append(res.Items, item)
		}

		signed, err := s.repo.SignedCurrentVersions(ctx, tx, prospectID, link.DisclosureIDs)
		if err != nil {
			return err
		}
		for _, id := range link.DisclosureIDs {
			if signed[id] {
				continue
			}
			pending, err := s.awaitingSignature(ctx, tx, link, id)
			if err != nil {
				return err
			}
			if pending {
				return nil
			}
		}
		res.Completed = true
		return s.repo.CompleteLink(ctx, tx, link.ID)
	})
	if err != nil {
		return SubmitResult{}, err
	}

	for _, item := range res.Items {
		if item.Status == SubmitSigned {
			metrics.RecordSignature(string(SignerProspect))
		}
	}
	s.invalidate(ctx, revalidate.RouteProspects, revalidate.RouteTeamStats)
	return res, nil
}

func (s *Service) submitOne(ctx context.Context, tx pgx.Tx, link SigningLink, id string, onLink bool, who signer, sc SignContext) (SubmitItem, error) {
	item := SubmitItem{DisclosureID: id, Status: SubmitUnavailable}
	if !onLink {
		item.Message = msgNotOnLink
		return item, nil
	}
	d, err := s.repo.GetForShare(ctx, tx, link.OrganizationID, id)
	if errors.Is(err, ErrNotFound) {
		item.Message = msgUnavailable
		return item, nil
	}
	if err != nil {
		return SubmitItem{}, err
	}
	item.Version = d.Version
	if !d.VisibleTo(link.AgentID) {
		item.Message = msgUnavailable
		return item, nil
	}

	_, err = s.signInTx(ctx, tx, d, who, sc)
	switch {
	case err == nil:
		item.Status = SubmitSigned
	case errors.Is(err, ErrAlreadySigned):
		item.Status = SubmitAlreadySigned
	case errors.Is(err, ErrInactive):
		item.Message = msgInactive
	case errors.Is(err, ErrNoSignature):
		item.Message = msgNoSignature
	default:
		return SubmitItem{}, err
	}
	return item, nil
}

// awaitingSignature reports whether id on link can still be signed. A
// disclosure deactivated or removed after the link was sent no longer holds
// the link open.
func (s *Service) awaitingSignature(ctx context.Context, tx pgx.Tx, link SigningLink, id string) (bool, error) {
	d, err := s.repo.GetForShare(ctx, tx, link.OrganizationID, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.IsActive && d.RequiresSignature && d.VisibleTo(link.AgentID), nil
}

// RevokeSigningLink disables a link before it expires.
func (s *Service) RevokeSigningLink(ctx context.Context, session auth.Session, linkID string) (SigningLink, error) {
	link, err := s.repo.GetLink(ctx, session.OrganizationID, linkID)
	if err != nil {
		return SigningLink{}, err
	}
	if link.AgentID != session.AgentID {
		return SigningLink{}, ErrLinkOwner
	}
	return s.repo.RevokeLink(ctx, linkID)
}

// SweepExpiredLinks deletes links that expired more than LinkRetention ago.
func (s *Service) SweepExpiredLinks(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredLinks(ctx, s.now().Add(-LinkRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Logger.WithField("deleted", n).Info("swept expired signing links")
	}
	return n, nil
}

func (s *Service) activeLink(ctx context.Context, q db.DBTX, token string) (SigningLink, error) {
	if token == "" {
		return SigningLink{}, ErrLinkNotFound
	}
	link, err := s.repo.GetLinkByHash(ctx, q, hashToken(token))
	if err != nil {
		return SigningLink{}, err
	}
	if link.RevokedAt != nil {
		return SigningLink{}, ErrLinkRevoked
	}
	if !s.now().Before(link.ExpiresAt) {
		return SigningLink{}, ErrLinkExpired
	}
	return link, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
