package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"agencyflow/action"
	"agencyflow/agent"
	"agencyflow/auth"
	"agencyflow/contact"
	"agencyflow/db"
	"agencyflow/metrics"
	"agencyflow/outbox"
	"agencyflow/presentation"
	"agencyflow/prospect"
	"agencyflow/revalidate"
	"agencyflow/timeline"
)

var (
	ErrNoRecipient        = action.Invalid("to", "a recipient is required")
	ErrNoBody             = action.Invalid("body", "a body or template is required")
	ErrNoSubject          = action.Invalid("subject", "is required for email")
	ErrNoPhone            = action.Invalid("to", "recipient has no phone number")
	ErrNoEmail            = action.Invalid("to", "recipient has no email address")
	ErrGlobalTemplate     = action.Forbidden("Only admins can manage organization templates")
)

type ProspectAuthorizer interface {
	Authorize(ctx context.Context, session auth.Session, prospectID string) (prospect.Detail, error)
}

type ContactReader interface {
	Get(ctx context.Context, session auth.Session, id string) (contact.Contact, error)
}

type AgentReader interface {
	GetProfile(ctx context.Context, session auth.Session) (agent.Agent, error)
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
	providers   Providers
	prospects   ProspectAuthorizer
	contacts    ContactReader
	agents      AgentReader
	timeline    TimelineWriter
	outbox      OutboxWriter
	revalidator revalidate.Revalidator
}

type Deps struct {
	Prospects   ProspectAuthorizer
	Contacts    ContactReader
	Agents      AgentReader
	Timeline    TimelineWriter
	Outbox      OutboxWriter
	Revalidator revalidate.Revalidator
}

func NewService(pool db.TxBeginner, repo Repository, providers Providers, deps Deps) *Service {
	if deps.Revalidator == nil {
		deps.Revalidator = revalidate.Noop{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		providers:   providers,
		prospects:   deps.Prospects,
		contacts:    deps.Contacts,
		agents:      deps.Agents,
		timeline:    deps.Timeline,
		outbox:      deps.Outbox,
		revalidator: deps.Revalidator,
	}
}

// recipient is who a message is addressed to and the values merged into it.
type recipient struct {
	prospectID *string
	contactID  *string
	email      string
	phone      string
	merge      MergeData
}

func (s *Service) resolve(ctx context.Context, session auth.Session, prospectID, contactID *string) (recipient, error) {
	var rc recipient
	profile, err := s.agents.GetProfile(ctx, session)
	if err != nil {
		return recipient{}, err
	}
	rc.merge.AgentName = profile.FullName

	switch {
	case prospectID != nil && *prospectID != "":
		detail, err := s.prospects.Authorize(ctx, session, *prospectID)
		if err != nil {
			return recipient{}, err
		}
		p := detail.Prospect
		rc.prospectID = &p.ID
		rc.email, rc.phone = deref(p.Email), deref(p.Phone)
		rc.merge.FirstName, rc.merge.LastName = p.FirstName, p.LastName
		rc.merge.ProtectionGap = presentation.NeedsAnalysis(p).ProtectionGap
	case contactID != nil && *contactID != "":
		c, err := s.contacts.Get(ctx, session, *contactID)
		if err != nil {
			return recipient{}, err
		}
		rc.contactID = &c.ID
		rc.email, rc.phone = deref(c.Email), deref(c.Phone)
		rc.merge.FirstName, rc.merge.LastName = c.FirstName, c.LastName
	}
	return rc, nil
}

// Send stores the message, hands it to the channel's provider once and
// records the outcome. A provider failure is not an error: the message is
// returned with status FAILED and the provider's error.
func (s *Service) Send(ctx context.Context, session auth.Session, req SendRequest) (Message, error) {
	if err := action.Validate(req); err != nil {
		return Message{}, err
	}
	explicitTo := strings.TrimSpace(deref(req.To))
	if explicitTo == "" && req.ProspectID == nil && req.ContactID == nil {
		return Message{}, ErrNoRecipient
	}

	rc, err := s.resolve(ctx, session, req.ProspectID, req.ContactID)
	if err != nil {
		return Message{}, err
	}

	subject, body := deref(req.Subject), deref(req.Body)
	var templateID *string
	if req.TemplateID != nil {
		t, err := s.visibleTemplate(ctx, session, *req.TemplateID)
		if err != nil {
			return Message{}, err
		}
		templateID = &t.ID
		if body == "" {
			body = t.Body
		}
		if subject == "" {
			subject = t.Subject
		}
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrNoBody
	}
	body = Merge(body, rc.merge)
	subject = Merge(subject, rc.merge)

	to := explicitTo
	if to == "" {
		if req.Channel == ChannelSMS {
			to = rc.phone
		} else {
			to = rc.email
		}
	}
	switch {
	case to == "" && req.Channel == ChannelSMS:
		return Message{}, ErrNoPhone
	case to == "":
		return Message{}, ErrNoEmail
	case req.Channel == ChannelEmail && strings.TrimSpace(subject) == "":
		return Message{}, ErrNoSubject
	}

	provider, from := s.providers.For(req.Channel)
	msg := Message{
		OrganizationID: session.OrganizationID,
		AgentID:        session.AgentID,
		ProspectID:     rc.prospectID,
		ContactID:      rc.contactID,
		Channel:        req.Channel,
		Direction:      DirectionOutbound,
		To:             to,
		From:           from,
		Body:           body,
		Status:         StatusQueued,
		TemplateID:     templateID,
	}
	if req.Channel == ChannelEmail {
		msg.Subject = &subject
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		msg, err = s.repo.InsertMessage(ctx, tx, msg)
		return err
	})
	if err != nil {
		return Message{}, err
	}

	providerID, sendErr := provider.Send(ctx, Outgoing{
		To:       to,
		From:     from,
		FromName: s.providers.FromName,
		Subject:  subject,
		Body:     body,
	})

	status, topic := StatusSent, outbox.TopicMessageSent
	var providerRef, errMsg *string
	if sendErr != nil {
		status, topic = StatusFailed, outbox.TopicMessageFailed
		e := sendErr.Error()
		errMsg = &e
	} else if providerID != "" {
		providerRef = &providerID
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		msg, err = s.repo.FinishMessage(ctx, tx, msg.ID, status, providerRef, errMsg)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"message_id": msg.ID,
			"agent_id":   msg.AgentID,
			"channel":    msg.Channel,
			"status":     msg.Status,
		}
		if msg.ProspectID != nil {
			payload["prospect_id"] = *msg.ProspectID
		}
		if msg.Error != nil {
			payload["error"] = *msg.Error
		}
		if status == StatusSent && msg.ProspectID != nil && s.timeline != nil {
			if err := s.timeline.Append(ctx, tx, *msg.ProspectID, session.AgentID, timeline.TypeMessageSent, payload); err != nil {
				return fmt.Errorf("messaging: append timeline: %w", err)
			}
		}
		return s.enqueue(ctx, tx, topic, payload)
	})
	if err != nil {
		return Message{}, err
	}

	metrics.RecordMessage(string(msg.Channel), string(msg.Status))
	s.invalidate(ctx, revalidate.RouteProspects, revalidate.RouteTeamStats)
	return msg, nil
}

func (s *Service) List(ctx context.Context, session auth.Session, filters Filters) ([]Message, error) {
	filters.AgentID = session.AgentID
	if err := action.CheckFilterID("prospectId", filters.ProspectID); err != nil {
		return nil, err
	}
	if err := action.CheckFilterID("contactId", filters.ContactID); err != nil {
		return nil, err
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, action.Invalid("status", "is not a valid status")
	}
	if filters.Channel != "" && filters.Channel != ChannelSMS && filters.Channel != ChannelEmail {
		return nil, action.Invalid("channel", "must be SMS or EMAIL")
	}
	if filters.Limit <= 0 || filters.Limit > 200 {
		filters.Limit = 50
	}
	return s.repo.List(ctx, filters)
}

// RecordInbound stores a reply and attaches it to the most recent outbound
// message sent to the same address. Redelivered webhooks are ignored.
func (s *Service) RecordInbound(ctx context.Context, in Inbound) (Message, error) {
	if in.Channel == "" {
		in.Channel = ChannelSMS
	}

	var saved Message
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if in.ProviderMessageID != "" {
			first, err := s.repo.ClaimIdempotency(ctx, tx, "inbound:"+in.ProviderMessageID)
			if err != nil {
				return err
			}
			if !first {
				return errDuplicate
			}
		}
		prev, err := s.repo.LatestOutboundTo(ctx, tx, in.Channel, in.From)
		if err != nil {
			return err
		}
		var providerID *string
		if in.ProviderMessageID != "" {
			providerID = &in.ProviderMessageID
		}
		saved, err = s.repo.InsertMessage(ctx, tx, Message{
			OrganizationID:    prev.OrganizationID,
			AgentID:           prev.AgentID,
			ProspectID:        prev.ProspectID,
			ContactID:         prev.ContactID,
			Channel:           in.Channel,
			Direction:         DirectionInbound,
			To:                in.To,
			From:              in.From,
			Body:              in.Body,
			Status:            StatusReceived,
			ProviderMessageID: providerID,
		})
		if err != nil {
			return err
		}
		if saved.ProspectID == nil || s.timeline == nil {
			return nil
		}
		if err := s.timeline.Append(ctx, tx, *saved.ProspectID, "", timeline.TypeMessageReceived, map[string]any{
			"message_id": saved.ID,
			"channel":    saved.Channel,
			"from":       saved.From,
		}); err != nil {
			return fmt.Errorf("messaging: append timeline: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return Message{}, nil
	}
	if err != nil {
		return Message{}, err
	}

	metrics.RecordMessage(string(saved.Channel), string(saved.Status))
	s.invalidate(ctx, revalidate.RouteProspects, revalidate.RouteTeamStats)
	return saved, nil
}

var errDuplicate = errors.New("messaging: duplicate callback")

// UpdateDeliveryStatus applies a provider status callback once per
// (message, status) pair.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, upd StatusUpdate) error {
	if upd.ProviderMessageID == "" || !upd.Status.Valid() {
		return action.Invalid("status", "unrecognised status callback")
	}

	var updated Message
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		first, err := s.repo.ClaimIdempotency(ctx, tx, "status:"+upd.ProviderMessageID+":"+string(upd.Status))
		if err != nil {
			return err
		}
		if !first {
			return errDuplicate
		}
		var errMsg *string
		if upd.Error != "" {
			errMsg = &upd.Error
		}
		updated, err = s.repo.UpdateStatusByProviderID(ctx, tx, upd.ProviderMessageID, upd.Status, errMsg)
		if err != nil {
			return err
		}
		if upd.Status != StatusFailed {
			return nil
		}
		return s.enqueue(ctx, tx, outbox.TopicMessageFailed, map[string]any{
			"message_id": updated.ID,
			"agent_id":   updated.AgentID,
			"channel":    updated.Channel,
			"status":     updated.Status,
			"error":      upd.Error,
		})
	})
	if errors.Is(err, errDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RecordMessage(string(updated.Channel), string(upd.Status))
	s.invalidate(ctx, revalidate.RouteTeamStats)
	return nil
}

// Links builds device hand-off links with merge fields resolved for the
// prospect or contact.
func (s *Service) Links(ctx context.Context, session auth.Session, req LinksRequest) (Links, error) {
	if err := action.Validate(req); err != nil {
		return Links{}, err
	}
	if req.ProspectID == nil && req.ContactID == nil {
		return Links{}, ErrNoRecipient
	}
	rc, err := s.resolve(ctx, session, req.ProspectID, req.ContactID)
	if err != nil {
		return Links{}, err
	}
	return BuildLinks(rc.email, rc.phone, Merge(req.Subject, rc.merge), Merge(req.Body, rc.merge)), nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("messaging: enqueue outbox: %w", err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, extra ...string) {
	revalidate.Run(ctx, s.revalidator, append([]string{revalidate.RouteMessages}, extra...)...)
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
