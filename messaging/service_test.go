package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agencyflow/action"
	"agencyflow/agent"
	"agencyflow/auth"
	"agencyflow/contact"
	"agencyflow/db"
	"agencyflow/db/dbtest"
	"agencyflow/outbox"
	"agencyflow/prospect"
	"agencyflow/revalidate"
	"agencyflow/timeline"
)

var session = auth.Session{AgentID: "agent-1", OrganizationID: "org-1", Role: auth.RoleAgent}

const (
	pID = "11111111-1111-4111-8111-111111111111"
	cID = "22222222-2222-4222-8222-222222222222"
)

func strp(v string) *string { return &v }
func f64(v float64) *float64 { return &v }

type harness struct {
	svc   *Service
	repo  *fakeRepo
	pool  *dbtest.Pool
	sms   *fakeProvider
	email *fakeProvider
	rec   *recorder
}

func newHarness() harness {
	h := harness{
		repo:  newFakeRepo(),
		pool:  &dbtest.Pool{},
		sms:   &fakeProvider{},
		email: &fakeProvider{},
		rec:   &recorder{},
	}
	prospects := fakeProspects{pID: prospect.Prospect{
		ID: pID, AgentID: "agent-1", FirstName: "Pat", LastName: "Doe",
		Email: strp("pat@example.com"), Phone: strp("+15550100"),
		AnnualIncome: f64(50_000), ExistingCoverage: f64(250_000),
	}}
	contacts := fakeContacts{cID: contact.Contact{ID: cID, AgentID: "agent-1", FirstName: "Sam", LastName: "Ortiz", Phone: strp("+15550199")}}
	h.svc = NewService(h.pool, h.repo, Providers{SMS: h.sms, Email: h.email, SMSFrom: "+15550000", EmailFrom: "agent@example.com"}, Deps{
		Prospects:   prospects,
		Contacts:    contacts,
		Agents:      fakeAgents{},
		Timeline:    h.rec,
		Outbox:      h.rec,
		Revalidator: h.rec,
	})
	return h
}

func TestSend_SMSToProspect(t *testing.T) {
	h := newHarness()

	msg, err := h.svc.Send(context.Background(), session, SendRequest{
		Channel:    ChannelSMS,
		ProspectID: strp(pID),
		Body:       strp("Hi {{firstName}}, {{agentName}} here. Your gap is {{protectionGap}}."),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSent, msg.Status)
	assert.Equal(t, "+15550100", msg.To)
	assert.Equal(t, "+15550000", msg.From)
	assert.Equal(t, "Hi Pat, Alex Agent here. Your gap is $250,000.", msg.Body)
	require.NotNil(t, msg.ProviderMessageID)
	assert.Equal(t, "SM-1", *msg.ProviderMessageID)
	assert.Equal(t, 1, h.sms.calls)
	assert.Zero(t, h.email.calls)
	assert.Equal(t, []string{outbox.TopicMessageSent}, h.rec.topics)
	assert.Equal(t, []string{timeline.TypeMessageSent}, h.rec.activities)
	assert.Subset(t, h.rec.routes, []string{revalidate.RouteMessages, revalidate.RouteProspects, revalidate.RouteTeamStats})
	assert.Equal(t, 2, h.pool.Committed())
}

func TestSend_ProviderFailureIsRecordedOnce(t *testing.T) {
	h := newHarness()
	h.email.err = errors.New("smtp: connection refused")

	msg, err := h.svc.Send(context.Background(), session, SendRequest{
		Channel:    ChannelEmail,
		ProspectID: strp(pID),
		Subject:    strp("Hello {{firstName}}"),
		Body:       strp("Body"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, msg.Status)
	require.NotNil(t, msg.Error)
	assert.Contains(t, *msg.Error, "connection refused")
	require.NotNil(t, msg.Subject)
	assert.Equal(t, "Hello Pat", *msg.Subject)
	assert.Equal(t, 1, h.email.calls)
	assert.Equal(t, []string{outbox.TopicMessageFailed}, h.rec.topics)
	assert.Empty(t, h.rec.activities)
}

func TestSend_TemplateToContact(t *testing.T) {
	h := newHarness()
	tmpl, err := h.svc.CreateTemplate(context.Background(), session, TemplateRequest{Name: "Check-in", Body: "Hey {{firstName}} {{lastName}}!"})
	require.NoError(t, err)

	msg, err := h.svc.Send(context.Background(), session, SendRequest{Channel: ChannelSMS, ContactID: strp(cID), TemplateID: &tmpl.ID})
	require.NoError(t, err)
	assert.Equal(t, "Hey Sam Ortiz!", msg.Body)
	assert.Equal(t, "+15550199", msg.To)
	require.NotNil(t, msg.TemplateID)
	assert.Equal(t, tmpl.ID, *msg.TemplateID)
	require.NotNil(t, msg.ContactID)
	assert.Empty(t, h.rec.activities, "contact messages have no prospect timeline")
}

func TestSend_Validation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.svc.Send(ctx, session, SendRequest{Channel: ChannelSMS, Body: strp("x")})
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = h.svc.Send(ctx, session, SendRequest{Channel: ChannelSMS, To: strp("+1555")})
	assert.ErrorIs(t, err, ErrNoBody)

	_, err = h.svc.Send(ctx, session, SendRequest{Channel: ChannelEmail, ContactID: strp(cID), Subject: strp("s"), Body: strp("b")})
	assert.ErrorIs(t, err, ErrNoEmail)

	_, err = h.svc.Send(ctx, session, SendRequest{Channel: ChannelEmail, To: strp("x@example.com"), Body: strp("b")})
	assert.ErrorIs(t, err, ErrNoSubject)

	_, err = h.svc.Send(ctx, session, SendRequest{Channel: "FAX", To: strp("x"), Body: strp("b")})
	var verr *action.ValidationError
	assert.ErrorAs(t, err, &verr)

	assert.Zero(t, h.sms.calls+h.email.calls)
	assert.Empty(t, h.repo.messages)
}

func TestRecordInbound(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.svc.Send(ctx, session, SendRequest{Channel: ChannelSMS, ProspectID: strp(pID), Body: strp("Hi")})
	require.NoError(t, err)

	h.rec.routes = nil

	in := Inbound{Channel: ChannelSMS, From: "+15550100", To: "+15550000", Body: "Sounds good", ProviderMessageID: "SM-in-1"}
	reply, err := h.svc.RecordInbound(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, DirectionInbound, reply.Direction)
	assert.Equal(t, StatusReceived, reply.Status)
	require.NotNil(t, reply.ProspectID)
	assert.Equal(t, pID, *reply.ProspectID)
	assert.Equal(t, "agent-1", reply.AgentID)
	assert.Contains(t, h.rec.activities, timeline.TypeMessageReceived)
	assert.Subset(t, h.rec.routes, []string{revalidate.RouteProspects, revalidate.RouteTeamStats})

	dup, err := h.svc.RecordInbound(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, dup.ID)
	assert.Len(t, h.repo.messages, 2)

	_, err = h.svc.RecordInbound(ctx, Inbound{From: "+19999999", Body: "who?", ProviderMessageID: "SM-in-2"})
	assert.ErrorIs(t, err, ErrNoConversation)
	assert.NotContains(t, h.repo.keys, "inbound:SM-in-2", "claim must roll back with the transaction")
}

func TestList_RejectsMalformedFilterIDs(t *testing.T) {
	h := newHarness()

	_, err := h.svc.List(context.Background(), session, Filters{ProspectID: "abc"})
	var verr *action.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "prospectId")

	_, err = h.svc.List(context.Background(), session, Filters{ContactID: "42"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "contactId")

	_, err = h.svc.Render(context.Background(), session, uuid.NewString(), "nope")
	require.ErrorAs(t, err, &verr)

	_, err = h.svc.List(context.Background(), session, Filters{ProspectID: pID})
	require.NoError(t, err)
}

func TestUpdateDeliveryStatus(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	msg, err := h.svc.Send(ctx, session, SendRequest{Channel: ChannelSMS, ProspectID: strp(pID), Body: strp("Hi")})
	require.NoError(t, err)

	require.NoError(t, h.svc.UpdateDeliveryStatus(ctx, StatusUpdate{ProviderMessageID: "SM-1", Status: StatusDelivered}))
	assert.Equal(t, StatusDelivered, h.repo.messages[msg.ID].Status)

	require.NoError(t, h.svc.UpdateDeliveryStatus(ctx, StatusUpdate{ProviderMessageID: "SM-1", Status: StatusSent}))
	assert.Equal(t, StatusDelivered, h.repo.messages[msg.ID].Status, "late sent must not regress delivered")

	before := h.repo.updates
	require.NoError(t, h.svc.UpdateDeliveryStatus(ctx, StatusUpdate{ProviderMessageID: "SM-1", Status: StatusDelivered}))
	assert.Equal(t, before, h.repo.updates, "duplicate callback must be ignored")

	err = h.svc.UpdateDeliveryStatus(ctx, StatusUpdate{ProviderMessageID: "SM-404", Status: StatusDelivered})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestTemplates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	admin := auth.Session{AgentID: "agent-9", OrganizationID: "org-1", Role: auth.RoleAdmin}

	_, err := h.svc.CreateTemplate(ctx, session, TemplateRequest{Name: "Org", Body: "x", Global: true})
	assert.ErrorIs(t, err, ErrGlobalTemplate)

	global, err := h.svc.CreateTemplate(ctx, admin, TemplateRequest{Name: "Org", Subject: "Hi {{firstName}}", Body: "Gap {{protectionGap}}", Global: true})
	require.NoError(t, err)
	own, err := h.svc.CreateTemplate(ctx, session, TemplateRequest{Name: "Mine", Body: "x"})
	require.NoError(t, err)

	list, err := h.svc.ListTemplates(ctx, session)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	name := "Renamed"
	_, err = h.svc.UpdateTemplate(ctx, session, global.ID, TemplateUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrGlobalTemplate)
	_, err = h.svc.UpdateTemplate(ctx, admin, own.ID, TemplateUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	updated, err := h.svc.UpdateTemplate(ctx, session, own.ID, TemplateUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)

	rendered, err := h.svc.Render(ctx, session, global.ID, pID)
	require.NoError(t, err)
	assert.Equal(t, "Hi Pat", rendered.Subject)
	assert.Equal(t, "Gap $250,000", rendered.Body)

	require.NoError(t, h.svc.DeleteTemplate(ctx, session, own.ID))
	_, err = h.svc.GetTemplate(ctx, session, own.ID)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestLinks(t *testing.T) {
	h := newHarness()

	l, err := h.svc.Links(context.Background(), session, LinksRequest{ProspectID: strp(pID), Subject: "For {{firstName}}", Body: "Hi {{firstName}}"})
	require.NoError(t, err)
	assert.Equal(t, "mailto:pat@example.com?subject=For%20Pat&body=Hi%20Pat", l.Mailto)
	assert.Equal(t, "tel:+15550100", l.Tel)
	assert.Equal(t, "sms:+15550100?body=Hi%20Pat", l.SMS)
}

type fakeProvider struct {
	calls int
	err   error
}

func (f *fakeProvider) Send(context.Context, Outgoing) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "SM-" + string(rune('0'+f.calls)), nil
}

type fakeProspects map[string]prospect.Prospect

func (f fakeProspects) Authorize(_ context.Context, s auth.Session, id string) (prospect.Detail, error) {
	p, ok := f[id]
	if !ok || p.AgentID != s.AgentID {
		return prospect.Detail{}, prospect.ErrNotFound
	}
	return prospect.Detail{Prospect: p}, nil
}

type fakeContacts map[string]contact.Contact

func (f fakeContacts) Get(_ context.Context, s auth.Session, id string) (contact.Contact, error) {
	c, ok := f[id]
	if !ok || c.AgentID != s.AgentID {
		return contact.Contact{}, contact.ErrNotFound
	}
	return c, nil
}

type fakeAgents struct{}

func (fakeAgents) GetProfile(_ context.Context, s auth.Session) (agent.Agent, error) {
	return agent.Agent{ID: s.AgentID, FullName: "Alex Agent"}, nil
}

type recorder struct {
	topics     []string
	activities []string
	routes     []string
}

func (r *recorder) Invalidate(_ context.Context, routes ...string) error {
	r.routes = append(r.routes, routes...)
	return nil
}

func (r *recorder) Append(_ context.Context, _ db.DBTX, _, _, activityType string, _ map[string]any) error {
	r.activities = append(r.activities, activityType)
	return nil
}

func (r *recorder) Enqueue(_ context.Context, _ db.DBTX, topic string, _ map[string]any) error {
	r.topics = append(r.topics, topic)
	return nil
}

// fakeRepo keeps idempotency claims per transaction so a rolled back claim
// disappears like it would in the database.
type fakeRepo struct {
	messages  map[string]Message
	order     []string
	templates map[string]Template
	keys      map[string]bool
	pending   map[db.DBTX][]string
	updates   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		messages:  map[string]Message{},
		templates: map[string]Template{},
		keys:      map[string]bool{},
		pending:   map[db.DBTX][]string{},
	}
}

func (f *fakeRepo) InsertMessage(_ context.Context, q db.DBTX, m Message) (Message, error) {
	f.commitClaims(q)
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now()
	f.messages[m.ID] = m
	f.order = append(f.order, m.ID)
	return m, nil
}

func (f *fakeRepo) FinishMessage(_ context.Context, _ db.DBTX, id string, status Status, providerID, errMsg *string) (Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	m.Status, m.ProviderMessageID, m.Error = status, providerID, errMsg
	f.messages[id] = m
	return m, nil
}

func (f *fakeRepo) UpdateStatusByProviderID(_ context.Context, q db.DBTX, providerID string, status Status, errMsg *string) (Message, error) {
	for id, m := range f.messages {
		if m.ProviderMessageID == nil || *m.ProviderMessageID != providerID || m.Direction != DirectionOutbound {
			continue
		}
		if !(status == StatusSent && (m.Status == StatusDelivered || m.Status == StatusFailed)) {
			m.Status = status
		}
		if errMsg != nil {
			m.Error = errMsg
		}
		f.messages[id] = m
		f.updates++
		f.commitClaims(q)
		return m, nil
	}
	return Message{}, ErrMessageNotFound
}

func (f *fakeRepo) LatestOutboundTo(_ context.Context, _ db.DBTX, channel Channel, address string) (Message, error) {
	for i := len(f.order) - 1; i >= 0; i-- {
		m := f.messages[f.order[i]]
		if m.Channel == channel && m.Direction == DirectionOutbound && m.To == address {
			return m, nil
		}
	}
	return Message{}, ErrNoConversation
}

func (f *fakeRepo) List(_ context.Context, filters Filters) ([]Message, error) {
	var out []Message
	for _, id := range f.order {
		if m := f.messages[id]; m.AgentID == filters.AgentID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRepo) ClaimIdempotency(_ context.Context, q db.DBTX, key string) (bool, error) {
	if f.keys[key] {
		return false, nil
	}
	for _, k := range f.pending[q] {
		if k == key {
			return false, nil
		}
	}
	f.pending[q] = append(f.pending[q], key)
	return true, nil
}

// commitClaims makes the claims of q permanent once the transaction has
// done real work; claims of transactions that fail before that are dropped.
func (f *fakeRepo) commitClaims(q db.DBTX) {
	for _, k := range f.pending[q] {
		f.keys[k] = true
	}
	delete(f.pending, q)
}

func (f *fakeRepo) CreateTemplate(_ context.Context, t Template) (Template, error) {
	t.ID = uuid.NewString()
	f.templates[t.ID] = t
	return t, nil
}

func (f *fakeRepo) GetTemplate(_ context.Context, orgID, id string) (Template, error) {
	t, ok := f.templates[id]
	if !ok || t.OrganizationID != orgID {
		return Template{}, ErrTemplateNotFound
	}
	return t, nil
}

func (f *fakeRepo) ListTemplates(_ context.Context, orgID, agentID string) ([]Template, error) {
	var out []Template
	for _, t := range f.templates {
		if t.OrganizationID == orgID && t.VisibleTo(agentID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateTemplate(_ context.Context, id string, upd TemplateUpdate) (Template, error) {
	t, ok := f.templates[id]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.Body != nil {
		t.Body = *upd.Body
	}
	f.templates[id] = t
	return t, nil
}

func (f *fakeRepo) DeleteTemplate(_ context.Context, id string) error {
	if _, ok := f.templates[id]; !ok {
		return ErrTemplateNotFound
	}
	delete(f.templates, id)
	return nil
}
