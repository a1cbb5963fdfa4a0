package contact

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/db"
	"agencyflow/db/dbtest"
	"agencyflow/outbox"
	"agencyflow/prospect"
)

var session = auth.Session{AgentID: "agent-1", OrganizationID: "org-1", Role: auth.RoleAgent}

func TestConvertToProspect(t *testing.T) {
	repo := newFakeRepo()
	rel := "Neighbor"
	repo.contacts["c1"] = Contact{ID: "c1", OrganizationID: "org-1", AgentID: "agent-1", FirstName: "Sam", LastName: "Ortiz", Relationship: &rel, Temperature: TemperatureHot}
	pool := &dbtest.Pool{}
	creator := &fakeCreator{}
	events := &fakeOutbox{}
	svc := NewService(pool, repo, creator, events, nil)

	res, err := svc.ConvertToProspect(context.Background(), session, "c1")
	require.NoError(t, err)

	assert.Equal(t, TemperatureConverted, res.Contact.Temperature)
	require.NotNil(t, res.Contact.ConvertedProspectID)
	assert.Equal(t, res.Prospect.ID, *res.Contact.ConvertedProspectID)
	assert.Equal(t, "Sam", res.Prospect.FirstName)
	assert.Equal(t, prospect.StageLead, res.Prospect.Stage)
	require.NotNil(t, res.Prospect.Source)
	assert.Equal(t, "Warm Market - Neighbor", *res.Prospect.Source)
	assert.Equal(t, []string{outbox.TopicContactConverted}, events.topics)
	assert.True(t, pool.Last().Committed)
	assert.Same(t, pool.Last(), creator.tx, "prospect must be created on the conversion transaction")

	_, err = svc.ConvertToProspect(context.Background(), session, "c1")
	assert.ErrorIs(t, err, ErrAlreadyConverted)
	assert.ErrorIs(t, err, action.ErrConflict)
	assert.Equal(t, 1, creator.calls)
}

func TestConvertToProspect_CreateFailureRollsBack(t *testing.T) {
	repo := newFakeRepo()
	repo.contacts["c1"] = Contact{ID: "c1", OrganizationID: "org-1", AgentID: "agent-1", FirstName: "Sam", LastName: "Ortiz", Temperature: TemperatureWarm}
	pool := &dbtest.Pool{}
	svc := NewService(pool, repo, &fakeCreator{err: errors.New("insert failed")}, &fakeOutbox{}, nil)

	_, err := svc.ConvertToProspect(context.Background(), session, "c1")
	require.Error(t, err)
	assert.True(t, pool.Last().Rolled)
	assert.False(t, pool.Last().Committed)
	assert.Equal(t, TemperatureWarm, repo.contacts["c1"].Temperature)
}

func TestConvertToProspect_OtherAgentsContact(t *testing.T) {
	repo := newFakeRepo()
	repo.contacts["c1"] = Contact{ID: "c1", AgentID: "agent-2", Temperature: TemperatureWarm}
	svc := NewService(&dbtest.Pool{}, repo, &fakeCreator{}, nil, nil)

	_, err := svc.ConvertToProspect(context.Background(), session, "c1")
	assert.ErrorIs(t, err, action.ErrNotFound)
}

func TestSetTemperature(t *testing.T) {
	repo := newFakeRepo()
	repo.contacts["c1"] = Contact{ID: "c1", AgentID: "agent-1", Temperature: TemperatureCold}
	repo.contacts["c2"] = Contact{ID: "c2", AgentID: "agent-1", Temperature: TemperatureConverted}
	svc := NewService(&dbtest.Pool{}, repo, &fakeCreator{}, nil, nil)

	c, err := svc.SetTemperature(context.Background(), session, "c1", TemperatureRequest{Temperature: TemperatureHot})
	require.NoError(t, err)
	assert.Equal(t, TemperatureHot, c.Temperature)

	_, err = svc.SetTemperature(context.Background(), session, "c1", TemperatureRequest{Temperature: TemperatureConverted})
	var verr *action.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "temperature")

	_, err = svc.SetTemperature(context.Background(), session, "c2", TemperatureRequest{Temperature: TemperatureWarm})
	assert.ErrorIs(t, err, ErrAlreadyConverted)
}

func TestCreate_DefaultsToCold(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(&dbtest.Pool{}, repo, &fakeCreator{}, nil, nil)

	c, err := svc.Create(context.Background(), session, CreateRequest{FirstName: "Kim", LastName: "Park"})
	require.NoError(t, err)
	assert.Equal(t, TemperatureCold, c.Temperature)
	assert.Equal(t, "agent-1", c.AgentID)

	_, err = svc.Create(context.Background(), session, CreateRequest{FirstName: "Kim", LastName: "Park", Temperature: TemperatureConverted})
	assert.Error(t, err)
}

type fakeCreator struct {
	calls int
	tx    pgx.Tx
	err   error
}

func (f *fakeCreator) CreateInTx(_ context.Context, tx pgx.Tx, _ string, p prospect.Prospect, _ string, _ map[string]any) (prospect.Prospect, error) {
	if f.err != nil {
		return prospect.Prospect{}, f.err
	}
	f.calls++
	f.tx = tx
	p.ID = fmt.Sprintf("prospect-%d", f.calls)
	return p, nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ db.DBTX, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakeRepo struct {
	contacts map[string]Contact
	next     int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{contacts: map[string]Contact{}}
}

func (f *fakeRepo) Create(_ context.Context, c Contact) (Contact, error) {
	f.next++
	c.ID = fmt.Sprintf("c-%d", f.next)
	f.contacts[c.ID] = c
	return c, nil
}

func (f *fakeRepo) Get(_ context.Context, ownerID, id string) (Contact, error) {
	c, ok := f.contacts[id]
	if !ok || c.AgentID != ownerID {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, ownerID, id string) (Contact, error) {
	return f.Get(ctx, ownerID, id)
}

func (f *fakeRepo) Update(ctx context.Context, ownerID, id string, req UpdateRequest) (Contact, error) {
	c, err := f.Get(ctx, ownerID, id)
	if err != nil {
		return Contact{}, err
	}
	if req.FirstName != nil {
		c.FirstName = *req.FirstName
	}
	f.contacts[id] = c
	return c, nil
}

func (f *fakeRepo) SetTemperature(ctx context.Context, ownerID, id string, temp Temperature) (Contact, error) {
	c, err := f.Get(ctx, ownerID, id)
	if err != nil {
		return Contact{}, err
	}
	c.Temperature = temp
	f.contacts[id] = c
	return c, nil
}

func (f *fakeRepo) MarkConverted(_ context.Context, _ pgx.Tx, id, prospectID string) (Contact, error) {
	c := f.contacts[id]
	c.Temperature = TemperatureConverted
	c.ConvertedProspectID = &prospectID
	f.contacts[id] = c
	return c, nil
}

func (f *fakeRepo) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := f.Get(ctx, ownerID, id); err != nil {
		return err
	}
	delete(f.contacts, id)
	return nil
}

func (f *fakeRepo) List(_ context.Context, ownerID string, filters Filters) ([]Contact, error) {
	var out []Contact
	for _, c := range f.contacts {
		if c.AgentID == ownerID && (filters.Temperature == "" || c.Temperature == filters.Temperature) {
			out = append(out, c)
		}
	}
	return out, nil
}
