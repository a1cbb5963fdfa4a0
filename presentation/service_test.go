package presentation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/prospect"
)

var session = auth.Session{AgentID: "agent-1", OrganizationID: "org-1", Role: auth.RoleAgent}

func TestProspectNeeds(t *testing.T) {
	svc := NewService(newFakeRepo(), fakeProspects{
		"p1": prospect.Prospect{ID: "p1", AgentID: "agent-1", AnnualIncome: f64(60_000)},
	}, nil)

	n, err := svc.ProspectNeeds(context.Background(), session, "p1")
	require.NoError(t, err)
	assert.Equal(t, 600_000.0, n.ProtectionGap)

	_, err = svc.ProspectNeeds(context.Background(), session, "missing")
	assert.ErrorIs(t, err, action.ErrNotFound)
}

func TestBusinessLifecycle(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, fakeProspects{}, nil)
	ctx := context.Background()

	b, err := svc.Create(ctx, session, CreateBusinessRequest{BusinessName: " Acme Plumbing ", FinancialProfile: sample})
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing", b.BusinessName)

	a, err := svc.Analyze(ctx, session, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 150_000.0, a.NetIncome)

	s, err := svc.Scenario(ctx, session, b.ID, ScenarioRequest{PriceIncreasePct: 10})
	require.NoError(t, err)
	assert.Equal(t, 100_000.0, s.RevenueChange)

	_, err = svc.Scenario(ctx, session, b.ID, ScenarioRequest{PriceIncreasePct: 150})
	var verr *action.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "priceIncreasePct")

	_, err = svc.RecordHistory(ctx, session, b.ID, HistoryRequest{Year: 2025})
	require.NoError(t, err)
	revenue := 1_200_000.0
	_, err = svc.Update(ctx, session, b.ID, UpdateBusinessRequest{AnnualRevenue: &revenue})
	require.NoError(t, err)
	_, err = svc.RecordHistory(ctx, session, b.ID, HistoryRequest{Year: 2026})
	require.NoError(t, err)
	_, err = svc.RecordHistory(ctx, session, b.ID, HistoryRequest{Year: 2026})
	require.NoError(t, err)

	history, err := svc.History(ctx, session, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 150_000.0, history[0].NetIncome)
	assert.Equal(t, 300_000.0, history[1].NetIncome)

	other := auth.Session{AgentID: "agent-2", OrganizationID: "org-1"}
	_, err = svc.Analyze(ctx, other, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.Delete(ctx, session, b.ID))
	_, err = svc.Get(ctx, session, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_ChecksLinkedProspect(t *testing.T) {
	svc := NewService(newFakeRepo(), fakeProspects{}, nil)
	pid := uuid.NewString()

	_, err := svc.Create(context.Background(), session, CreateBusinessRequest{BusinessName: "Acme", ProspectID: &pid})
	assert.ErrorIs(t, err, action.ErrNotFound)
}

type fakeProspects map[string]prospect.Prospect

func (f fakeProspects) Authorize(_ context.Context, s auth.Session, id string) (prospect.Detail, error) {
	p, ok := f[id]
	if !ok {
		return prospect.Detail{}, prospect.ErrNotFound
	}
	if p.AgentID != s.AgentID {
		return prospect.Detail{}, prospect.ErrViewPermission
	}
	return prospect.Detail{Prospect: p}, nil
}

type fakeRepo struct {
	businesses map[string]BusinessProspect
	history    map[string]map[int]HistoryEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{businesses: map[string]BusinessProspect{}, history: map[string]map[int]HistoryEntry{}}
}

func (f *fakeRepo) Create(_ context.Context, b BusinessProspect) (BusinessProspect, error) {
	b.ID = uuid.NewString()
	f.businesses[b.ID] = b
	return b, nil
}

func (f *fakeRepo) Get(_ context.Context, agentID, id string) (BusinessProspect, error) {
	b, ok := f.businesses[id]
	if !ok || b.AgentID != agentID {
		return BusinessProspect{}, ErrNotFound
	}
	return b, nil
}

func (f *fakeRepo) List(_ context.Context, agentID string) ([]BusinessProspect, error) {
	var out []BusinessProspect
	for _, b := range f.businesses {
		if b.AgentID == agentID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeRepo) Update(ctx context.Context, agentID, id string, req UpdateBusinessRequest) (BusinessProspect, error) {
	b, err := f.Get(ctx, agentID, id)
	if err != nil {
		return BusinessProspect{}, err
	}
	if req.BusinessName != nil {
		b.BusinessName = *req.BusinessName
	}
	if req.AnnualRevenue != nil {
		b.AnnualRevenue = *req.AnnualRevenue
	}
	f.businesses[id] = b
	return b, nil
}

func (f *fakeRepo) Delete(ctx context.Context, agentID, id string) error {
	if _, err := f.Get(ctx, agentID, id); err != nil {
		return err
	}
	delete(f.businesses, id)
	return nil
}

func (f *fakeRepo) UpsertHistory(_ context.Context, e HistoryEntry) (HistoryEntry, error) {
	if f.history[e.BusinessProspectID] == nil {
		f.history[e.BusinessProspectID] = map[int]HistoryEntry{}
	}
	e.ID = uuid.NewString()
	f.history[e.BusinessProspectID][e.Year] = e
	return e, nil
}

func (f *fakeRepo) History(_ context.Context, id string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for year := 1900; year <= 2200; year++ {
		if e, ok := f.history[id][year]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
