package prospect

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/db"
	"agencyflow/db/dbtest"
	"agencyflow/outbox"
	"agencyflow/timeline"
)

var (
	owner  = auth.Session{AgentID: "owner", OrganizationID: "org", Role: auth.RoleAgent}
	viewer = auth.Session{AgentID: "viewer", OrganizationID: "org", Role: auth.RoleAgent}
	editor = auth.Session{AgentID: "editor", OrganizationID: "org", Role: auth.RoleAgent}
	other  = auth.Session{AgentID: "other", OrganizationID: "org", Role: auth.RoleAgent}
)

func newTestService(repo *fakeRepo) (*Service, *dbtest.Pool, *recorder) {
	pool := &dbtest.Pool{}
	rec := &recorder{}
	n := 0
	svc := NewService(pool, repo, rec, rec, nil).WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("p-%d", n)
	})
	return svc, pool, rec
}

func seeded() *fakeRepo {
	repo := newFakeRepo()
	repo.prospects["p1"] = Prospect{ID: "p1", OrganizationID: "org", AgentID: "owner", FirstName: "Ann", LastName: "Lee", Status: StatusNew, Stage: StageLead}
	repo.shares[shareKey("p1", "viewer")] = Share{ProspectID: "p1", OwnerAgentID: "owner", SharedWithID: "viewer", CanView: true}
	repo.shares[shareKey("p1", "editor")] = Share{ProspectID: "p1", OwnerAgentID: "owner", SharedWithID: "editor", CanView: true, CanEdit: true}
	return repo
}

func TestCreate_Defaults(t *testing.T) {
	repo := newFakeRepo()
	svc, pool, rec := newTestService(repo)

	source := "  referral "
	blank := "   "
	p, err := svc.Create(context.Background(), owner, CreateRequest{FirstName: " Ann", LastName: "Lee", Fields: Fields{Source: &source, Notes: &blank}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != StatusNew || p.Stage != StageLead {
		t.Fatalf("expected NEW/LEAD defaults, got %s/%s", p.Status, p.Stage)
	}
	if p.Source == nil || *p.Source != "referral" || p.FirstName != "Ann" {
		t.Fatalf("expected trimmed input, got %+v", p)
	}
	if p.Notes != nil {
		t.Fatalf("blank notes should be stored as null")
	}
	if p.AgentID != "owner" || p.OrganizationID != "org" {
		t.Fatalf("expected ownership from session, got %+v", p)
	}
	if !pool.Last().Committed {
		t.Fatalf("expected commit")
	}
	if len(rec.activities) != 1 || rec.activities[0] != timeline.TypeCreated {
		t.Fatalf("expected creation activity, got %v", rec.activities)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, pool, _ := newTestService(newFakeRepo())

	bad := "not-a-date"
	_, err := svc.Create(context.Background(), owner, CreateRequest{FirstName: "", LastName: "Lee", Fields: Fields{DateOfBirth: &bad}})
	var verr *action.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Fields["firstName"] == "" || verr.Fields["dateOfBirth"] == "" {
		t.Fatalf("expected firstName and dateOfBirth errors, got %v", verr.Fields)
	}
	if pool.Last() != nil {
		t.Fatalf("no transaction should start on invalid input")
	}
}

func TestUpdateStage_ViewOnlyShareRejected(t *testing.T) {
	repo := seeded()
	svc, pool, rec := newTestService(repo)

	_, err := svc.UpdateStage(context.Background(), viewer, "p1", StageRequest{Stage: StageContacted})
	if !errors.Is(err, ErrEditPermission) {
		t.Fatalf("expected ErrEditPermission, got %v", err)
	}
	if !strings.Contains(err.Error(), "permission") {
		t.Fatalf("expected permission message, got %q", err.Error())
	}
	if repo.prospects["p1"].Stage != StageLead {
		t.Fatalf("stage must not change, got %s", repo.prospects["p1"].Stage)
	}
	if tx := pool.Last(); tx.Committed || !tx.Rolled {
		t.Fatalf("expected rollback")
	}
	if len(rec.topics) != 0 {
		t.Fatalf("no event should be enqueued, got %v", rec.topics)
	}
}

func TestUpdateStage_NoShareRejected(t *testing.T) {
	svc, _, _ := newTestService(seeded())

	_, err := svc.UpdateStage(context.Background(), other, "p1", StageRequest{Stage: StageContacted})
	if !errors.Is(err, ErrViewPermission) {
		t.Fatalf("expected ErrViewPermission, got %v", err)
	}
}

func TestUpdateStage_EditorMovesToPlaced(t *testing.T) {
	repo := seeded()
	svc, pool, rec := newTestService(repo)

	p, err := svc.UpdateStage(context.Background(), editor, "p1", StageRequest{Stage: StagePlaced})
	if err != nil {
		t.Fatalf("update stage: %v", err)
	}
	if p.Stage != StagePlaced || p.Status != StatusClient {
		t.Fatalf("expected PLACED/CLIENT, got %s/%s", p.Stage, p.Status)
	}
	if !pool.Last().Committed {
		t.Fatalf("expected commit")
	}
	if len(rec.topics) != 1 || rec.topics[0] != outbox.TopicProspectStageChanged {
		t.Fatalf("expected stage_changed event, got %v", rec.topics)
	}
}

func TestUpdateStage_OtherStageKeepsStatus(t *testing.T) {
	repo := seeded()
	svc, _, _ := newTestService(repo)

	p, err := svc.UpdateStage(context.Background(), owner, "p1", StageRequest{Stage: StageFactFinder})
	if err != nil {
		t.Fatalf("update stage: %v", err)
	}
	if p.Status != StatusNew {
		t.Fatalf("status should be unchanged, got %s", p.Status)
	}

	if _, err := svc.UpdateStage(context.Background(), owner, "p1", StageRequest{Stage: "WON"}); err == nil {
		t.Fatalf("expected invalid stage to be rejected")
	}
}

func TestShare_Rules(t *testing.T) {
	repo := seeded()
	repo.activeAgents["target"] = true
	svc, _, rec := newTestService(repo)

	if _, err := svc.Share(context.Background(), viewer, "p1", ShareRequest{AgentID: "11111111-1111-1111-1111-111111111111"}); !errors.Is(err, ErrOwnerPermission) {
		t.Fatalf("expected owner permission error, got %v", err)
	}

	repo.activeAgents["11111111-1111-1111-1111-111111111111"] = true
	viewFalse := false
	sh, err := svc.Share(context.Background(), owner, "p1", ShareRequest{
		AgentID: "11111111-1111-1111-1111-111111111111",
		CanView: &viewFalse,
		CanEdit: true,
	})
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if !sh.CanView || !sh.CanEdit {
		t.Fatalf("edit must imply view, got %+v", sh)
	}
	if len(rec.topics) != 1 || rec.topics[0] != outbox.TopicProspectShared {
		t.Fatalf("expected prospect.shared event, got %v", rec.topics)
	}

	sh, err = svc.Share(context.Background(), owner, "p1", ShareRequest{AgentID: "11111111-1111-1111-1111-111111111111"})
	if err != nil {
		t.Fatalf("re-share: %v", err)
	}
	if sh.CanEdit {
		t.Fatalf("re-share should replace flags")
	}
	if n := repo.shareCount("p1"); n != 3 {
		t.Fatalf("expected upsert to keep 3 shares, got %d", n)
	}

	if _, err := svc.Share(context.Background(), owner, "p1", ShareRequest{AgentID: "22222222-2222-2222-2222-222222222222"}); !errors.Is(err, ErrShareTarget) {
		t.Fatalf("expected inactive/foreign target to be rejected, got %v", err)
	}
}

func TestShare_SelfRejected(t *testing.T) {
	svc, _, _ := newTestService(seeded())
	self := auth.Session{AgentID: "33333333-3333-3333-3333-333333333333", OrganizationID: "org"}

	if _, err := svc.Share(context.Background(), self, "p1", ShareRequest{AgentID: self.AgentID}); !errors.Is(err, ErrShareSelf) {
		t.Fatalf("expected ErrShareSelf, got %v", err)
	}
}

func TestUnshare(t *testing.T) {
	repo := seeded()
	svc, _, _ := newTestService(repo)

	if err := svc.Unshare(context.Background(), owner, "p1", "viewer"); err != nil {
		t.Fatalf("unshare: %v", err)
	}
	if _, err := svc.Get(context.Background(), viewer, "p1"); !errors.Is(err, ErrViewPermission) {
		t.Fatalf("expected view to be revoked, got %v", err)
	}
	if err := svc.Unshare(context.Background(), owner, "p1", "viewer"); !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected not found on second unshare, got %v", err)
	}
}

func TestGet_ReportsAccess(t *testing.T) {
	svc, _, _ := newTestService(seeded())

	d, err := svc.Get(context.Background(), viewer, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Access.IsOwner || !d.Access.CanView || d.Access.CanEdit {
		t.Fatalf("unexpected viewer access %+v", d.Access)
	}

	if _, err := svc.Get(context.Background(), owner, "missing"); !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDelete_OwnerOnly(t *testing.T) {
	repo := seeded()
	svc, _, _ := newTestService(repo)

	if err := svc.Delete(context.Background(), editor, "p1"); !errors.Is(err, ErrOwnerPermission) {
		t.Fatalf("expected owner permission error, got %v", err)
	}
	if err := svc.Delete(context.Background(), owner, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := repo.prospects["p1"]; ok {
		t.Fatalf("expected prospect removed")
	}
}

func TestExportCSV(t *testing.T) {
	repo := seeded()
	email := "ann@example.com"
	p := repo.prospects["p1"]
	p.Email = &email
	p.CreatedAt = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)
	repo.prospects["p1"] = p
	svc, _, _ := newTestService(repo)

	var buf bytes.Buffer
	if err := svc.ExportCSV(context.Background(), owner, Filters{}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus one row, got %d", len(records))
	}
	want := []string{"Ann", "Lee", "ann@example.com", "", "NEW", "LEAD", "", "2025-02-03"}
	for i, v := range want {
		if records[1][i] != v {
			t.Fatalf("column %d: expected %q got %q", i, v, records[1][i])
		}
	}
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	svc, _, _ := newTestService(seeded())
	if _, err := svc.List(context.Background(), owner, Filters{Status: "MAYBE"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

type recorder struct {
	activities []string
	topics     []string
}

func (r *recorder) Append(_ context.Context, _ db.DBTX, _, _, activity string, _ map[string]any) error {
	r.activities = append(r.activities, activity)
	return nil
}

func (r *recorder) Enqueue(_ context.Context, _ db.DBTX, topic string, _ map[string]any) error {
	r.topics = append(r.topics, topic)
	return nil
}

type fakeRepo struct {
	mu           sync.Mutex
	prospects    map[string]Prospect
	shares       map[string]Share
	activeAgents map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		prospects:    map[string]Prospect{},
		shares:       map[string]Share{},
		activeAgents: map[string]bool{},
	}
}

func shareKey(prospectID, agentID string) string { return prospectID + "/" + agentID }

func (f *fakeRepo) shareCount(prospectID string) int {
	n := 0
	for _, s := range f.shares {
		if s.ProspectID == prospectID {
			n++
		}
	}
	return n
}

func (f *fakeRepo) Create(_ context.Context, _ db.DBTX, p Prospect) (Prospect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	f.prospects[p.ID] = p
	return p, nil
}

func (f *fakeRepo) Get(_ context.Context, orgID, id string) (Prospect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prospects[id]
	if !ok || p.OrganizationID != orgID {
		return Prospect{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, orgID, id string) (Prospect, error) {
	return f.Get(ctx, orgID, id)
}

func (f *fakeRepo) Update(_ context.Context, _ pgx.Tx, id string, req UpdateRequest) (Prospect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.prospects[id]
	if req.FirstName != nil {
		p.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		p.LastName = *req.LastName
	}
	if req.Notes != nil {
		p.Notes = req.Notes
	}
	f.prospects[id] = p
	return p, nil
}

func (f *fakeRepo) SetStage(_ context.Context, _ pgx.Tx, id string, stage Stage, status *Status) (Prospect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.prospects[id]
	p.Stage = stage
	if status != nil {
		p.Status = *status
	}
	f.prospects[id] = p
	return p, nil
}

func (f *fakeRepo) SetStatus(_ context.Context, _ pgx.Tx, id string, status Status) (Prospect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.prospects[id]
	p.Status = status
	f.prospects[id] = p
	return p, nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.prospects[id]; !ok {
		return ErrNotFound
	}
	delete(f.prospects, id)
	return nil
}

func (f *fakeRepo) List(_ context.Context, filters Filters) ([]ListItem, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []ListItem{}
	for _, p := range f.prospects {
		if p.OrganizationID != filters.OrganizationID {
			continue
		}
		sh, shared := f.shares[shareKey(p.ID, filters.AgentID)]
		if p.AgentID != filters.AgentID && !shared {
			continue
		}
		if filters.Status != "" && p.Status != filters.Status {
			continue
		}
		items = append(items, ListItem{Prospect: p, SharedWithMe: p.AgentID != filters.AgentID, CanEdit: !shared || sh.CanEdit})
	}
	return items, len(items), nil
}

func (f *fakeRepo) GetShare(_ context.Context, prospectID, agentID string) (Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh, ok := f.shares[shareKey(prospectID, agentID)]
	if !ok {
		return Share{}, ErrNoShare
	}
	return sh, nil
}

func (f *fakeRepo) UpsertShare(_ context.Context, _ pgx.Tx, share Share) (Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares[shareKey(share.ProspectID, share.SharedWithID)] = share
	return share, nil
}

func (f *fakeRepo) DeleteShare(_ context.Context, _ pgx.Tx, prospectID, agentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := shareKey(prospectID, agentID)
	if _, ok := f.shares[key]; !ok {
		return false, nil
	}
	delete(f.shares, key)
	return true, nil
}

func (f *fakeRepo) ListShares(_ context.Context, prospectID string) ([]Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Share
	for _, s := range f.shares {
		if s.ProspectID == prospectID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListSharedWithMe(context.Context, string) ([]SharedProspect, error) {
	return nil, nil
}

func (f *fakeRepo) ActiveAgentInOrg(_ context.Context, _ string, agentID string) (bool, error) {
	return f.activeAgents[agentID], nil
}

func (f *fakeRepo) ListActivity(context.Context, string, int) ([]timeline.Activity, error) {
	return nil, nil
}
