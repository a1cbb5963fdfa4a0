package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"agencyflow/agent"
	"agencyflow/auth"
	"agencyflow/disclosure"
	"agencyflow/outbox"
	"agencyflow/prospect"
	"agencyflow/test/actors"
	"agencyflow/test/chaos"
	"agencyflow/test/infra"
	"agencyflow/test/oracles"
	"agencyflow/timeline"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends during the run")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestAgencyFlowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress suite skipped in -short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no docker and no local postgres: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	events := timeline.NewWriter()
	queue := outbox.NewWriter()
	prospects := prospect.NewService(pool, prospect.NewRepository(pool), events, queue, nil)
	disclosures := disclosure.NewService(pool, disclosure.NewRepository(pool), prospects, events, queue, nil)
	agents := agent.NewService(agent.NewRepository(pool), nil)
	publisher := &actors.CountingPublisher{}
	relay := outbox.NewRelay(pool, outbox.NewStore(), publisher).WithBatchSize(20)
	codes := actors.NewReferralCodes()

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	prospectID := seedData.prospectID
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Signer(ctx2, disclosures, seedData.owner, seedData.disclosureID, nil, stop)
		})
		g.Go(func() error {
			return actors.Signer(ctx2, disclosures, seedData.owner, seedData.disclosureID, &prospectID, stop)
		})
		g.Go(func() error { return actors.ReferralRequester(ctx2, agents, seedData.owner, codes, stop) })
		g.Go(func() error { return actors.ReferralRequester(ctx2, agents, seedData.viewer, codes, stop) })
		g.Go(func() error {
			return actors.ViewOnlyStager(ctx2, prospects, seedData.viewer, seedData.prospectID, stop)
		})
	}
	g.Go(func() error { return actors.Editor(ctx2, disclosures, seedData.owner, seedData.disclosureID, stop) })
	g.Go(func() error { return actors.Deleter(ctx2, disclosures, seedData.owner, stop) })
	g.Go(func() error { return actors.OwnerStager(ctx2, prospects, seedData.owner, seedData.prospectID, stop) })
	g.Go(func() error { return actors.Relay(ctx2, relay, stop) })
	g.Go(func() error { return actors.Relay(ctx2, relay, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, infra.AppName, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			if checkOracles(t, ctx2, pool, seed) {
				failed = true
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	if failed {
		t.FailNow()
	}

	// Oracles again once every actor has stopped.
	if checkOracles(t, ctx, pool, seed) {
		t.FailNow()
	}
	t.Logf("published events: %v", publisher.Topics)
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) bool {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		t.Errorf("oracle error: %v", err)
		return true
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Errorf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
		return true
	}
	return false
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	owner        auth.Session
	viewer       auth.Session
	prospectID   string
	disclosureID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	var orgID string
	if err := pool.QueryRow(ctx, `INSERT INTO organizations (name) VALUES ($1) RETURNING id`, fmt.Sprintf("Stress Agency %d", rand.Int63())).Scan(&orgID); err != nil {
		t.Fatalf("seed organization: %v", err)
	}

	insertAgent := func(name string, role auth.Role, upline *string) auth.Session {
		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO agents (organization_id, email, full_name, password_hash, role, upline_id)
			VALUES ($1, $2, $3, 'x', $4, $5) RETURNING id`,
			orgID, fmt.Sprintf("%s-%d@example.com", name, rand.Int63()), name, string(role), upline,
		).Scan(&id)
		if err != nil {
			t.Fatalf("seed agent %s: %v", name, err)
		}
		return auth.Session{AgentID: id, Role: role, OrganizationID: orgID}
	}
	s.owner = insertAgent("owner", auth.RoleManager, nil)
	s.viewer = insertAgent("viewer", auth.RoleAgent, &s.owner.AgentID)

	if err := pool.QueryRow(ctx, `
		INSERT INTO prospects (organization_id, agent_id, first_name, last_name, email)
		VALUES ($1, $2, 'Pat', 'Prospect', 'pat@example.com') RETURNING id`,
		orgID, s.owner.AgentID,
	).Scan(&s.prospectID); err != nil {
		t.Fatalf("seed prospect: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO prospect_shares (prospect_id, owner_agent_id, shared_with_id, can_view, can_edit)
		VALUES ($1, $2, $3, true, false)`,
		s.prospectID, s.owner.AgentID, s.viewer.AgentID,
	); err != nil {
		t.Fatalf("seed share: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO disclosures (organization_id, agent_id, title, content)
		VALUES ($1, $2, 'Privacy Notice', 'Initial text') RETURNING id`,
		orgID, s.owner.AgentID,
	).Scan(&s.disclosureID); err != nil {
		t.Fatalf("seed disclosure: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disclosure_signatures", `SELECT id, disclosure_id, signer_type, signer_id, version, signed_at FROM disclosure_signatures ORDER BY signed_at DESC LIMIT 50`},
		{"prospect_activities", `SELECT id, prospect_id, actor_id, type, created_at FROM prospect_activities ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"agents", `SELECT id, role, referral_code FROM agents`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
