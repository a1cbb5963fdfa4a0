package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"agencyflow/action"
	"agencyflow/agent"
	"agencyflow/auth"
	"agencyflow/disclosure"
	"agencyflow/outbox"
	"agencyflow/prospect"
)

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// transient reports connection failures caused by chaos or shutdown.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "57P01" || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// expected reports domain refusals the actors provoke on purpose.
func expected(err error) bool {
	var verr *action.ValidationError
	return errors.Is(err, action.ErrConflict) ||
		errors.Is(err, action.ErrNotFound) ||
		errors.Is(err, action.ErrForbidden) ||
		errors.As(err, &verr)
}

func tolerable(err error) bool {
	return err == nil || expected(err) || transient(err)
}

// Signer repeatedly signs the same disclosure as the given signer. All but
// one attempt per version must be rejected.
func Signer(ctx context.Context, svc *disclosure.Service, session auth.Session, disclosureID string, prospectID *string, stop <-chan struct{}) error {
	req := disclosure.SignRequest{SignerType: disclosure.SignerAgent, SignerName: "Stress Agent"}
	if prospectID != nil {
		req = disclosure.SignRequest{SignerType: disclosure.SignerProspect, ProspectID: prospectID, SignerName: "Stress Prospect"}
	}
	for !stopped(ctx, stop) {
		_, err := svc.Sign(ctx, session, disclosureID, req, disclosure.SignContext{IPAddress: "127.0.0.1", UserAgent: "stress"})
		if !tolerable(err) {
			return fmt.Errorf("signer: %w", err)
		}
		pause(5, 20)
	}
	return nil
}

// Editor rewrites disclosure content so signers race against new versions.
func Editor(ctx context.Context, svc *disclosure.Service, session auth.Session, disclosureID string, stop <-chan struct{}) error {
	for i := 0; !stopped(ctx, stop); i++ {
		content := fmt.Sprintf("Disclosure text revision %d", i)
		_, err := svc.Update(ctx, session, disclosureID, disclosure.UpdateRequest{Content: &content})
		if !tolerable(err) {
			return fmt.Errorf("editor: %w", err)
		}
		pause(150, 200)
	}
	return nil
}

// Deleter creates scratch disclosures, sometimes signs them, then deletes
// them. A delete after a committed signature must never be a hard delete.
func Deleter(ctx context.Context, svc *disclosure.Service, session auth.Session, stop <-chan struct{}) error {
	for i := 0; !stopped(ctx, stop); i++ {
		d, err := svc.Create(ctx, session, disclosure.CreateRequest{
			Title:   fmt.Sprintf("Scratch %d", i),
			Content: "Scratch disclosure",
		})
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("deleter create: %w", err)
		}

		signed := false
		if rand.Intn(2) == 0 {
			_, err := svc.Sign(ctx, session, d.ID, disclosure.SignRequest{SignerType: disclosure.SignerAgent, SignerName: "Stress Agent"}, disclosure.SignContext{})
			if !tolerable(err) {
				return fmt.Errorf("deleter sign: %w", err)
			}
			signed = err == nil
		}

		res, err := svc.Delete(ctx, session, d.ID)
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("deleter delete: %w", err)
		}
		if signed && !res.SoftDeleted {
			return fmt.Errorf("deleter: signed disclosure %s was hard deleted", d.ID)
		}
		pause(20, 40)
	}
	return nil
}

// ReferralCodes records the first code each agent received.
type ReferralCodes struct {
	mu    sync.Mutex
	codes map[string]string
}

func NewReferralCodes() *ReferralCodes {
	return &ReferralCodes{codes: make(map[string]string)}
}

func (r *ReferralCodes) observe(agentID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, ok := r.codes[agentID]
	if !ok {
		r.codes[agentID] = code
		return nil
	}
	if first != code {
		return fmt.Errorf("agent %s got referral code %s after %s", agentID, code, first)
	}
	return nil
}

// ReferralRequester asks for the caller's referral code concurrently with
// other requesters for the same agent; every answer must match.
func ReferralRequester(ctx context.Context, svc *agent.Service, session auth.Session, seen *ReferralCodes, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		code, err := svc.GetOrCreateReferralCode(ctx, session)
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("referral requester: %w", err)
		}
		if err := seen.observe(session.AgentID, code); err != nil {
			return err
		}
		pause(10, 30)
	}
	return nil
}

// ViewOnlyStager tries to move a prospect it can only view. Every attempt
// must be refused.
func ViewOnlyStager(ctx context.Context, svc *prospect.Service, session auth.Session, prospectID string, stop <-chan struct{}) error {
	stages := []prospect.Stage{prospect.StageContacted, prospect.StagePresentation, prospect.StageApplication}
	for !stopped(ctx, stop) {
		_, err := svc.UpdateStage(ctx, session, prospectID, prospect.StageRequest{Stage: stages[rand.Intn(len(stages))]})
		if err == nil {
			return fmt.Errorf("view-only agent %s changed stage of %s", session.AgentID, prospectID)
		}
		if !tolerable(err) {
			return fmt.Errorf("view-only stager: %w", err)
		}
		pause(20, 40)
	}
	return nil
}

// OwnerStager moves the prospect through stages as its owner.
func OwnerStager(ctx context.Context, svc *prospect.Service, session auth.Session, prospectID string, stop <-chan struct{}) error {
	stages := []prospect.Stage{prospect.StageLead, prospect.StageContacted, prospect.StageAppointmentSet, prospect.StageFactFinder}
	for !stopped(ctx, stop) {
		_, err := svc.UpdateStage(ctx, session, prospectID, prospect.StageRequest{Stage: stages[rand.Intn(len(stages))]})
		if !tolerable(err) {
			return fmt.Errorf("owner stager: %w", err)
		}
		pause(40, 60)
	}
	return nil
}

// CountingPublisher accepts every event and counts them per topic.
type CountingPublisher struct {
	mu     sync.Mutex
	Topics map[string]int
}

func (p *CountingPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Topics == nil {
		p.Topics = make(map[string]int)
	}
	p.Topics[topic]++
	return nil
}

// Relay drains the outbox; several relays run at once to exercise SKIP LOCKED.
func Relay(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.RunOnce(ctx); err != nil && !transient(err) {
			return fmt.Errorf("relay: %w", err)
		}
		pause(50, 50)
	}
	return nil
}
