package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"agencyflow/action"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Agent",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleAdmin {
		t.Fatalf("register: founder should administer the new organization, got %s", user.Role)
	}
	if user.OrganizationID == "" {
		t.Fatalf("register: expected organization to be created")
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	session, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if session.AgentID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, session.AgentID)
	}
	if session.OrganizationID != user.OrganizationID {
		t.Fatalf("verify token: expected org %q got %q", user.OrganizationID, session.OrganizationID)
	}
	if session.Role != RoleAdmin {
		t.Fatalf("verify token: expected role %s got %s", RoleAdmin, session.Role)
	}
}

func TestService_RegisterWithReferralCode(t *testing.T) {
	repo := newFakeRepository()
	repo.referrers["ABCD2345"] = Referrer{AgentID: "upline-1", OrganizationID: "org-upline"}
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:        "bob@example.com",
		Password:     "supersafe",
		FullName:     "Bob Agent",
		ReferralCode: " abcd2345 ",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != RoleAgent {
		t.Fatalf("expected default role %s got %s", RoleAgent, user.Role)
	}
	if user.OrganizationID != "org-upline" {
		t.Fatalf("expected inherited organization, got %q", user.OrganizationID)
	}
	if user.UplineID == nil || *user.UplineID != "upline-1" {
		t.Fatalf("expected upline upline-1, got %v", user.UplineID)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:        "carol@example.com",
		Password:     "supersafe",
		FullName:     "Carol",
		ReferralCode: "NOPE",
	})
	var verr *action.ValidationError
	if !errors.As(err, &verr) || verr.Fields["referralCode"] == "" {
		t.Fatalf("expected referralCode validation error, got %v", err)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Agent",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Agent",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if !errors.Is(err, action.ErrUnauthorized) {
		t.Fatalf("expected error to classify as unauthorized")
	}
}

func TestService_LoginInactiveAgent(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "dana@example.com",
		Password: "strongpassword",
		FullName: "Dana",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	repo.deactivate(user.ID)

	_, err = svc.Login(context.Background(), LoginRequest{Email: "dana@example.com", Password: "strongpassword"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected inactive agent to be rejected, got %v", err)
	}
}

func TestService_AuthenticateRejectsDeactivatedAgent(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Email: "fay@example.com", Password: "strongpassword", FullName: "Fay"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := svc.Login(ctx, LoginRequest{Email: "fay@example.com", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	session, err := svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.AgentID != user.ID {
		t.Fatalf("authenticate: expected %q got %q", user.ID, session.AgentID)
	}

	u := repo.usersByID[user.ID]
	u.Role = RoleAgent
	repo.usersByID[user.ID] = u
	session, err = svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("authenticate after role change: %v", err)
	}
	if session.Role != RoleAgent {
		t.Fatalf("expected current role %s, got %s", RoleAgent, session.Role)
	}

	repo.deactivate(user.ID)
	_, err = svc.Authenticate(ctx, res.Token)
	if !errors.Is(err, action.ErrUnauthorized) {
		t.Fatalf("expected deactivated agent to be rejected, got %v", err)
	}
}

func TestService_VerifyTokenExpired(t *testing.T) {
	repo := newFakeRepository()
	issued := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo, "test-secret").WithClock(func() time.Time { return issued })

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email: "erin@example.com", Password: "strongpassword", FullName: "Erin",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := svc.Login(context.Background(), LoginRequest{Email: "erin@example.com", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	svc.WithClock(func() time.Time { return issued.Add(25 * time.Hour) })
	if _, err := svc.VerifyToken(res.Token); err == nil {
		t.Fatalf("expected expired token to fail verification")
	}

	other := NewService(repo, "another-secret").WithClock(func() time.Time { return issued })
	if _, err := other.VerifyToken(res.Token); err == nil {
		t.Fatalf("expected token signed with a different secret to fail")
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	referrers    map[string]Referrer
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		referrers:    make(map[string]Referrer),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("agent-%d", f.nextID)
	orgID := fmt.Sprintf("org-%d", f.nextID)
	f.nextID++
	if params.OrganizationID != nil {
		orgID = *params.OrganizationID
	}

	user := User{
		ID:             id,
		OrganizationID: orgID,
		Email:          params.Email,
		FullName:       params.FullName,
		PasswordHash:   params.PasswordHash,
		Role:           params.Role,
		UplineID:       params.UplineID,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) FindReferrer(ctx context.Context, code string) (Referrer, error) {
	ref, ok := f.referrers[code]
	if !ok {
		return Referrer{}, ErrUnknownReferralCode
	}
	return ref, nil
}

func (f *fakeRepository) deactivate(id string) {
	u := f.usersByID[id]
	u.IsActive = false
	f.usersByID[id] = u
	f.usersByEmail[strings.ToLower(u.Email)] = u
}
