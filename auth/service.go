package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"agencyflow/action"
)

var (
	// ErrInvalidCredentials signals wrong email or password, or a deactivated agent.
	ErrInvalidCredentials = action.Unauthorized()
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = action.Invalid("password", "must be at least 8 characters")
)

const tokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new agent account. A referral code attaches the agent
// below the code's owner in the same organization; without one the agent
// founds a new organization and administers it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	email := strings.TrimSpace(req.Email)
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || fullName == "" {
		fields := map[string]string{}
		if email == "" {
			fields["email"] = "is required"
		}
		if fullName == "" {
			fields["fullName"] = "is required"
		}
		return nil, &action.ValidationError{Fields: fields}
	}

	params := CreateUserParams{
		Email:    email,
		FullName: fullName,
		Role:     RoleAgent,
	}

	if code := strings.ToUpper(strings.TrimSpace(req.ReferralCode)); code != "" {
		ref, err := s.repo.FindReferrer(ctx, code)
		if err != nil {
			return nil, err
		}
		params.OrganizationID = &ref.OrganizationID
		params.UplineID = &ref.AgentID
	} else {
		params.Role = RoleAdmin
		params.OrganizationName = fullName + " Agency"
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	params.PasswordHash = string(passwordHash)

	user, err := s.repo.CreateUser(ctx, params)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates an agent and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves agent identity by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the session it carries.
func (s *Service) VerifyToken(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Session{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Session{}, fmt.Errorf("auth: invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Session{}, fmt.Errorf("auth: invalid user_id in token")
	}
	orgID, ok := claims["org_id"].(string)
	if !ok || orgID == "" {
		return Session{}, fmt.Errorf("auth: invalid org_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Session{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Session{}, fmt.Errorf("auth: invalid role %q in token", roleStr)
	}

	return Session{AgentID: userID, Role: role, OrganizationID: orgID}, nil
}

// Authenticate verifies the token and reloads its agent, so a deactivated or
// moved agent loses access before the token expires. The session carries the
// agent's current role.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (Session, error) {
	session, err := s.VerifyToken(tokenString)
	if err != nil {
		return Session{}, err
	}
	user, err := s.repo.GetUserByID(ctx, session.AgentID)
	if errors.Is(err, ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("auth: load agent: %w", err)
	}
	if !user.IsActive || user.OrganizationID != session.OrganizationID {
		return Session{}, ErrInvalidCredentials
	}
	session.Role = user.Role
	return session, nil
}

func (s *Service) generateToken(user User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"role":    user.Role,
		"org_id":  user.OrganizationID,
		"exp":     now.Add(tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAgent, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}
