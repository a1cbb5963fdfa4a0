package auth

import "time"

type Role string

const (
	RoleAgent   Role = "agent"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// CanManageTeam reports whether the role may add or edit downline members.
func (r Role) CanManageTeam() bool {
	return r == RoleManager || r == RoleAdmin
}

// User is the login identity of an agent. It mirrors the agents table and
// carries no JSON annotations so presentation layers choose their own shape.
type User struct {
	ID             string
	OrganizationID string
	Email          string
	FullName       string
	PasswordHash   string
	Role           Role
	UplineID       *string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is the verified identity attached to every authenticated request.
type Session struct {
	AgentID        string
	Role           Role
	OrganizationID string
}

// RegisterRequest contains agent sign-up data supplied by callers.
type RegisterRequest struct {
	Email        string `json:"email" validate:"required,email"`
	Password     string `json:"password" validate:"required,min=8"`
	FullName     string `json:"fullName" validate:"required,max=120"`
	ReferralCode string `json:"referralCode" validate:"omitempty,max=32"`
}

// LoginRequest contains agent login credentials.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}
