package agent

import (
	"time"

	"agencyflow/auth"
)

// Agent is a member of an organization's team hierarchy.
type Agent struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Email          string    `json:"email"`
	FullName       string    `json:"fullName"`
	Phone          *string   `json:"phone,omitempty"`
	Role           auth.Role `json:"role"`
	UplineID       *string   `json:"uplineId,omitempty"`
	ReferralCode   *string   `json:"referralCode,omitempty"`
	LicenseNumber  *string   `json:"licenseNumber,omitempty"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TeamMember is an agent positioned relative to the agent whose hierarchy
// was walked. Depth 1 is a direct recruit (or the direct upline).
type TeamMember struct {
	Agent
	Depth int `json:"depth"`
}

type ProfileUpdate struct {
	FullName      *string `json:"fullName" validate:"omitempty,min=1,max=120"`
	Phone         *string `json:"phone" validate:"omitempty,max=32"`
	LicenseNumber *string `json:"licenseNumber" validate:"omitempty,max=64"`
}

type AddMemberRequest struct {
	Email         string    `json:"email" validate:"required,email"`
	FullName      string    `json:"fullName" validate:"required,max=120"`
	Phone         *string   `json:"phone" validate:"omitempty,max=32"`
	LicenseNumber *string   `json:"licenseNumber" validate:"omitempty,max=64"`
	Role          auth.Role `json:"role" validate:"omitempty,oneof=agent manager admin"`
}

type MemberUpdate struct {
	FullName      *string    `json:"fullName" validate:"omitempty,min=1,max=120"`
	Phone         *string    `json:"phone" validate:"omitempty,max=32"`
	LicenseNumber *string    `json:"licenseNumber" validate:"omitempty,max=64"`
	Role          *auth.Role `json:"role" validate:"omitempty,oneof=agent manager admin"`
}

// AddedMember is returned once when a team member is created; the temporary
// password is never retrievable again.
type AddedMember struct {
	Agent             Agent  `json:"agent"`
	TemporaryPassword string `json:"temporaryPassword"`
}

// Stats aggregates funnel and activity counts over a set of agents.
type Stats struct {
	ByStage         map[string]int `json:"byStage"`
	Prospects       int            `json:"prospects"`
	Clients         int            `json:"clients"`
	Placed          int            `json:"placed"`
	Signatures      int            `json:"signatures"`
	MessagesSent30d int            `json:"messagesSent30d"`
}

type ProductionStats struct {
	AgentID  string `json:"agentId"`
	Personal Stats  `json:"personal"`
	Team     Stats  `json:"team"`
	TeamSize int    `json:"teamSize"`
}
