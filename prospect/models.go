package prospect

import "time"

// Status is the prospect's relationship lifecycle.
type Status string

const (
	StatusNew     Status = "NEW"
	StatusActive  Status = "ACTIVE"
	StatusNurture Status = "NURTURE"
	StatusClient  Status = "CLIENT"
	StatusLost    Status = "LOST"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusActive, StatusNurture, StatusClient, StatusLost:
		return true
	}
	return false
}

// Stage is the prospect's position in the sales funnel.
type Stage string

const (
	StageLead           Stage = "LEAD"
	StageContacted      Stage = "CONTACTED"
	StageAppointmentSet Stage = "APPOINTMENT_SET"
	StageFactFinder     Stage = "FACT_FINDER"
	StagePresentation   Stage = "PRESENTATION"
	StageApplication    Stage = "APPLICATION"
	StageUnderwriting   Stage = "UNDERWRITING"
	StageIssued         Stage = "ISSUED"
	StagePlaced         Stage = "PLACED"
)

// Stages lists the funnel in order.
var Stages = []Stage{
	StageLead, StageContacted, StageAppointmentSet, StageFactFinder, StagePresentation,
	StageApplication, StageUnderwriting, StageIssued, StagePlaced,
}

func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

type Prospect struct {
	ID                     string    `json:"id"`
	OrganizationID         string    `json:"organizationId"`
	AgentID                string    `json:"agentId"`
	FirstName              string    `json:"firstName"`
	LastName               string    `json:"lastName"`
	Email                  *string   `json:"email,omitempty"`
	Phone                  *string   `json:"phone,omitempty"`
	DateOfBirth            *string   `json:"dateOfBirth,omitempty"`
	Source                 *string   `json:"source,omitempty"`
	Status                 Status    `json:"status"`
	Stage                  Stage     `json:"stage"`
	AnnualIncome           *float64  `json:"annualIncome,omitempty"`
	ExistingCoverage       *float64  `json:"existingCoverage,omitempty"`
	TotalDebt              *float64  `json:"totalDebt,omitempty"`
	MortgageBalance        *float64  `json:"mortgageBalance,omitempty"`
	EducationNeeds         *float64  `json:"educationNeeds,omitempty"`
	Savings                *float64  `json:"savings,omitempty"`
	IncomeReplacementYears *int      `json:"incomeReplacementYears,omitempty"`
	Notes                  *string   `json:"notes,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

func (p Prospect) FullName() string {
	return p.FirstName + " " + p.LastName
}

// Access is what the calling agent may do with a prospect.
type Access struct {
	IsOwner bool `json:"isOwner"`
	CanView bool `json:"canView"`
	CanEdit bool `json:"canEdit"`
}

// Detail is a prospect together with the caller's access to it.
type Detail struct {
	Prospect
	Access Access `json:"access"`
}

// ListItem is one row of the caller's prospect listing.
type ListItem struct {
	Prospect
	SharedWithMe bool `json:"sharedWithMe"`
	CanEdit      bool `json:"canEdit"`
}

type Share struct {
	ID             string    `json:"id"`
	ProspectID     string    `json:"prospectId"`
	OwnerAgentID   string    `json:"ownerAgentId"`
	SharedWithID   string    `json:"sharedWithId"`
	SharedWithName string    `json:"sharedWithName,omitempty"`
	CanView        bool      `json:"canView"`
	CanEdit        bool      `json:"canEdit"`
	Note           *string   `json:"note,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SharedProspect is a prospect another agent shared with the caller.
type SharedProspect struct {
	Prospect  Prospect `json:"prospect"`
	Share     Share    `json:"share"`
	OwnerName string   `json:"ownerName"`
}

type Filters struct {
	OrganizationID string
	AgentID        string
	Status         Status
	Stage          Stage
	Search         string
	SharedOnly     bool
	Page           int
	PageSize       int
	SortKey        string
	SortOrder      string
}

// Fields shared by create and update.
type Fields struct {
	Email                  *string  `json:"email" validate:"omitempty,email"`
	Phone                  *string  `json:"phone" validate:"omitempty,max=32"`
	DateOfBirth            *string  `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02"`
	Source                 *string  `json:"source" validate:"omitempty,max=64"`
	AnnualIncome           *float64 `json:"annualIncome" validate:"omitempty,gte=0"`
	ExistingCoverage       *float64 `json:"existingCoverage" validate:"omitempty,gte=0"`
	TotalDebt              *float64 `json:"totalDebt" validate:"omitempty,gte=0"`
	MortgageBalance        *float64 `json:"mortgageBalance" validate:"omitempty,gte=0"`
	EducationNeeds         *float64 `json:"educationNeeds" validate:"omitempty,gte=0"`
	Savings                *float64 `json:"savings" validate:"omitempty,gte=0"`
	IncomeReplacementYears *int     `json:"incomeReplacementYears" validate:"omitempty,gte=1,lte=40"`
	Notes                  *string  `json:"notes" validate:"omitempty,max=5000"`
}

type CreateRequest struct {
	FirstName string `json:"firstName" validate:"required,max=80"`
	LastName  string `json:"lastName" validate:"required,max=80"`
	Status    Status `json:"status" validate:"omitempty,oneof=NEW ACTIVE NURTURE CLIENT LOST"`
	Fields
}

type UpdateRequest struct {
	FirstName *string `json:"firstName" validate:"omitempty,min=1,max=80"`
	LastName  *string `json:"lastName" validate:"omitempty,min=1,max=80"`
	Fields
}

type StageRequest struct {
	Stage Stage `json:"stage" validate:"required,oneof=LEAD CONTACTED APPOINTMENT_SET FACT_FINDER PRESENTATION APPLICATION UNDERWRITING ISSUED PLACED"`
}

type StatusRequest struct {
	Status Status `json:"status" validate:"required,oneof=NEW ACTIVE NURTURE CLIENT LOST"`
}

type ShareRequest struct {
	AgentID string  `json:"agentId" validate:"required,uuid"`
	CanView *bool   `json:"canView"`
	CanEdit bool    `json:"canEdit"`
	Note    *string `json:"note" validate:"omitempty,max=500"`
}
