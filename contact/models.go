package contact

import "time"

// Temperature rates how warm a personal-market contact is.
type Temperature string

const (
	TemperatureCold      Temperature = "COLD"
	TemperatureWarm      Temperature = "WARM"
	TemperatureHot       Temperature = "HOT"
	TemperatureConverted Temperature = "CONVERTED"
)

func (t Temperature) Valid() bool {
	switch t {
	case TemperatureCold, TemperatureWarm, TemperatureHot, TemperatureConverted:
		return true
	}
	return false
}

type Contact struct {
	ID                  string      `json:"id"`
	OrganizationID      string      `json:"organizationId"`
	AgentID             string      `json:"agentId"`
	FirstName           string      `json:"firstName"`
	LastName            string      `json:"lastName"`
	Email               *string     `json:"email,omitempty"`
	Phone               *string     `json:"phone,omitempty"`
	Relationship        *string     `json:"relationship,omitempty"`
	Temperature         Temperature `json:"temperature"`
	Notes               *string     `json:"notes,omitempty"`
	ConvertedProspectID *string     `json:"convertedProspectId,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

type CreateRequest struct {
	FirstName    string      `json:"firstName" validate:"required,max=80"`
	LastName     string      `json:"lastName" validate:"required,max=80"`
	Email        *string     `json:"email" validate:"omitempty,email"`
	Phone        *string     `json:"phone" validate:"omitempty,max=32"`
	Relationship *string     `json:"relationship" validate:"omitempty,max=64"`
	Temperature  Temperature `json:"temperature" validate:"omitempty,oneof=COLD WARM HOT"`
	Notes        *string     `json:"notes" validate:"omitempty,max=5000"`
}

type UpdateRequest struct {
	FirstName    *string `json:"firstName" validate:"omitempty,min=1,max=80"`
	LastName     *string `json:"lastName" validate:"omitempty,min=1,max=80"`
	Email        *string `json:"email" validate:"omitempty,email"`
	Phone        *string `json:"phone" validate:"omitempty,max=32"`
	Relationship *string `json:"relationship" validate:"omitempty,max=64"`
	Notes        *string `json:"notes" validate:"omitempty,max=5000"`
}

// TemperatureRequest may only select a manual rating; CONVERTED is set by
// conversion alone.
type TemperatureRequest struct {
	Temperature Temperature `json:"temperature" validate:"required,oneof=COLD WARM HOT"`
}

type Filters struct {
	Temperature Temperature
	Search      string
}
