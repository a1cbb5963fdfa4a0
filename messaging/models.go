package messaging

import "time"

type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
)

type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusReceived  Status = "RECEIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusDelivered, StatusFailed, StatusReceived:
		return true
	}
	return false
}

type Message struct {
	ID                string    `json:"id"`
	OrganizationID    string    `json:"organizationId"`
	AgentID           string    `json:"agentId"`
	ProspectID        *string   `json:"prospectId,omitempty"`
	ContactID         *string   `json:"contactId,omitempty"`
	Channel           Channel   `json:"channel"`
	Direction         Direction `json:"direction"`
	To                string    `json:"to"`
	From              string    `json:"from"`
	Subject           *string   `json:"subject,omitempty"`
	Body              string    `json:"body"`
	Status            Status    `json:"status"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	Error             *string   `json:"error,omitempty"`
	TemplateID        *string   `json:"templateId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Template is a reusable message body. A nil AgentID marks an
// organization-wide template.
type Template struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	AgentID        *string   `json:"agentId,omitempty"`
	Name           string    `json:"name"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	Category       *string   `json:"category,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (t Template) VisibleTo(agentID string) bool {
	return t.AgentID == nil || *t.AgentID == agentID
}

// SendRequest addresses a message to a prospect, a contact or an explicit
// address. Body may be omitted when TemplateID is set.
type SendRequest struct {
	Channel    Channel `json:"channel" validate:"required,oneof=SMS EMAIL"`
	ProspectID *string `json:"prospectId" validate:"omitempty,uuid"`
	ContactID  *string `json:"contactId" validate:"omitempty,uuid"`
	To         *string `json:"to" validate:"omitempty,max=320"`
	Subject    *string `json:"subject" validate:"omitempty,max=200"`
	Body       *string `json:"body" validate:"omitempty,max=10000"`
	TemplateID *string `json:"templateId" validate:"omitempty,uuid"`
}

type Filters struct {
	AgentID    string
	ProspectID string
	ContactID  string
	Channel    Channel
	Status     Status
	Limit      int
}

type TemplateRequest struct {
	Name     string  `json:"name" validate:"required,max=120"`
	Subject  string  `json:"subject" validate:"max=200"`
	Body     string  `json:"body" validate:"required,max=10000"`
	Category *string `json:"category" validate:"omitempty,max=64"`
	Global   bool    `json:"global"`
}

type TemplateUpdate struct {
	Name     *string `json:"name" validate:"omitempty,min=1,max=120"`
	Subject  *string `json:"subject" validate:"omitempty,max=200"`
	Body     *string `json:"body" validate:"omitempty,min=1,max=10000"`
	Category *string `json:"category" validate:"omitempty,max=64"`
}

// Rendered is a template with merge fields resolved for one prospect.
type Rendered struct {
	TemplateID string `json:"templateId"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// Inbound is a message received from a provider webhook.
type Inbound struct {
	Channel           Channel
	From              string
	To                string
	Body              string
	ProviderMessageID string
}

// StatusUpdate is a provider delivery callback.
type StatusUpdate struct {
	ProviderMessageID string
	Status            Status
	Error             string
}

type LinksRequest struct {
	ProspectID *string `json:"prospectId" validate:"omitempty,uuid"`
	ContactID  *string `json:"contactId" validate:"omitempty,uuid"`
	Subject    string  `json:"subject" validate:"max=200"`
	Body       string  `json:"body" validate:"max=2000"`
}

// Links are device hand-off URIs for composing a message outside the app.
type Links struct {
	Mailto string `json:"mailto,omitempty"`
	Tel    string `json:"tel,omitempty"`
	SMS    string `json:"sms,omitempty"`
}

// MergeData supplies the values substituted into templates.
type MergeData struct {
	FirstName     string
	LastName      string
	AgentName     string
	ProtectionGap float64
}
