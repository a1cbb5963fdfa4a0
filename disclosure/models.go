package disclosure

import "time"

type SignerType string

const (
	SignerProspect SignerType = "prospect"
	SignerAgent    SignerType = "agent"
)

// Disclosure is a versioned compliance document. A nil AgentID marks an
// organization-wide disclosure.
type Disclosure struct {
	ID                string    `json:"id"`
	OrganizationID    string    `json:"organizationId"`
	AgentID           *string   `json:"agentId,omitempty"`
	Title             string    `json:"title"`
	Description       *string   `json:"description,omitempty"`
	Content           string    `json:"content"`
	Version           int       `json:"version"`
	RequiredFor       []string  `json:"requiredFor"`
	RequiresSignature bool      `json:"requiresSignature"`
	IsActive          bool      `json:"isActive"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (d Disclosure) IsGlobal() bool {
	return d.AgentID == nil
}

// VisibleTo reports whether agentID may read and sign against d.
func (d Disclosure) VisibleTo(agentID string) bool {
	return d.AgentID == nil || *d.AgentID == agentID
}

// Signature is an immutable record of one signer accepting one version.
type Signature struct {
	ID              string     `json:"id"`
	DisclosureID    string     `json:"disclosureId"`
	SignerType      SignerType `json:"signerType"`
	SignerID        string     `json:"signerId"`
	ProspectID      *string    `json:"prospectId,omitempty"`
	Version         int        `json:"version"`
	ContentSnapshot string     `json:"contentSnapshot"`
	TitleSnapshot   string     `json:"titleSnapshot"`
	SignerName      string     `json:"signerName"`
	IPAddress       *string    `json:"ipAddress,omitempty"`
	UserAgent       *string    `json:"userAgent,omitempty"`
	SignedAt        time.Time  `json:"signedAt"`
}

type CreateRequest struct {
	Title             string   `json:"title" validate:"required,max=200"`
	Description       *string  `json:"description" validate:"omitempty,max=1000"`
	Content           string   `json:"content" validate:"required"`
	RequiredFor       []string `json:"requiredFor" validate:"omitempty,max=20,dive,required,max=64"`
	RequiresSignature *bool    `json:"requiresSignature"`
	Global            bool     `json:"global"`
}

type UpdateRequest struct {
	Title             *string   `json:"title" validate:"omitempty,min=1,max=200"`
	Description       *string   `json:"description" validate:"omitempty,max=1000"`
	Content           *string   `json:"content" validate:"omitempty,min=1"`
	RequiredFor       *[]string `json:"requiredFor" validate:"omitempty,max=20,dive,required,max=64"`
	RequiresSignature *bool     `json:"requiresSignature"`
	IsActive          *bool     `json:"isActive"`
}

type Filters struct {
	ActiveOnly bool
	Product    string
}

// SignRequest records a signature captured by the agent, either their own or
// a prospect's signing in person.
type SignRequest struct {
	SignerType SignerType `json:"signerType" validate:"required,oneof=prospect agent"`
	ProspectID *string    `json:"prospectId" validate:"omitempty,uuid"`
	SignerName string     `json:"signerName" validate:"required,max=120"`
}

// SignContext carries request metadata stored with the signature.
type SignContext struct {
	IPAddress string
	UserAgent string
}

// DeleteResult reports whether a delete removed the row or deactivated it.
type DeleteResult struct {
	ID          string `json:"id"`
	SoftDeleted bool   `json:"softDeleted"`
}

// SigningLink grants a prospect time-limited access to sign a set of
// disclosures. Only a hash of the token is stored.
type SigningLink struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	AgentID        string     `json:"agentId"`
	ProspectID     string     `json:"prospectId"`
	DisclosureIDs  []string   `json:"disclosureIds"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type CreateLinkRequest struct {
	ProspectID    string   `json:"prospectId" validate:"required,uuid"`
	DisclosureIDs []string `json:"disclosureIds" validate:"required,min=1,max=20,dive,uuid"`
}

// CreatedLink is returned once; the URL embeds the only copy of the token.
type CreatedLink struct {
	Link SigningLink `json:"link"`
	URL  string      `json:"url"`
}

type LinkDisclosure struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Version   int    `json:"version"`
	Signed    bool   `json:"signed"`
	Available bool   `json:"available"`
}

// ResolvedLink is the public view of a signing link.
type ResolvedLink struct {
	LinkID       string           `json:"linkId"`
	ProspectName string           `json:"prospectName"`
	AgentName    string           `json:"agentName"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	Completed    bool             `json:"completed"`
	Disclosures  []LinkDisclosure `json:"disclosures"`
}

type SubmitRequest struct {
	SignerName    string   `json:"signerName" validate:"required,max=120"`
	DisclosureIDs []string `json:"disclosureIds" validate:"omitempty,max=20,dive,uuid"`
}

type SubmitStatus string

const (
	SubmitSigned        SubmitStatus = "signed"
	SubmitAlreadySigned SubmitStatus = "already_signed"
	SubmitUnavailable   SubmitStatus = "unavailable"
)

type SubmitItem struct {
	DisclosureID string       `json:"disclosureId"`
	Status       SubmitStatus `json:"status"`
	Version      int          `json:"version,omitempty"`
	Message      string       `json:"message,omitempty"`
}

type SubmitResult struct {
	Items     []SubmitItem `json:"items"`
	Completed bool         `json:"completed"`
}

// LinkParties names the people on either side of a signing link.
type LinkParties struct {
	ProspectName string
	AgentName    string
}
