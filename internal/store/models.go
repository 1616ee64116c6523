package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrVersionConflict is returned by SaveSections when the proposal changed
// since the caller loaded it.
var ErrVersionConflict = errors.New("proposal version conflict")

const (
	StatusDraft     = "draft"
	StatusSent      = "sent"
	StatusViewed    = "viewed"
	StatusSigned    = "signed"
	StatusPaid      = "paid"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

type Proposal struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Title         string     `json:"title"`
	ClientName    string     `json:"clientName"`
	ClientEmail   string     `json:"clientEmail"`
	ClientCompany string     `json:"clientCompany,omitempty"`
	Status        string     `json:"status,omitempty"`
	IsTemplate    bool       `json:"isTemplate"`
	TemplateID    string     `json:"templateId,omitempty"`
	Currency      string     `json:"currency"`
	TotalAmount   *float64   `json:"totalAmount"`
	AccessToken   string     `json:"accessToken"`
	Version       int        `json:"version"`
	SentAt        *time.Time `json:"sentAt"`
	ViewedAt      *time.Time `json:"viewedAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Section is one stored block of a proposal.
type Section struct {
	ID           string
	ProposalID   string
	SectionType  string
	Title        string
	Content      json.RawMessage
	DisplayOrder int
	Visible      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SectionWrites is everything one save changes. Inserts carry the caller's
// local id in ID; SaveResult.InsertedIDs maps it to the stored id.
type SectionWrites struct {
	Inserts         []Section
	Updates         []Section
	Deletes         []string
	ExpectedVersion int
	TotalAmount     *float64
	SearchText      string
}

type SaveResult struct {
	Version     int
	InsertedIDs map[string]string
}

type Event struct {
	ID         int64          `json:"id"`
	ProposalID string         `json:"proposalId"`
	EventType  string         `json:"eventType"`
	EventData  map[string]any `json:"eventData"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
