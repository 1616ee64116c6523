package app

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"flowidly/api/internal/rbac"
	"flowidly/api/internal/store"
)

const (
	EventCreated         = "CREATED"
	EventPublished       = "PUBLISHED"
	EventViewed          = "VIEWED"
	EventAccepted        = "ACCEPTED"
	EventSigned          = "SIGNED"
	EventPaid            = "PAID"
	EventBackupCreated   = "BACKUP_CREATED"
	EventEmailSent       = "EMAIL_SENT"
	EventLinkRegenerated = "LINK_REGENERATED"
	EventEdited          = "EDITED"
)

var knownEvents = map[string]struct{}{
	EventCreated:         {},
	EventPublished:       {},
	EventViewed:          {},
	EventAccepted:        {},
	EventSigned:          {},
	EventPaid:            {},
	EventBackupCreated:   {},
	EventEmailSent:       {},
	EventLinkRegenerated: {},
	EventEdited:          {},
}

// RequestMeta is the client information recorded with an event.
type RequestMeta struct {
	IP        string
	UserAgent string
}

const eventTimeout = 5 * time.Second

// recordEvent writes an audit event off the request path. Failures are only
// logged.
func (s *Service) recordEvent(proposalID, eventType string, data map[string]any, meta RequestMeta) {
	event := store.Event{
		ProposalID: proposalID,
		EventType:  eventType,
		EventData:  data,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}
	s.background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := s.store.InsertEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("proposal", proposalID).Str("event", eventType).Msg("record audit event failed")
		}
	})
}

func (s *Service) ListEvents(ctx context.Context, caller Caller, proposalID string, limit int) ([]store.Event, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.ownedProposal(ctx, caller, proposalID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, proposalID, limit)
}

type ReportEventInput struct {
	EventType string         `json:"eventType"`
	EventData map[string]any `json:"eventData"`
}

// ReportEvent stores an event the client observed, such as a sent email.
func (s *Service) ReportEvent(ctx context.Context, caller Caller, proposalID string, input ReportEventInput, meta RequestMeta) (store.Event, error) {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return store.Event{}, err
	}
	if _, err := s.ownedProposal(ctx, caller, proposalID); err != nil {
		return store.Event{}, err
	}
	eventType := strings.ToUpper(strings.TrimSpace(input.EventType))
	if _, ok := knownEvents[eventType]; !ok {
		return store.Event{}, badRequest("UNKNOWN_EVENT", "unknown event type")
	}
	event := store.Event{
		ProposalID: proposalID,
		EventType:  eventType,
		EventData:  input.EventData,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		CreatedAt:  s.now().UTC(),
	}
	if event.EventData == nil {
		event.EventData = map[string]any{}
	}
	if err := s.store.InsertEvent(ctx, event); err != nil {
		return store.Event{}, err
	}
	return event, nil
}
