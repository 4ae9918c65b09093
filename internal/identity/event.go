package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	eventTypeUserCreated = "user.created"
	eventTypeUserUpdated = "user.updated"
	eventTypeUserDeleted = "user.deleted"
)

var (
	// ErrMalformedEvent indicates the webhook envelope could not be decoded.
	ErrMalformedEvent = errors.New("identity: malformed event payload")
	// ErrMissingExternalID indicates the event payload carried no identity identifier.
	ErrMissingExternalID = errors.New("identity: event missing external id")
)

// CommandKind enumerates the canonical commands produced from provider events.
type CommandKind string

const (
	// CommandCreate provisions a profile for a newly observed identity.
	CommandCreate CommandKind = "create"
	// CommandUpdate refreshes the mutable profile fields of a known identity.
	CommandUpdate CommandKind = "update"
	// CommandDeactivate soft-deletes the profile of a removed identity.
	CommandDeactivate CommandKind = "deactivate"
	// CommandUnhandled acknowledges an event type this system does not process.
	CommandUnhandled CommandKind = "unhandled"
)

// Command is the canonical representation of an identity-change event after
// normalization. Exactly one variant applies, selected by Kind; fields that a
// variant does not use are left at their zero value.
type Command struct {
	Kind       CommandKind
	ExternalID string
	FullName   string
	Username   *string
	AvatarURL  *string
	CreatedAt  time.Time
	OccurredAt time.Time
	EventType  string
}

type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type userEventData struct {
	ID        string  `json:"id"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Username  *string `json:"username"`
	ImageURL  *string `json:"image_url"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// ParseEvent maps a raw webhook envelope into a canonical command.
// Unrecognized event types yield a CommandUnhandled variant rather than an
// error so the sender receives an acknowledgement and stops retrying.
func ParseEvent(rawBody []byte) (Command, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	eventType := strings.TrimSpace(envelope.Type)
	switch eventType {
	case eventTypeUserCreated, eventTypeUserUpdated, eventTypeUserDeleted:
	default:
		return Command{Kind: CommandUnhandled, EventType: eventType}, nil
	}

	var data userEventData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	externalID := strings.TrimSpace(data.ID)
	if externalID == "" {
		return Command{}, ErrMissingExternalID
	}

	command := Command{
		ExternalID: externalID,
		FullName:   DeriveFullName(data.FirstName, data.LastName, externalID),
		Username:   SafeUsername(data.Username),
		AvatarURL:  normalizeURL(data.ImageURL),
		CreatedAt:  fromEpochMillis(data.CreatedAt),
		OccurredAt: fromEpochMillis(data.UpdatedAt),
		EventType:  eventType,
	}

	switch eventType {
	case eventTypeUserCreated:
		command.Kind = CommandCreate
	case eventTypeUserUpdated:
		command.Kind = CommandUpdate
	case eventTypeUserDeleted:
		command.Kind = CommandDeactivate
	}

	return command, nil
}

func normalizeURL(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func fromEpochMillis(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
