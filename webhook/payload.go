package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"outreachflow/event"
)

// Agent action names carried in the data block of action events.
const (
	ActionConnectionSent = "connection_sent"
	ActionInviteAccepted = "invite_accepted"
)

// ValidationError rejects a malformed payload before anything is stored.
// The agent retries with a corrected (or identical) body, which is safe
// because nothing was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("webhook: invalid payload: %s %s", e.Field, e.Reason)
}

// Data is the event-specific block of an agent delivery. Fields are sparse;
// each event type reads the subset it cares about.
type Data struct {
	Action     string `json:"action,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	Text       string `json:"text,omitempty"`
	Subject    string `json:"subject,omitempty"`
	FullName   string `json:"name,omitempty"`
	Company    string `json:"company,omitempty"`
	Title      string `json:"title,omitempty"`
	Location   string `json:"location,omitempty"`
	Degree     string `json:"degree,omitempty"`
}

// Payload is one normalized inbound webhook delivery.
type Payload struct {
	EventID     string `json:"event_id,omitempty"`
	Type        string `json:"type"`
	Event       string `json:"event"`
	Profile     string `json:"profile"`
	UserID      string `json:"userid"`
	TimestampMS int64  `json:"timestamp"`
	Data        Data   `json:"data"`

	// RawData preserves the untouched data block for the contact's opaque
	// profile payload and for replay from the event store.
	RawData json.RawMessage `json:"-"`
}

// ParsePayload validates the untrusted body. Inputs may be duplicated or
// reordered downstream; here we only reject shapes we cannot key or route.
func ParsePayload(raw []byte) (Payload, error) {
	var envelope struct {
		EventID     string          `json:"event_id"`
		Type        string          `json:"type"`
		Event       string          `json:"event"`
		Profile     string          `json:"profile"`
		UserID      string          `json:"userid"`
		TimestampMS int64           `json:"timestamp"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Payload{}, &ValidationError{Field: "body", Reason: "is not valid JSON"}
	}

	p := Payload{
		EventID:     strings.TrimSpace(envelope.EventID),
		Type:        strings.TrimSpace(envelope.Type),
		Event:       strings.TrimSpace(envelope.Event),
		Profile:     normalizeProfileURL(envelope.Profile),
		UserID:      strings.TrimSpace(envelope.UserID),
		TimestampMS: envelope.TimestampMS,
		RawData:     envelope.Data,
	}

	if p.Type == "" {
		return Payload{}, &ValidationError{Field: "type", Reason: "is required"}
	}
	if !event.IsValidType(event.Type(p.Type)) {
		return Payload{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a known event type", p.Type)}
	}
	if p.Event == "" {
		return Payload{}, &ValidationError{Field: "event", Reason: "is required"}
	}
	if p.UserID == "" {
		return Payload{}, &ValidationError{Field: "userid", Reason: "is required"}
	}
	if p.TimestampMS <= 0 {
		return Payload{}, &ValidationError{Field: "timestamp", Reason: "must be a positive epoch in milliseconds"}
	}
	// rccommand is an agent health signal and carries no profile.
	if p.Profile == "" && event.Type(p.Type) != event.TypeRCCommand {
		return Payload{}, &ValidationError{Field: "profile", Reason: "is required"}
	}

	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &p.Data); err != nil {
			return Payload{}, &ValidationError{Field: "data", Reason: "is not a JSON object"}
		}
	}

	return p, nil
}

// Key derives the delivery's idempotency key.
func (p Payload) Key() string {
	return event.Key(p.EventID, event.Type(p.Type), event.Name(p.Event), p.Profile, p.TimestampMS)
}

// normalizeProfileURL canonicalizes a LinkedIn profile URL so the same
// profile reported with scheme or trailing-slash variations dedupes onto one
// contact.
func normalizeProfileURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "www.")
	u = strings.TrimRight(u, "/")
	return strings.ToLower(u)
}
