package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Type is the webhook event class reported by the automation agent.
type Type string

const (
	TypeMessage   Type = "message"
	TypeVisit     Type = "visit"
	TypeAction    Type = "action"
	TypeRCCommand Type = "rccommand"
)

// Name is the event verb within a type (message/received, action/completed...).
type Name string

const (
	NameCreate    Name = "create"
	NameReceived  Name = "received"
	NameCompleted Name = "completed"
	NameReady     Name = "ready"
	NameError     Name = "error"
	NameSent      Name = "sent"
)

// WebhookEvent mirrors a webhook_events row. Rows are append-only; after
// insert only the processing bookkeeping fields change.
type WebhookEvent struct {
	ID           string
	Key          string
	Type         Type
	Name         Name
	ProfileURL   string
	AccountExtID string
	Payload      []byte
	EventTS      *time.Time
	Processed    bool
	ProcessError string
	Attempts     int
	NextRetryAt  *time.Time
	NeedsReview  bool
	ReceivedAt   time.Time
}

func IsValidType(t Type) bool {
	switch t {
	case TypeMessage, TypeVisit, TypeAction, TypeRCCommand:
		return true
	default:
		return false
	}
}

// Key derives the idempotency key for an inbound delivery. The agent's own
// event id wins when present; otherwise the key is a digest over the fields
// that identify one logical event, so agent retries of the same payload
// collapse onto one row.
func Key(agentEventID string, t Type, n Name, profileURL string, timestampMS int64) string {
	if agentEventID != "" {
		return agentEventID
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", t, n, profileURL, timestampMS)))
	return hex.EncodeToString(sum[:])
}
