package message

import "time"

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message is one ledger entry in an enrollment's conversation. The ledger is
// append-only; reply detection reads it, nothing rewrites it.
type Message struct {
	ID           string
	EnrollmentID string
	Direction    Direction
	Body         string
	// EventID links back to the webhook event that produced the entry, when
	// there was one.
	EventID   *string
	CreatedAt time.Time
}
