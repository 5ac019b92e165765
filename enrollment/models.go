package enrollment

import (
	"time"

	"outreachflow/campaign"
)

// Status is the per-(campaign, contact) lifecycle position. Transitions only
// move forward; late or duplicated webhooks can never regress a row.
type Status string

const (
	StatusEnrolled    Status = "enrolled"
	StatusActionSent  Status = "action_sent"
	StatusAccepted    Status = "accepted"
	StatusReplied     Status = "replied"
	StatusBlacklisted Status = "blacklisted"
	StatusCompleted   Status = "completed"
)

// allowedFrom maps each target status to the statuses it may be entered
// from. This table is the whole state machine; the repository turns it into
// conditional UPDATEs so concurrent writers cannot race past it.
var allowedFrom = map[Status][]Status{
	StatusActionSent:  {StatusEnrolled},
	StatusAccepted:    {StatusEnrolled, StatusActionSent},
	StatusReplied:     {StatusEnrolled, StatusActionSent, StatusAccepted},
	StatusCompleted:   {StatusEnrolled, StatusActionSent, StatusAccepted, StatusReplied},
	StatusBlacklisted: {StatusEnrolled, StatusActionSent, StatusAccepted, StatusReplied},
}

// CanTransition reports whether moving from -> to is a forward move.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// AllowedFrom returns the source statuses for a target, for use in
// conditional SQL.
func AllowedFrom(to Status) []Status {
	return allowedFrom[to]
}

// IsTerminal reports whether no further transition can leave the status.
func IsTerminal(s Status) bool {
	return s == StatusBlacklisted || s == StatusCompleted
}

// Enrollment mirrors a campaign_contacts row.
type Enrollment struct {
	ID             string
	CampaignID     string
	ContactID      string
	Status         Status
	SequenceStep   int
	Tags           []string
	NextEligibleAt time.Time
	EnrolledAt     time.Time
	AcceptedAt     *time.Time
	RepliedAt      *time.Time
	BlacklistedAt  *time.Time
	CompletedAt    *time.Time
}

// NextEligibleAt computes when the given follow-up step becomes runnable.
// When the step asks for a random delay, a uniform jitter of up to half the
// base delay is added. The sample is taken exactly once, when the prior step
// completes, and persisted; resampling on every scheduler pass would let
// repeated polls push eligible contacts out indefinitely.
func NextEligibleAt(completedAt time.Time, step campaign.Step, intn func(int) int) time.Time {
	base := time.Duration(step.DelayDays) * 24 * time.Hour
	if step.RandomDelay && base > 0 && intn != nil {
		jitterSeconds := intn(int(base/(2*time.Second)) + 1)
		base += time.Duration(jitterSeconds) * time.Second
	}
	return completedAt.Add(base)
}
