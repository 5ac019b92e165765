package campaign

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// StepKind is the closed set of automated actions a sequence step can take.
type StepKind string

const (
	StepVisit   StepKind = "visit"
	StepConnect StepKind = "connect"
	StepMessage StepKind = "message"
	StepInMail  StepKind = "inmail"
)

// Step is one position in a campaign's outreach chain. Step 0 is the initial
// action; later steps are follow-ups gated by DelayDays after the previous
// step completed.
type Step struct {
	No          int
	Kind        StepKind
	DelayDays   int
	Template    string
	RandomDelay bool
}

// Campaign mirrors the campaigns table plus its ordered steps. Domain structs
// carry no JSON tags; the HTTP layer maps them into response shapes.
type Campaign struct {
	ID        string
	OrgID     string
	AccountID string
	Name      string
	Status    Status
	StartsAt  *time.Time
	EndsAt    *time.Time
	Locked    bool
	Steps     []Step
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepAt returns the step for the given sequence position, or false when the
// position is past the end of the chain.
func (c Campaign) StepAt(no int) (Step, bool) {
	for _, s := range c.Steps {
		if s.No == no {
			return s, true
		}
	}
	return Step{}, false
}

// InWindow reports whether t falls inside the campaign's schedule window.
// A nil bound is unbounded on that side.
func (c Campaign) InWindow(t time.Time) bool {
	if c.StartsAt != nil && t.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && t.After(*c.EndsAt) {
		return false
	}
	return true
}

func IsValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

func isValidStepKind(k StepKind) bool {
	switch k {
	case StepVisit, StepConnect, StepMessage, StepInMail:
		return true
	default:
		return false
	}
}
