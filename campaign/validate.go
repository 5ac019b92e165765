package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSteps signals a sequence definition without a single step.
	ErrNoSteps = errors.New("campaign: sequence needs at least one step")
	// ErrDuplicateConnectStep signals more than one connection request in a
	// sequence. A contact gets at most one connection request per campaign
	// for its entire lifetime, so this is rejected at definition time.
	ErrDuplicateConnectStep = errors.New("campaign: sequence may contain at most one connect step")
)

// ValidateSteps checks a sequence definition before it is persisted. Steps
// must be numbered contiguously from 0 and follow-up steps need a positive
// delay so the scheduler has a real gap to honor.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}

	connects := 0
	for i, s := range steps {
		if s.No != i {
			return fmt.Errorf("campaign: step %d out of order (got no=%d)", i, s.No)
		}
		if !isValidStepKind(s.Kind) {
			return fmt.Errorf("campaign: step %d has unknown kind %q", i, s.Kind)
		}
		if s.DelayDays < 0 {
			return fmt.Errorf("campaign: step %d has negative delay", i)
		}
		if i > 0 && s.DelayDays == 0 {
			return fmt.Errorf("campaign: follow-up step %d needs a delay of at least one day", i)
		}
		if s.Kind == StepConnect {
			connects++
		}
		if (s.Kind == StepMessage || s.Kind == StepInMail) && s.Template == "" {
			return fmt.Errorf("campaign: step %d (%s) requires a message template", i, s.Kind)
		}
	}
	if connects > 1 {
		return ErrDuplicateConnectStep
	}

	return nil
}
