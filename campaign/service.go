package campaign

import (
	"context"
	"fmt"
	"time"
)

// Store abstracts repository operations for the service.
type Store interface {
	Create(ctx context.Context, params CreateParams) (Campaign, error)
	GetByID(ctx context.Context, id string) (Campaign, error)
	UpdateStatus(ctx context.Context, id string, next Status) (Campaign, error)
	UpdateEndDate(ctx context.Context, id string, endsAt *time.Time) error
	ReplaceSteps(ctx context.Context, id string, steps []Step) (Campaign, error)
}

// Service exposes business-level campaign operations.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create validates the sequence definition and persists the campaign in
// draft status.
func (s *Service) Create(ctx context.Context, params CreateParams) (Campaign, error) {
	if err := ValidateSteps(params.Steps); err != nil {
		return Campaign{}, err
	}
	if params.StartsAt != nil && params.EndsAt != nil && params.EndsAt.Before(*params.StartsAt) {
		return Campaign{}, fmt.Errorf("campaign: schedule window ends before it starts")
	}
	return s.store.Create(ctx, params)
}

// Get loads one campaign with its steps.
func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	return s.store.GetByID(ctx, id)
}

// Activate makes the campaign's enrollments schedulable.
func (s *Service) Activate(ctx context.Context, id string) (Campaign, error) {
	return s.store.UpdateStatus(ctx, id, StatusActive)
}

// Pause makes every enrollment of the campaign ineligible for new actions.
// In-flight requests already handed to the agent are not recalled.
func (s *Service) Pause(ctx context.Context, id string) (Campaign, error) {
	return s.store.UpdateStatus(ctx, id, StatusPaused)
}

// Archive is terminal.
func (s *Service) Archive(ctx context.Context, id string) (Campaign, error) {
	return s.store.UpdateStatus(ctx, id, StatusArchived)
}

// UpdateSteps replaces the sequence definition. The same validation as Create
// applies; the store refuses with ErrLocked once messages have gone out.
func (s *Service) UpdateSteps(ctx context.Context, id string, steps []Step) (Campaign, error) {
	if err := ValidateSteps(steps); err != nil {
		return Campaign{}, err
	}
	return s.store.ReplaceSteps(ctx, id, steps)
}

// SetEndDate shortens or extends the schedule window. Allowed even after the
// definition is locked.
func (s *Service) SetEndDate(ctx context.Context, id string, endsAt *time.Time) error {
	return s.store.UpdateEndDate(ctx, id, endsAt)
}
