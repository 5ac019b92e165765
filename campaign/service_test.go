package campaign

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	created      *CreateParams
	statusUpdate Status
	statusErr    error
	replaced     []Step
	replaceErr   error
}

func (f *fakeStore) Create(_ context.Context, params CreateParams) (Campaign, error) {
	f.created = &params
	return Campaign{ID: "c1", Status: StatusDraft, Steps: params.Steps}, nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (Campaign, error) {
	return Campaign{ID: id}, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, next Status) (Campaign, error) {
	if f.statusErr != nil {
		return Campaign{}, f.statusErr
	}
	f.statusUpdate = next
	return Campaign{ID: id, Status: next}, nil
}

func (f *fakeStore) UpdateEndDate(_ context.Context, _ string, _ *time.Time) error {
	return nil
}

func (f *fakeStore) ReplaceSteps(_ context.Context, id string, steps []Step) (Campaign, error) {
	if f.replaceErr != nil {
		return Campaign{}, f.replaceErr
	}
	f.replaced = steps
	return Campaign{ID: id, Status: StatusDraft, Steps: steps}, nil
}

func validParams() CreateParams {
	return CreateParams{
		OrgID:     "org-1",
		AccountID: "acct-1",
		Name:      "Q3 Founders",
		Steps: []Step{
			{No: 0, Kind: StepConnect, Template: "Hi {{first_name}}"},
			{No: 1, Kind: StepMessage, DelayDays: 3, Template: "Following up"},
		},
	}
}

func TestCreate_ValidSequence(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store)

	c, err := svc.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("create: unexpected error: %v", err)
	}
	if c.Status != StatusDraft {
		t.Fatalf("expected draft status, got %s", c.Status)
	}
	if store.created == nil || len(store.created.Steps) != 2 {
		t.Fatalf("expected steps to reach the store, got %+v", store.created)
	}
}

func TestCreate_RejectsSecondConnectStep(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store)

	params := validParams()
	params.Steps = append(params.Steps, Step{No: 2, Kind: StepConnect, DelayDays: 5})

	if _, err := svc.Create(context.Background(), params); !errors.Is(err, ErrDuplicateConnectStep) {
		t.Fatalf("expected ErrDuplicateConnectStep, got %v", err)
	}
	if store.created != nil {
		t.Fatal("expected nothing persisted for an invalid sequence")
	}
}

func TestCreate_RejectsEmptySequence(t *testing.T) {
	svc := NewService(&fakeStore{})

	params := validParams()
	params.Steps = nil

	if _, err := svc.Create(context.Background(), params); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
}

func TestCreate_RejectsZeroDelayFollowUp(t *testing.T) {
	svc := NewService(&fakeStore{})

	params := validParams()
	params.Steps[1].DelayDays = 0

	if _, err := svc.Create(context.Background(), params); err == nil {
		t.Fatal("expected error for follow-up without delay")
	}
}

func TestCreate_RejectsInvertedWindow(t *testing.T) {
	svc := NewService(&fakeStore{})

	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-24 * time.Hour)
	params := validParams()
	params.StartsAt = &start
	params.EndsAt = &end

	if _, err := svc.Create(context.Background(), params); err == nil {
		t.Fatal("expected error for inverted schedule window")
	}
}

func TestUpdateSteps_ValidatesBeforeStore(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store)

	steps := []Step{
		{No: 0, Kind: StepConnect},
		{No: 1, Kind: StepConnect, DelayDays: 2},
	}
	if _, err := svc.UpdateSteps(context.Background(), "c1", steps); !errors.Is(err, ErrDuplicateConnectStep) {
		t.Fatalf("expected ErrDuplicateConnectStep, got %v", err)
	}
	if store.replaced != nil {
		t.Fatal("expected nothing persisted for an invalid sequence")
	}
}

func TestUpdateSteps_LockedCampaign(t *testing.T) {
	store := &fakeStore{replaceErr: ErrLocked}
	svc := NewService(store)

	steps := validParams().Steps
	if _, err := svc.UpdateSteps(context.Background(), "c1", steps); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked once messages went out, got %v", err)
	}
}

func TestUpdateSteps_Replaces(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store)

	steps := validParams().Steps
	c, err := svc.UpdateSteps(context.Background(), "c1", steps)
	if err != nil {
		t.Fatalf("update steps: %v", err)
	}
	if len(c.Steps) != 2 || len(store.replaced) != 2 {
		t.Fatalf("expected the new definition to reach the store, got %+v", store.replaced)
	}
}

func TestPauseAndArchive(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store)

	if _, err := svc.Pause(context.Background(), "c1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if store.statusUpdate != StatusPaused {
		t.Fatalf("expected paused, got %s", store.statusUpdate)
	}

	store.statusErr = ErrBadStatus
	if _, err := svc.Activate(context.Background(), "c1"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus from terminal campaign, got %v", err)
	}
}

func TestInWindow(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	cases := []struct {
		name     string
		starts   *time.Time
		ends     *time.Time
		expected bool
	}{
		{"unbounded", nil, nil, true},
		{"inside", &before, &after, true},
		{"not started", &after, nil, false},
		{"ended", nil, &before, false},
	}
	for _, tc := range cases {
		c := Campaign{StartsAt: tc.starts, EndsAt: tc.ends}
		if got := c.InWindow(now); got != tc.expected {
			t.Errorf("%s: InWindow=%v, expected %v", tc.name, got, tc.expected)
		}
	}
}
