package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"outreachflow/campaign"
)

type fakeRow struct {
	used int
	err  error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if p, ok := dest[0].(*int); ok {
		*p = f.used
	}
	return nil
}

type fakeQuerier struct {
	row     fakeRow
	queried bool
}

func (f *fakeQuerier) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	f.queried = true
	return f.row
}

func day() time.Time {
	return time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
}

func TestTryReserve_GrantsWithinCeiling(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{used: 3}}

	ok, err := TryReserve(context.Background(), q, ReserveParams{
		AccountID: "acct-1", Day: day(), Kind: KindInvites, N: 1, Ceiling: 25,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected reservation to be granted")
	}
}

func TestTryReserve_ExhaustedIsNotAnError(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}

	ok, err := TryReserve(context.Background(), q, ReserveParams{
		AccountID: "acct-1", Day: day(), Kind: KindMessages, N: 1, Ceiling: 60,
	})
	if err != nil {
		t.Fatalf("exhaustion must not error: %v", err)
	}
	if ok {
		t.Fatal("expected reservation to be denied")
	}
}

func TestTryReserve_BatchLargerThanCeiling(t *testing.T) {
	q := &fakeQuerier{}

	ok, err := TryReserve(context.Background(), q, ReserveParams{
		AccountID: "acct-1", Day: day(), Kind: KindEnrolls, N: 50, Ceiling: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("a batch larger than the ceiling can never be granted")
	}
	if q.queried {
		t.Fatal("oversized batch should be denied without touching the store")
	}
}

func TestTryReserve_ZeroCeilingIsUnlimited(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{used: 10000}}

	ok, err := TryReserve(context.Background(), q, ReserveParams{
		AccountID: "acct-1", Day: day(), Kind: KindVisits, N: 500, Ceiling: 0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("ceiling 0 means no cap")
	}
}

func TestTryReserve_InvalidInputs(t *testing.T) {
	q := &fakeQuerier{}

	if _, err := TryReserve(context.Background(), q, ReserveParams{Day: day(), Kind: KindVisits, N: 1}); err == nil {
		t.Fatal("expected error for missing account id")
	}
	if _, err := TryReserve(context.Background(), q, ReserveParams{AccountID: "a", Day: day(), Kind: KindVisits, N: 0}); err == nil {
		t.Fatal("expected error for non-positive n")
	}
	if _, err := TryReserve(context.Background(), q, ReserveParams{AccountID: "a", Day: day(), Kind: KindVisits, N: 1, Ceiling: -1}); err == nil {
		t.Fatal("expected error for negative ceiling")
	}
}

func TestKindForStep(t *testing.T) {
	cases := map[campaign.StepKind]Kind{
		campaign.StepVisit:   KindVisits,
		campaign.StepConnect: KindInvites,
		campaign.StepMessage: KindMessages,
		campaign.StepInMail:  KindMessages,
	}
	for step, want := range cases {
		if got := KindForStep(step); got != want {
			t.Errorf("KindForStep(%s) = %s, expected %s", step, got, want)
		}
	}
}
