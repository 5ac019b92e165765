package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"outreachflow/campaign"
)

// Kind is the budgeted action class. One daily counter exists per
// (automation account, calendar day, kind); the day key is the reset
// mechanism, no job zeroes counters.
type Kind string

const (
	KindVisits   Kind = "visits"
	KindInvites  Kind = "invites"
	KindMessages Kind = "messages"
	KindEnrolls  Kind = "enrolls"
)

// KindForStep maps a sequence action to the budget it draws from.
func KindForStep(k campaign.StepKind) Kind {
	switch k {
	case campaign.StepVisit:
		return KindVisits
	case campaign.StepConnect:
		return KindInvites
	default:
		return KindMessages
	}
}

// Querier is the subset of pgx shared by pgx.Tx and *pgxpool.Pool, so a
// reservation can join a caller's transaction or stand alone.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ReserveParams struct {
	AccountID string
	Day       time.Time
	Kind      Kind
	N         int
	// Ceiling 0 means no cap (product convention).
	Ceiling int
}

// TryReserve atomically increments the day's counter when the ceiling
// allows it. The guard lives in the single INSERT .. ON CONFLICT DO UPDATE
// statement, so concurrent workers can never push usage past the ceiling;
// rolling back the surrounding transaction releases the reservation.
func TryReserve(ctx context.Context, q Querier, p ReserveParams) (bool, error) {
	if p.AccountID == "" {
		return false, fmt.Errorf("ratelimit: account id required")
	}
	if p.N <= 0 {
		return false, fmt.Errorf("ratelimit: reservation size must be positive, got %d", p.N)
	}
	if p.Ceiling < 0 {
		return false, fmt.Errorf("ratelimit: negative ceiling")
	}
	if p.Ceiling > 0 && p.N > p.Ceiling {
		return false, nil
	}

	const query = `
        INSERT INTO rate_budgets (account_id, day, kind, used)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (account_id, day, kind) DO UPDATE
        SET used = rate_budgets.used + EXCLUDED.used
        WHERE $5 = 0 OR rate_budgets.used + EXCLUDED.used <= $5
        RETURNING used
    `

	var used int
	err := q.QueryRow(ctx, query, p.AccountID, p.Day.UTC().Format("2006-01-02"), p.Kind, p.N, p.Ceiling).Scan(&used)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		// The guarded update matched nothing: budget exhausted for today.
		return false, nil
	}
	return false, fmt.Errorf("ratelimit: reserve: %w", err)
}

// Used reports the day's consumed budget for observability.
func Used(ctx context.Context, q Querier, accountID string, day time.Time, kind Kind) (int, error) {
	var used int
	err := q.QueryRow(ctx, `
        SELECT used FROM rate_budgets WHERE account_id = $1 AND day = $2 AND kind = $3
    `, accountID, day.UTC().Format("2006-01-02"), kind).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: used: %w", err)
	}
	return used, nil
}
