package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAccountNotFound is returned when no automation account matches.
var ErrAccountNotFound = errors.New("ratelimit: automation account not found")

// Ceilings carries an account's configured daily caps per kind.
type Ceilings struct {
	Visits   int
	Invites  int
	Messages int
	Enrolls  int
}

// For returns the ceiling for one kind.
func (c Ceilings) For(k Kind) int {
	switch k {
	case KindVisits:
		return c.Visits
	case KindInvites:
		return c.Invites
	case KindMessages:
		return c.Messages
	case KindEnrolls:
		return c.Enrolls
	default:
		return 0
	}
}

// Account is one automation seat the agent operates; rate limits are
// enforced against it across every campaign it serves.
type Account struct {
	ID         string
	ExternalID string
	Label      string
	Ceilings   Ceilings
}

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

const accountColumns = `id, external_id, label, daily_visits, daily_invites, daily_messages, daily_enrolls`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.ExternalID, &a.Label,
		&a.Ceilings.Visits, &a.Ceilings.Invites, &a.Ceilings.Messages, &a.Ceilings.Enrolls)
	return a, err
}

// GetByID fetches one account with its ceilings.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM automation_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("ratelimit: account by id: %w", err)
	}
	return a, nil
}

// GetByExternalID resolves the account from the agent's userid field.
func (r *AccountRepository) GetByExternalID(ctx context.Context, externalID string) (Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM automation_accounts WHERE external_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("ratelimit: account by external id: %w", err)
	}
	return a, nil
}

// List returns every automation account, for the worker's scheduler loop.
func (r *AccountRepository) List(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM automation_accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]Account, 0, 4)
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.ExternalID, &a.Label,
			&a.Ceilings.Visits, &a.Ceilings.Invites, &a.Ceilings.Messages, &a.Ceilings.Enrolls); err != nil {
			return nil, fmt.Errorf("ratelimit: scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: iterate accounts: %w", err)
	}
	return out, nil
}
