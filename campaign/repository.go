package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no campaign row exists for the identifier.
	ErrNotFound = errors.New("campaign: not found")
	// ErrBadStatus signals a status change that the lifecycle forbids.
	ErrBadStatus = errors.New("campaign: invalid status transition")
	// ErrLocked signals a definition edit after the campaign has sent messages.
	ErrLocked = errors.New("campaign: definition locked once messages were sent")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type CreateParams struct {
	OrgID     string
	AccountID string
	Name      string
	StartsAt  *time.Time
	EndsAt    *time.Time
	Steps     []Step
}

// Create persists the campaign and its ordered steps in one transaction.
// Callers validate the step definition first; the repository only guards
// referential shape.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Campaign, error) {
	if params.OrgID == "" || params.AccountID == "" {
		return Campaign{}, fmt.Errorf("campaign: org and account ids required")
	}
	if params.Name == "" {
		return Campaign{}, fmt.Errorf("campaign: name required")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
        INSERT INTO campaigns (org_id, account_id, name, status, starts_at, ends_at)
        VALUES ($1, $2, $3, 'draft', $4, $5)
        RETURNING id, status, locked, created_at, updated_at
    `
	c := Campaign{
		OrgID:     params.OrgID,
		AccountID: params.AccountID,
		Name:      params.Name,
		StartsAt:  params.StartsAt,
		EndsAt:    params.EndsAt,
		Steps:     params.Steps,
	}
	if err := tx.QueryRow(ctx, insertSQL,
		params.OrgID, params.AccountID, params.Name, params.StartsAt, params.EndsAt,
	).Scan(&c.ID, &c.Status, &c.Locked, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Campaign{}, fmt.Errorf("campaign: insert: %w", err)
	}

	const stepSQL = `
        INSERT INTO campaign_steps (campaign_id, step_no, kind, delay_days, template, random_delay)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	for _, s := range params.Steps {
		if _, err := tx.Exec(ctx, stepSQL, c.ID, s.No, s.Kind, s.DelayDays, s.Template, s.RandomDelay); err != nil {
			return Campaign{}, fmt.Errorf("campaign: insert step %d: %w", s.No, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Campaign{}, fmt.Errorf("campaign: commit: %w", err)
	}

	return c, nil
}

// GetByID loads a campaign and its ordered steps.
func (r *Repository) GetByID(ctx context.Context, id string) (Campaign, error) {
	const query = `
        SELECT id, org_id, account_id, name, status, starts_at, ends_at, locked, created_at, updated_at
        FROM campaigns
        WHERE id = $1
    `

	var c Campaign
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.OrgID, &c.AccountID, &c.Name, &c.Status,
		&c.StartsAt, &c.EndsAt, &c.Locked, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, fmt.Errorf("campaign: query by id: %w", err)
	}

	steps, err := r.loadSteps(ctx, c.ID)
	if err != nil {
		return Campaign{}, err
	}
	c.Steps = steps

	return c, nil
}

// ReplaceSteps swaps the campaign's step definition for a new one. Refused
// with ErrLocked once the first message went out; only status and end date
// stay mutable after that.
func (r *Repository) ReplaceSteps(ctx context.Context, id string, steps []Step) (Campaign, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT locked FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, fmt.Errorf("campaign: lock check: %w", err)
	}
	if locked {
		return Campaign{}, ErrLocked
	}

	if _, err := tx.Exec(ctx, `DELETE FROM campaign_steps WHERE campaign_id = $1`, id); err != nil {
		return Campaign{}, fmt.Errorf("campaign: clear steps: %w", err)
	}
	const stepSQL = `
        INSERT INTO campaign_steps (campaign_id, step_no, kind, delay_days, template, random_delay)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	for _, s := range steps {
		if _, err := tx.Exec(ctx, stepSQL, id, s.No, s.Kind, s.DelayDays, s.Template, s.RandomDelay); err != nil {
			return Campaign{}, fmt.Errorf("campaign: insert step %d: %w", s.No, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE campaigns SET updated_at = now() WHERE id = $1`, id); err != nil {
		return Campaign{}, fmt.Errorf("campaign: touch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Campaign{}, fmt.Errorf("campaign: commit: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *Repository) loadSteps(ctx context.Context, campaignID string) ([]Step, error) {
	const query = `
        SELECT step_no, kind, delay_days, template, random_delay
        FROM campaign_steps
        WHERE campaign_id = $1
        ORDER BY step_no
    `

	rows, err := r.pool.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign: load steps: %w", err)
	}
	defer rows.Close()

	steps := make([]Step, 0, 4)
	for rows.Next() {
		var s Step
		if err := rows.Scan(&s.No, &s.Kind, &s.DelayDays, &s.Template, &s.RandomDelay); err != nil {
			return nil, fmt.Errorf("campaign: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign: iterate steps: %w", err)
	}

	return steps, nil
}

// UpdateStatus moves the campaign lifecycle forward. Archived is terminal;
// a no-row update distinguishes missing campaigns from forbidden moves the
// same way dispute resolution does.
func (r *Repository) UpdateStatus(ctx context.Context, id string, next Status) (Campaign, error) {
	if !IsValidStatus(next) {
		return Campaign{}, ErrBadStatus
	}

	const query = `
        UPDATE campaigns
        SET status = $2, updated_at = now()
        WHERE id = $1 AND status <> 'archived'
        RETURNING id, org_id, account_id, name, status, starts_at, ends_at, locked, created_at, updated_at
    `

	var c Campaign
	err := r.pool.QueryRow(ctx, query, id, next).Scan(
		&c.ID, &c.OrgID, &c.AccountID, &c.Name, &c.Status,
		&c.StartsAt, &c.EndsAt, &c.Locked, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, fmt.Errorf("campaign: update status: %w", err)
	}

	var current Status
	if err := r.pool.QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, fmt.Errorf("campaign: update status fetch: %w", err)
	}
	return Campaign{}, ErrBadStatus
}

// UpdateEndDate is the one definition field that stays mutable after lock.
func (r *Repository) UpdateEndDate(ctx context.Context, id string, endsAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE campaigns SET ends_at = $2, updated_at = now() WHERE id = $1`, id, endsAt)
	if err != nil {
		return fmt.Errorf("campaign: update end date: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkLocked flags the campaign definition immutable. Runs inside the
// ingestion transaction that records the campaign's first sent message.
func MarkLocked(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE campaigns SET locked = true WHERE id = $1 AND locked = false`, id); err != nil {
		return fmt.Errorf("campaign: mark locked: %w", err)
	}
	return nil
}
