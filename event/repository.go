package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicate signals the event key is already stored. Callers treat it
	// as an idempotent no-op, not a failure.
	ErrDuplicate = errors.New("event: duplicate event key")
	// ErrNotFound is returned when no event row exists for the identifier.
	ErrNotFound = errors.New("event: not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type InsertParams struct {
	Key          string
	Type         Type
	Name         Name
	ProfileURL   string
	AccountExtID string
	Payload      []byte
	EventTS      *time.Time
}

// Insert appends the raw event inside the caller's transaction. The unique
// constraint on event_key is the sole deduplication mechanism; a unique
// violation surfaces as ErrDuplicate.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (WebhookEvent, error) {
	if params.Key == "" {
		return WebhookEvent{}, fmt.Errorf("event: empty event key")
	}
	payload := params.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	const query = `
        INSERT INTO webhook_events (event_key, event_type, event_name, profile_url, account_external_id, payload, event_ts)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, processed, attempts, needs_review, received_at
    `

	ev := WebhookEvent{
		Key:          params.Key,
		Type:         params.Type,
		Name:         params.Name,
		ProfileURL:   params.ProfileURL,
		AccountExtID: params.AccountExtID,
		Payload:      payload,
		EventTS:      params.EventTS,
	}
	err := tx.QueryRow(ctx, query,
		params.Key, params.Type, params.Name, params.ProfileURL,
		params.AccountExtID, payload, params.EventTS,
	).Scan(&ev.ID, &ev.Processed, &ev.Attempts, &ev.NeedsReview, &ev.ReceivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return WebhookEvent{}, ErrDuplicate
		}
		return WebhookEvent{}, fmt.Errorf("event: insert: %w", err)
	}

	return ev, nil
}

// GetByKey resolves the stored event for an idempotency key, used to answer
// duplicate deliveries with the original event id.
func (r *Repository) GetByKey(ctx context.Context, key string) (WebhookEvent, error) {
	return r.get(ctx, `event_key`, key)
}

// GetByID fetches one event row.
func (r *Repository) GetByID(ctx context.Context, id string) (WebhookEvent, error) {
	return r.get(ctx, `id`, id)
}

func (r *Repository) get(ctx context.Context, column, value string) (WebhookEvent, error) {
	query := fmt.Sprintf(`
        SELECT id, event_key, event_type, event_name, profile_url, account_external_id,
               payload, event_ts, processed, process_error, attempts, next_retry_at, needs_review, received_at
        FROM webhook_events
        WHERE %s = $1
    `, column)

	var ev WebhookEvent
	err := r.pool.QueryRow(ctx, query, value).Scan(
		&ev.ID, &ev.Key, &ev.Type, &ev.Name, &ev.ProfileURL, &ev.AccountExtID,
		&ev.Payload, &ev.EventTS, &ev.Processed, &ev.ProcessError,
		&ev.Attempts, &ev.NextRetryAt, &ev.NeedsReview, &ev.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WebhookEvent{}, ErrNotFound
		}
		return WebhookEvent{}, fmt.Errorf("event: query: %w", err)
	}

	return ev, nil
}

// MarkProcessed flips the processed flag inside the dispatch transaction so
// side effects and the flag commit together.
func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE webhook_events
        SET processed = true, process_error = '', next_retry_at = NULL
        WHERE id = $1
    `, id)
	if err != nil {
		return fmt.Errorf("event: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure keeps the event durable but unprocessed, with the reason and
// the retry schedule for the reconcile sweep. Runs outside the aborted
// dispatch transaction.
func (r *Repository) RecordFailure(ctx context.Context, id, reason string, nextRetryAt *time.Time, needsReview bool) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE webhook_events
        SET process_error = $2,
            attempts      = attempts + 1,
            next_retry_at = $3,
            needs_review  = $4
        WHERE id = $1 AND processed = false
    `, id, reason, nextRetryAt, needsReview)
	if err != nil {
		return fmt.Errorf("event: record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DueForRetry lists unprocessed events whose backoff has elapsed, oldest
// first, for the reconcile sweep.
func (r *Repository) DueForRetry(ctx context.Context, asOf time.Time, limit int) ([]WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	const query = `
        SELECT id, event_key, event_type, event_name, profile_url, account_external_id,
               payload, event_ts, processed, process_error, attempts, next_retry_at, needs_review, received_at
        FROM webhook_events
        WHERE processed = false
          AND needs_review = false
          AND (next_retry_at IS NULL OR next_retry_at <= $1)
        ORDER BY received_at
        LIMIT $2
    `

	rows, err := r.pool.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("event: due for retry: %w", err)
	}
	defer rows.Close()

	out := make([]WebhookEvent, 0, limit)
	for rows.Next() {
		var ev WebhookEvent
		if err := rows.Scan(
			&ev.ID, &ev.Key, &ev.Type, &ev.Name, &ev.ProfileURL, &ev.AccountExtID,
			&ev.Payload, &ev.EventTS, &ev.Processed, &ev.ProcessError,
			&ev.Attempts, &ev.NextRetryAt, &ev.NeedsReview, &ev.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("event: scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event: iterate: %w", err)
	}

	return out, nil
}
