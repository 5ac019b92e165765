package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// PendingAction is one claimed action_requests row awaiting delivery.
type PendingAction struct {
	ID         string
	ProfileURL string
	Action     string
	Message    string
	Subject    string
	Attempts   int
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxStore is the persistence surface the pump needs.
type OutboxStore interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]PendingAction, error)
	MarkSent(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool) error
}

// Pump drains pending action requests to the agent queue. Rows stay pending
// on failure and are retried on the next cycle until the attempt cap, after
// which they go dead. Publishing before commit means a crash in between
// replays the row: at-least-once, deduped by the agent on request_id.
type Pump struct {
	pool        TxBeginner
	store       OutboxStore
	pub         Publisher
	batch       int
	maxAttempts int
}

func NewPump(pool TxBeginner, store OutboxStore, pub Publisher) *Pump {
	return &Pump{
		pool:        pool,
		store:       store,
		pub:         pub,
		batch:       50,
		maxAttempts: 5,
	}
}

// RunOnce claims one batch and delivers it. Returns how many requests were
// handed to the broker.
func (p *Pump) RunOnce(ctx context.Context) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: begin pump tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pending, err := p.store.ClaimPending(ctx, tx, p.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			break
		}

		if err := p.pub.Publish(ActionMessage{
			RequestID:  req.ID,
			ProfileURL: req.ProfileURL,
			Action:     req.Action,
			Message:    req.Message,
			Subject:    req.Subject,
		}); err != nil {
			dead := req.Attempts+1 >= p.maxAttempts
			if dead {
				log.Printf("dispatch: request %s dead after %d attempts: %v", req.ID, req.Attempts+1, err)
			} else {
				log.Printf("dispatch: request %s publish failed (attempt %d): %v", req.ID, req.Attempts+1, err)
			}
			if markErr := p.store.MarkFailed(ctx, tx, req.ID, dead); markErr != nil {
				return sent, markErr
			}
			continue
		}

		if err := p.store.MarkSent(ctx, tx, req.ID); err != nil {
			return sent, err
		}
		sent++
	}

	if err := tx.Commit(ctx); err != nil {
		return sent, fmt.Errorf("dispatch: commit pump tx: %w", err)
	}

	return sent, nil
}

// Repository is the pgx-backed OutboxStore.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ClaimPending locks a batch of pending rows so concurrent pumps never
// deliver the same request twice in one cycle.
func (r *Repository) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]PendingAction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	const query = `
        SELECT id, profile_url, action, message, subject, attempts
        FROM action_requests
        WHERE status = 'pending'
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: claim pending: %w", err)
	}
	defer rows.Close()

	out := make([]PendingAction, 0, limit)
	for rows.Next() {
		var a PendingAction
		if err := rows.Scan(&a.ID, &a.ProfileURL, &a.Action, &a.Message, &a.Subject, &a.Attempts); err != nil {
			return nil, fmt.Errorf("dispatch: scan pending: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: iterate pending: %w", err)
	}

	return out, nil
}

func (r *Repository) MarkSent(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE action_requests
        SET status = 'sent', attempts = attempts + 1, last_attempt_at = $2
        WHERE id = $1
    `, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("dispatch: mark sent: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	if _, err := tx.Exec(ctx, `
        UPDATE action_requests
        SET status = $2, attempts = attempts + 1, last_attempt_at = $3
        WHERE id = $1
    `, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("dispatch: mark failed: %w", err)
	}
	return nil
}
