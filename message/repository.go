package message

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append records one conversation entry inside the caller's transaction.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, m Message) (Message, error) {
	if m.EnrollmentID == "" {
		return Message{}, fmt.Errorf("message: enrollment id required")
	}
	if m.Direction != DirectionSent && m.Direction != DirectionReceived {
		return Message{}, fmt.Errorf("message: invalid direction %q", m.Direction)
	}

	const query = `
        INSERT INTO messages (enrollment_id, direction, body, event_id)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at
    `

	if err := tx.QueryRow(ctx, query, m.EnrollmentID, m.Direction, m.Body, m.EventID).
		Scan(&m.ID, &m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("message: append: %w", err)
	}

	return m, nil
}

// ListByEnrollment returns the conversation oldest first.
func (r *Repository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]Message, error) {
	const query = `
        SELECT id, enrollment_id, direction, body, event_id, created_at
        FROM messages
        WHERE enrollment_id = $1
        ORDER BY created_at
    `

	rows, err := r.pool.Query(ctx, query, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.EnrollmentID, &m.Direction, &m.Body, &m.EventID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate: %w", err)
	}

	return out, nil
}
