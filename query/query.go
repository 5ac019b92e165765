// Package query holds the read-only projections consumed by the UI layer.
// Nothing here writes state; enrollment status only ever changes through the
// ingestor, the scheduler, and the enrollment service.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"outreachflow/message"
)

var ErrNotFound = errors.New("query: not found")

type Repository struct {
	pool     *pgxpool.Pool
	messages *message.Repository
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, messages: message.NewRepository(pool)}
}

// CampaignStats aggregates one campaign's funnel.
type CampaignStats struct {
	CampaignID       string
	Enrolled         int
	ActionSent       int
	Accepted         int
	Replied          int
	Blacklisted      int
	Completed        int
	MessagesSent     int
	MessagesReceived int
}

func (r *Repository) CampaignStats(ctx context.Context, campaignID string) (CampaignStats, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, campaignID).Scan(&exists); err != nil {
		return CampaignStats{}, fmt.Errorf("query: campaign check: %w", err)
	}
	if !exists {
		return CampaignStats{}, ErrNotFound
	}

	stats := CampaignStats{CampaignID: campaignID}

	const statusSQL = `
        SELECT status, count(*) FROM campaign_contacts WHERE campaign_id = $1 GROUP BY status
    `
	rows, err := r.pool.Query(ctx, statusSQL, campaignID)
	if err != nil {
		return CampaignStats{}, fmt.Errorf("query: status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return CampaignStats{}, fmt.Errorf("query: scan status count: %w", err)
		}
		switch status {
		case "enrolled":
			stats.Enrolled = n
		case "action_sent":
			stats.ActionSent = n
		case "accepted":
			stats.Accepted = n
		case "replied":
			stats.Replied = n
		case "blacklisted":
			stats.Blacklisted = n
		case "completed":
			stats.Completed = n
		}
	}
	if err := rows.Err(); err != nil {
		return CampaignStats{}, fmt.Errorf("query: iterate status counts: %w", err)
	}

	const messageSQL = `
        SELECT m.direction, count(*)
        FROM messages m
        JOIN campaign_contacts cc ON cc.id = m.enrollment_id
        WHERE cc.campaign_id = $1
        GROUP BY m.direction
    `
	mrows, err := r.pool.Query(ctx, messageSQL, campaignID)
	if err != nil {
		return CampaignStats{}, fmt.Errorf("query: message counts: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var direction string
		var n int
		if err := mrows.Scan(&direction, &n); err != nil {
			return CampaignStats{}, fmt.Errorf("query: scan message count: %w", err)
		}
		switch direction {
		case "sent":
			stats.MessagesSent = n
		case "received":
			stats.MessagesReceived = n
		}
	}
	if err := mrows.Err(); err != nil {
		return CampaignStats{}, fmt.Errorf("query: iterate message counts: %w", err)
	}

	return stats, nil
}

// EnrollmentRow is one line of the campaign's contact list.
type EnrollmentRow struct {
	EnrollmentID   string
	ContactID      string
	ProfileURL     string
	FullName       string
	Company        string
	Status         string
	SequenceStep   int
	Tags           []string
	NextEligibleAt time.Time
	EnrolledAt     time.Time
}

func (r *Repository) Enrollments(ctx context.Context, campaignID string, limit int) ([]EnrollmentRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	const query = `
        SELECT cc.id, ct.id, ct.profile_url, ct.full_name, ct.company,
               cc.status, cc.sequence_step, cc.tags, cc.next_eligible_at, cc.enrolled_at
        FROM campaign_contacts cc
        JOIN contacts ct ON ct.id = cc.contact_id
        WHERE cc.campaign_id = $1
        ORDER BY cc.enrolled_at
        LIMIT $2
    `

	rows, err := r.pool.Query(ctx, query, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: enrollments: %w", err)
	}
	defer rows.Close()

	out := make([]EnrollmentRow, 0, limit)
	for rows.Next() {
		var e EnrollmentRow
		if err := rows.Scan(
			&e.EnrollmentID, &e.ContactID, &e.ProfileURL, &e.FullName, &e.Company,
			&e.Status, &e.SequenceStep, &e.Tags, &e.NextEligibleAt, &e.EnrolledAt,
		); err != nil {
			return nil, fmt.Errorf("query: scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: iterate enrollments: %w", err)
	}

	return out, nil
}

// ConversationEntry is one message of an enrollment's history, oldest first.
type ConversationEntry struct {
	MessageID string
	Direction string
	Body      string
	EventID   *string
	CreatedAt time.Time
}

func (r *Repository) Conversation(ctx context.Context, enrollmentID string) ([]ConversationEntry, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaign_contacts WHERE id = $1)`, enrollmentID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query: enrollment check: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	msgs, err := r.messages.ListByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ConversationEntry{
			MessageID: m.ID,
			Direction: string(m.Direction),
			Body:      m.Body,
			EventID:   m.EventID,
			CreatedAt: m.CreatedAt,
		})
	}

	return out, nil
}

// EventRow surfaces recent webhook traffic for observability, flagged rows
// first so stuck events are visible.
type EventRow struct {
	EventID     string
	Type        string
	Name        string
	ProfileURL  string
	Processed   bool
	Error       string
	Attempts    int
	NeedsReview bool
	ReceivedAt  time.Time
}

func (r *Repository) RecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	const query = `
        SELECT id, event_type, event_name, profile_url, processed, process_error,
               attempts, needs_review, received_at
        FROM webhook_events
        ORDER BY needs_review DESC, received_at DESC
        LIMIT $1
    `

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query: recent events: %w", err)
	}
	defer rows.Close()

	out := make([]EventRow, 0, limit)
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.EventID, &e.Type, &e.Name, &e.ProfileURL, &e.Processed, &e.Error,
			&e.Attempts, &e.NeedsReview, &e.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("query: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: iterate events: %w", err)
	}

	return out, nil
}
