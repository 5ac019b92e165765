package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no enrollment row exists for the identifier.
	ErrNotFound = errors.New("enrollment: not found")
	// ErrTransitionRejected signals an attempted backward or invalid status
	// move. It is a normal outcome under out-of-order webhook delivery and is
	// logged by callers, never surfaced as a request failure.
	ErrTransitionRejected = errors.New("enrollment: transition rejected")
)

const enrollmentColumns = `id, campaign_id, contact_id, status, sequence_step, tags,
       next_eligible_at, enrolled_at, accepted_at, replied_at, blacklisted_at, completed_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanEnrollment(row pgx.Row) (Enrollment, error) {
	var e Enrollment
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.ContactID, &e.Status, &e.SequenceStep, &e.Tags,
		&e.NextEligibleAt, &e.EnrolledAt, &e.AcceptedAt, &e.RepliedAt, &e.BlacklistedAt, &e.CompletedAt,
	)
	return e, err
}

// Enroll creates the (campaign, contact) row if it does not exist yet. The
// unique pair constraint makes concurrent enrollment attempts collapse onto
// one row; the second caller gets the existing row and inserted=false.
func (r *Repository) Enroll(ctx context.Context, tx pgx.Tx, campaignID, contactID string) (Enrollment, bool, error) {
	insertSQL := fmt.Sprintf(`
        INSERT INTO campaign_contacts (campaign_id, contact_id)
        VALUES ($1, $2)
        ON CONFLICT (campaign_id, contact_id) DO NOTHING
        RETURNING %s
    `, enrollmentColumns)

	e, err := scanEnrollment(tx.QueryRow(ctx, insertSQL, campaignID, contactID))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Enrollment{}, false, fmt.Errorf("enrollment: enroll: %w", err)
	}

	selectSQL := fmt.Sprintf(`
        SELECT %s FROM campaign_contacts WHERE campaign_id = $1 AND contact_id = $2
    `, enrollmentColumns)
	e, err = scanEnrollment(tx.QueryRow(ctx, selectSQL, campaignID, contactID))
	if err != nil {
		return Enrollment{}, false, fmt.Errorf("enrollment: fetch existing: %w", err)
	}
	return e, false, nil
}

// Transition moves one enrollment to a target status. The update is
// conditional on the current status being a legal source, so stale and
// duplicate webhooks land as ErrTransitionRejected no-ops instead of
// overwriting newer state.
func (r *Repository) Transition(ctx context.Context, tx pgx.Tx, id string, to Status) (Enrollment, error) {
	sources := AllowedFrom(to)
	if len(sources) == 0 {
		return Enrollment{}, ErrTransitionRejected
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	updateSQL := fmt.Sprintf(`
        UPDATE campaign_contacts
        SET status         = $2,
            accepted_at    = CASE WHEN $2 = 'accepted'    THEN now() ELSE accepted_at END,
            replied_at     = CASE WHEN $2 = 'replied'     THEN now() ELSE replied_at END,
            blacklisted_at = CASE WHEN $2 = 'blacklisted' THEN now() ELSE blacklisted_at END,
            completed_at   = CASE WHEN $2 = 'completed'   THEN now() ELSE completed_at END
        WHERE id = $1 AND status = ANY($3)
        RETURNING %s
    `, enrollmentColumns)

	e, err := scanEnrollment(tx.QueryRow(ctx, updateSQL, id, to, from))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Enrollment{}, fmt.Errorf("enrollment: transition: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaign_contacts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Enrollment{}, fmt.Errorf("enrollment: transition check: %w", err)
	}
	if !exists {
		return Enrollment{}, ErrNotFound
	}
	return Enrollment{}, ErrTransitionRejected
}

// AdvanceStep records that the current step's action went out: the step
// counter moves up, the precomputed eligibility time for the next step is
// stored, and the row completes when the chain is exhausted. Replied and
// terminal rows keep their status.
func (r *Repository) AdvanceStep(ctx context.Context, tx pgx.Tx, id string, nextEligibleAt time.Time, totalSteps int) (Enrollment, error) {
	updateSQL := fmt.Sprintf(`
        UPDATE campaign_contacts
        SET sequence_step    = sequence_step + 1,
            next_eligible_at = $2,
            status = CASE WHEN sequence_step + 1 >= $3 AND status IN ('enrolled','action_sent','accepted')
                          THEN 'completed' ELSE status END,
            completed_at = CASE WHEN sequence_step + 1 >= $3 AND status IN ('enrolled','action_sent','accepted')
                                THEN now() ELSE completed_at END
        WHERE id = $1 AND status NOT IN ('blacklisted','completed')
        RETURNING %s
    `, enrollmentColumns)

	e, err := scanEnrollment(tx.QueryRow(ctx, updateSQL, id, nextEligibleAt, totalSteps))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Enrollment{}, fmt.Errorf("enrollment: advance step: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaign_contacts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Enrollment{}, fmt.Errorf("enrollment: advance check: %w", err)
	}
	if !exists {
		return Enrollment{}, ErrNotFound
	}
	return Enrollment{}, ErrTransitionRejected
}

// FindForIngest resolves the enrollments a webhook event may touch: the
// contact's rows within campaigns bound to the reporting automation account,
// optionally narrowed to one campaign when the event names it. Terminal rows
// are included; a late event for a completed or blacklisted enrollment still
// references a known row, and every state change downstream is conditional.
// Rows are locked so concurrent deliveries for the same contact serialize.
func (r *Repository) FindForIngest(ctx context.Context, tx pgx.Tx, contactID, accountExtID, campaignID string) ([]Enrollment, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM campaign_contacts cc
        WHERE cc.contact_id = $1
          AND cc.campaign_id IN (
              SELECT c.id FROM campaigns c
              JOIN automation_accounts a ON a.id = c.account_id
              WHERE a.external_id = $2
          )
          AND ($3 = '' OR cc.campaign_id = $3::uuid)
        ORDER BY cc.enrolled_at
        FOR UPDATE OF cc
    `, qualify("cc", enrollmentColumns))

	rows, err := tx.Query(ctx, query, contactID, accountExtID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("enrollment: find for ingest: %w", err)
	}
	defer rows.Close()

	out := make([]Enrollment, 0, 2)
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(
			&e.ID, &e.CampaignID, &e.ContactID, &e.Status, &e.SequenceStep, &e.Tags,
			&e.NextEligibleAt, &e.EnrolledAt, &e.AcceptedAt, &e.RepliedAt, &e.BlacklistedAt, &e.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("enrollment: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enrollment: iterate: %w", err)
	}

	return out, nil
}

// GetByID fetches one enrollment.
func (r *Repository) GetByID(ctx context.Context, id string) (Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM campaign_contacts WHERE id = $1`, enrollmentColumns)
	e, err := scanEnrollment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("enrollment: query by id: %w", err)
	}
	return e, nil
}

// AddTag appends a tag unless already present.
func (r *Repository) AddTag(ctx context.Context, id, tag string) error {
	tag = normalizeTag(tag)
	if tag == "" {
		return fmt.Errorf("enrollment: empty tag")
	}
	tagCmd, err := r.pool.Exec(ctx, `
        UPDATE campaign_contacts
        SET tags = array_append(tags, $2)
        WHERE id = $1 AND NOT tags @> ARRAY[$2]
    `, id, tag)
	if err != nil {
		return fmt.Errorf("enrollment: add tag: %w", err)
	}
	if tagCmd.RowsAffected() == 0 {
		// Either the tag was already set or the row is missing; only the
		// latter is an error.
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaign_contacts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("enrollment: add tag check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// RemoveTag deletes a tag; removing an absent tag is a no-op.
func (r *Repository) RemoveTag(ctx context.Context, id, tag string) error {
	_, err := r.pool.Exec(ctx, `
        UPDATE campaign_contacts SET tags = array_remove(tags, $2) WHERE id = $1
    `, id, normalizeTag(tag))
	if err != nil {
		return fmt.Errorf("enrollment: remove tag: %w", err)
	}
	return nil
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), " ", "-"))
}

// qualify prefixes every column in a comma-separated list with a table alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
