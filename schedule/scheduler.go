package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"outreachflow/campaign"
	"outreachflow/enrollment"
	"outreachflow/ratelimit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type AccountSource interface {
	GetByID(ctx context.Context, id string) (ratelimit.Account, error)
}

type EnrollmentTransitioner interface {
	Transition(ctx context.Context, tx pgx.Tx, id string, to enrollment.Status) (enrollment.Enrollment, error)
}

// Grant is one action handed to the outbound dispatcher: a pending
// action_requests row keyed by a fresh request id the agent dedupes on.
type Grant struct {
	RequestID    string
	EnrollmentID string
	CampaignID   string
	ProfileURL   string
	Action       campaign.StepKind
	Message      string
	Subject      string
}

// Scheduler turns eligible enrollments into outbound action requests,
// spending the account's daily budgets. Decisions are a pure function of
// persisted state and asOf, so concurrent passes over the same data converge.
type Scheduler struct {
	pool        TxBeginner
	accounts    AccountSource
	enrollments EnrollmentTransitioner
	batch       int
}

func NewScheduler(pool TxBeginner, accounts AccountSource, enrollments EnrollmentTransitioner) *Scheduler {
	return &Scheduler{
		pool:        pool,
		accounts:    accounts,
		enrollments: enrollments,
		batch:       50,
	}
}

// NextActions runs one scheduling pass for an automation account. Each grant
// commits in its own transaction: claim the enrollment row, reserve budget,
// flip enrolled rows to action_sent, insert the outbox row. Any failure rolls
// all of that back together, so no budget leaks and no enrollment is left
// action_sent without an outbound request.
func (s *Scheduler) NextActions(ctx context.Context, accountID string, asOf time.Time) ([]Grant, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	exhausted := make(map[ratelimit.Kind]bool, 3)
	grants := make([]Grant, 0, s.batch)

	for len(grants) < s.batch {
		g, more, err := s.grantNext(ctx, account, asOf, exhausted)
		if err != nil {
			return grants, err
		}
		if g != nil {
			grants = append(grants, *g)
		}
		if !more {
			break
		}
	}

	return grants, nil
}

// grantNext claims and grants the single most eligible enrollment across all
// of the account's active campaigns. more=false means no further candidates
// this pass; a nil grant with more=true means a budget kind just ran out and
// the next iteration should look again with that kind excluded.
func (s *Scheduler) grantNext(ctx context.Context, account ratelimit.Account, asOf time.Time, exhausted map[ratelimit.Kind]bool) (*Grant, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("schedule: begin grant tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// One ordering across every campaign of the account: earliest eligibility
	// first, then FIFO by enrollment. Scarce budget goes to whoever waited
	// longest, not to whichever campaign was created first. SKIP LOCKED keeps
	// concurrent workers from contending on the same row; the NOT EXISTS
	// guard keeps one in-flight request per (enrollment, step).
	const candidateSQL = `
        SELECT cc.id, cc.campaign_id, cc.sequence_step, ct.profile_url, cs.kind, cs.template
        FROM campaign_contacts cc
        JOIN campaigns c ON c.id = cc.campaign_id
        JOIN campaign_steps cs ON cs.campaign_id = cc.campaign_id AND cs.step_no = cc.sequence_step
        JOIN contacts ct ON ct.id = cc.contact_id
        WHERE c.account_id = $1
          AND c.status = 'active'
          AND (c.starts_at IS NULL OR c.starts_at <= $2)
          AND (c.ends_at IS NULL OR c.ends_at >= $2)
          AND cc.status IN ('enrolled','action_sent','accepted')
          AND cc.next_eligible_at <= $2
          AND NOT (cs.kind = ANY($3))
          AND NOT EXISTS (
              SELECT 1 FROM action_requests ar
              WHERE ar.enrollment_id = cc.id
                AND ar.step_no = cc.sequence_step
                AND ar.status <> 'dead'
          )
        ORDER BY cc.next_eligible_at, cc.enrolled_at
        LIMIT 1
        FOR UPDATE OF cc SKIP LOCKED
    `

	var (
		enrollmentID string
		campaignID   string
		seq          int
		profileURL   string
		stepKind     campaign.StepKind
		template     string
	)
	err = tx.QueryRow(ctx, candidateSQL, account.ID, asOf, excludedStepKinds(exhausted)).
		Scan(&enrollmentID, &campaignID, &seq, &profileURL, &stepKind, &template)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("schedule: claim candidate: %w", err)
	}

	kind := ratelimit.KindForStep(stepKind)
	granted, err := ratelimit.TryReserve(ctx, tx, ratelimit.ReserveParams{
		AccountID: account.ID,
		Day:       asOf,
		Kind:      kind,
		N:         1,
		Ceiling:   account.Ceilings.For(kind),
	})
	if err != nil {
		return nil, false, err
	}
	if !granted {
		// Partial allocation: today's budget for this kind is spent; other
		// kinds may still have headroom.
		exhausted[kind] = true
		return nil, true, nil
	}

	if _, err := s.enrollments.Transition(ctx, tx, enrollmentID, enrollment.StatusActionSent); err != nil {
		// Follow-up steps run on accepted rows; only fresh enrollments flip.
		if !errors.Is(err, enrollment.ErrTransitionRejected) {
			return nil, false, err
		}
	}

	g := Grant{
		RequestID:    uuid.NewString(),
		EnrollmentID: enrollmentID,
		CampaignID:   campaignID,
		ProfileURL:   profileURL,
		Action:       stepKind,
		Message:      template,
	}
	const insertSQL = `
        INSERT INTO action_requests (id, enrollment_id, campaign_id, step_no, profile_url, action, message, subject)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	if _, err := tx.Exec(ctx, insertSQL,
		g.RequestID, g.EnrollmentID, g.CampaignID, seq, g.ProfileURL, g.Action, g.Message, g.Subject,
	); err != nil {
		return nil, false, fmt.Errorf("schedule: insert action request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("schedule: commit grant: %w", err)
	}

	return &g, true, nil
}

// excludedStepKinds maps exhausted budget kinds back to the step kinds that
// draw on them, for the candidate query's exclusion list.
func excludedStepKinds(exhausted map[ratelimit.Kind]bool) []string {
	out := make([]string, 0, 4)
	for _, k := range []campaign.StepKind{campaign.StepVisit, campaign.StepConnect, campaign.StepMessage, campaign.StepInMail} {
		if exhausted[ratelimit.KindForStep(k)] {
			out = append(out, string(k))
		}
	}
	return out
}
