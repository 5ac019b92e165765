package schedule

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"outreachflow/campaign"
	"outreachflow/enrollment"
	"outreachflow/ratelimit"
)

// TestNextActions_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies claiming, budget spend, FIFO ordering, and the in-flight guard
// end to end.
func TestNextActions_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var schemaOK bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('action_requests') IS NOT NULL`).Scan(&schemaOK); err != nil || !schemaOK {
		t.Skip("database schema missing; apply migrations/*.sql first")
	}

	nonce := time.Now().UnixNano()

	var accountID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO automation_accounts (external_id, label, daily_visits, daily_invites, daily_messages)
        VALUES ($1, 'itest', 80, 2, 60) RETURNING id
    `, fmt.Sprintf("itest-acct-%d", nonce)).Scan(&accountID); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	var campaignID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO campaigns (org_id, account_id, name, status)
        VALUES (gen_random_uuid(), $1, $2, 'active') RETURNING id
    `, accountID, fmt.Sprintf("itest-camp-%d", nonce)).Scan(&campaignID); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        INSERT INTO campaign_steps (campaign_id, step_no, kind, delay_days, template)
        VALUES ($1, 0, 'connect', 0, ''), ($1, 1, 'message', 2, 'thanks for connecting')
    `, campaignID); err != nil {
		t.Fatalf("seed steps: %v", err)
	}

	contactIDs := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		var contactID string
		if err := pool.QueryRow(ctx, `
            INSERT INTO contacts (profile_url) VALUES ($1) RETURNING id
        `, fmt.Sprintf("linkedin.com/in/itest-%d-%d", nonce, i)).Scan(&contactID); err != nil {
			t.Fatalf("seed contact: %v", err)
		}
		contactIDs = append(contactIDs, contactID)
		// Staggered enrollment times pin the FIFO order.
		if _, err := pool.Exec(ctx, `
            INSERT INTO campaign_contacts (campaign_id, contact_id, next_eligible_at, enrolled_at)
            VALUES ($1, $2, now() - interval '1 hour', now() - ($3 || ' minutes')::interval)
        `, campaignID, contactID, fmt.Sprintf("%d", 30-i)); err != nil {
			t.Fatalf("seed enrollment: %v", err)
		}
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM action_requests WHERE campaign_id = $1`, campaignID)
		pool.Exec(ctx2, `DELETE FROM campaign_contacts WHERE campaign_id = $1`, campaignID)
		pool.Exec(ctx2, `DELETE FROM campaign_steps WHERE campaign_id = $1`, campaignID)
		pool.Exec(ctx2, `DELETE FROM campaigns WHERE id = $1`, campaignID)
		pool.Exec(ctx2, `DELETE FROM rate_budgets WHERE account_id = $1`, accountID)
		for _, id := range contactIDs {
			pool.Exec(ctx2, `DELETE FROM contacts WHERE id = $1`, id)
		}
		pool.Exec(ctx2, `DELETE FROM automation_accounts WHERE id = $1`, accountID)
	})

	sched := NewScheduler(pool, ratelimit.NewAccountRepository(pool), enrollment.NewRepository(pool))

	grants, err := sched.NextActions(ctx, accountID, time.Now())
	if err != nil {
		t.Fatalf("next actions: %v", err)
	}

	// Three eligible connects, invite ceiling 2: partial allocation.
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants under invite ceiling 2, got %d", len(grants))
	}
	for _, g := range grants {
		if g.Action != campaign.StepConnect {
			t.Errorf("expected connect grant, got %s", g.Action)
		}
	}

	var used int
	if err := pool.QueryRow(ctx, `
        SELECT used FROM rate_budgets WHERE account_id = $1 AND kind = 'invites' AND day = current_date
    `, accountID).Scan(&used); err != nil {
		t.Fatalf("read budget: %v", err)
	}
	if used != 2 {
		t.Errorf("expected budget used 2, got %d", used)
	}

	// FIFO: the two oldest enrollments win.
	var granted int
	if err := pool.QueryRow(ctx, `
        SELECT count(*) FROM campaign_contacts
        WHERE campaign_id = $1 AND contact_id IN ($2, $3) AND status = 'action_sent'
    `, campaignID, contactIDs[0], contactIDs[1]).Scan(&granted); err != nil {
		t.Fatalf("read statuses: %v", err)
	}
	if granted != 2 {
		t.Errorf("expected the two oldest enrollments to flip to action_sent, got %d", granted)
	}

	var pending int
	if err := pool.QueryRow(ctx, `
        SELECT count(*) FROM action_requests WHERE campaign_id = $1 AND status = 'pending'
    `, campaignID).Scan(&pending); err != nil {
		t.Fatalf("read requests: %v", err)
	}
	if pending != 2 {
		t.Errorf("expected 2 pending action requests, got %d", pending)
	}

	// A second pass grants nothing: the budget is spent and the two granted
	// rows have requests in flight.
	again, err := sched.NextActions(ctx, accountID, time.Now())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no grants on the second pass, got %d", len(again))
	}
}

// Budget is spent in eligibility order across every campaign of the account,
// not campaign by campaign in creation order.
func TestNextActions_CrossCampaignFIFO_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool := itestPool(t, ctx)
	nonce := time.Now().UnixNano()

	accountID := seedITestAccount(t, ctx, pool, nonce, 1)
	older := seedITestCampaign(t, ctx, pool, accountID, fmt.Sprintf("itest-older-%d", nonce))
	newer := seedITestCampaign(t, ctx, pool, accountID, fmt.Sprintf("itest-newer-%d", nonce))

	// The older campaign's contact became eligible only minutes ago; the newer
	// campaign's contact has been waiting since the morning.
	seedITestEnrollment(t, ctx, pool, older, fmt.Sprintf("linkedin.com/in/itest-%d-late", nonce), "10 minutes")
	waiting := seedITestEnrollment(t, ctx, pool, newer, fmt.Sprintf("linkedin.com/in/itest-%d-early", nonce), "8 hours")

	sched := NewScheduler(pool, ratelimit.NewAccountRepository(pool), enrollment.NewRepository(pool))

	grants, err := sched.NextActions(ctx, accountID, time.Now())
	if err != nil {
		t.Fatalf("next actions: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected 1 grant under invite ceiling 1, got %d", len(grants))
	}
	if grants[0].EnrollmentID != waiting {
		t.Errorf("expected the longest-waiting enrollment to win the scarce invite, got enrollment %s", grants[0].EnrollmentID)
	}
}

// Pausing a campaign stops planning without rewriting enrollment state;
// resuming picks up exactly where the sequence left off.
func TestNextActions_PausedCampaignResumes_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool := itestPool(t, ctx)
	nonce := time.Now().UnixNano()

	accountID := seedITestAccount(t, ctx, pool, nonce, 25)
	campaignID := seedITestCampaign(t, ctx, pool, accountID, fmt.Sprintf("itest-pause-%d", nonce))
	enrollmentID := seedITestEnrollment(t, ctx, pool, campaignID, fmt.Sprintf("linkedin.com/in/itest-%d-paused", nonce), "1 hour")

	if _, err := pool.Exec(ctx, `UPDATE campaigns SET status = 'paused' WHERE id = $1`, campaignID); err != nil {
		t.Fatalf("pause campaign: %v", err)
	}

	sched := NewScheduler(pool, ratelimit.NewAccountRepository(pool), enrollment.NewRepository(pool))

	grants, err := sched.NextActions(ctx, accountID, time.Now())
	if err != nil {
		t.Fatalf("paused pass: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("a paused campaign must plan nothing, got %d grants", len(grants))
	}

	var step int
	var status string
	var eligibleAt time.Time
	if err := pool.QueryRow(ctx, `
        SELECT sequence_step, status, next_eligible_at FROM campaign_contacts WHERE id = $1
    `, enrollmentID).Scan(&step, &status, &eligibleAt); err != nil {
		t.Fatalf("read enrollment: %v", err)
	}
	if step != 0 || status != "enrolled" {
		t.Fatalf("pausing must not rewrite enrollment state, got step=%d status=%s", step, status)
	}
	if !eligibleAt.Before(time.Now()) {
		t.Fatal("pausing must not push out the eligibility time")
	}

	if _, err := pool.Exec(ctx, `UPDATE campaigns SET status = 'active' WHERE id = $1`, campaignID); err != nil {
		t.Fatalf("resume campaign: %v", err)
	}

	grants, err = sched.NextActions(ctx, accountID, time.Now())
	if err != nil {
		t.Fatalf("resumed pass: %v", err)
	}
	if len(grants) != 1 || grants[0].EnrollmentID != enrollmentID {
		t.Fatalf("expected the waiting enrollment granted right after resume, got %+v", grants)
	}
}

// A reply ends the sequence: the enrollment stays out of planning even after
// its eligibility time elapses.
func TestNextActions_ReplyShortCircuits_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool := itestPool(t, ctx)
	nonce := time.Now().UnixNano()

	accountID := seedITestAccount(t, ctx, pool, nonce, 25)
	campaignID := seedITestCampaign(t, ctx, pool, accountID, fmt.Sprintf("itest-reply-%d", nonce))
	enrollmentID := seedITestEnrollment(t, ctx, pool, campaignID, fmt.Sprintf("linkedin.com/in/itest-%d-replied", nonce), "3 hours")

	if _, err := pool.Exec(ctx, `
        UPDATE campaign_contacts SET status = 'replied' WHERE id = $1
    `, enrollmentID); err != nil {
		t.Fatalf("mark replied: %v", err)
	}

	sched := NewScheduler(pool, ratelimit.NewAccountRepository(pool), enrollment.NewRepository(pool))

	grants, err := sched.NextActions(ctx, accountID, time.Now())
	if err != nil {
		t.Fatalf("next actions: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("a replied enrollment must never be planned again, got %d grants", len(grants))
	}

	var requests int
	if err := pool.QueryRow(ctx, `
        SELECT count(*) FROM action_requests WHERE enrollment_id = $1
    `, enrollmentID).Scan(&requests); err != nil {
		t.Fatalf("read requests: %v", err)
	}
	if requests != 0 {
		t.Errorf("expected no action requests for a replied enrollment, got %d", requests)
	}
}

func itestPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var schemaOK bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('action_requests') IS NOT NULL`).Scan(&schemaOK); err != nil || !schemaOK {
		t.Skip("database schema missing; apply migrations/*.sql first")
	}
	return pool
}

func seedITestAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, nonce int64, invites int) string {
	t.Helper()
	var id string
	if err := pool.QueryRow(ctx, `
        INSERT INTO automation_accounts (external_id, label, daily_visits, daily_invites, daily_messages)
        VALUES ($1, 'itest', 80, $2, 60) RETURNING id
    `, fmt.Sprintf("itest-acct-%d", nonce), invites).Scan(&id); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool.Exec(ctx2, `DELETE FROM rate_budgets WHERE account_id = $1`, id)
		pool.Exec(ctx2, `DELETE FROM automation_accounts WHERE id = $1`, id)
	})
	return id
}

func seedITestCampaign(t *testing.T, ctx context.Context, pool *pgxpool.Pool, accountID, name string) string {
	t.Helper()
	var id string
	if err := pool.QueryRow(ctx, `
        INSERT INTO campaigns (org_id, account_id, name, status)
        VALUES (gen_random_uuid(), $1, $2, 'active') RETURNING id
    `, accountID, name).Scan(&id); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        INSERT INTO campaign_steps (campaign_id, step_no, kind, delay_days, template)
        VALUES ($1, 0, 'connect', 0, ''), ($1, 1, 'message', 2, 'thanks for connecting')
    `, id); err != nil {
		t.Fatalf("seed steps: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool.Exec(ctx2, `DELETE FROM action_requests WHERE campaign_id = $1`, id)
		pool.Exec(ctx2, `DELETE FROM campaign_contacts WHERE campaign_id = $1`, id)
		pool.Exec(ctx2, `DELETE FROM campaign_steps WHERE campaign_id = $1`, id)
		pool.Exec(ctx2, `DELETE FROM campaigns WHERE id = $1`, id)
	})
	return id
}

// seedITestEnrollment enrolls a fresh contact whose eligibility elapsed
// waitingFor ago, and returns the enrollment id.
func seedITestEnrollment(t *testing.T, ctx context.Context, pool *pgxpool.Pool, campaignID, profileURL, waitingFor string) string {
	t.Helper()
	var contactID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO contacts (profile_url) VALUES ($1) RETURNING id
    `, profileURL).Scan(&contactID); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	var enrollmentID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO campaign_contacts (campaign_id, contact_id, next_eligible_at, enrolled_at)
        VALUES ($1, $2, now() - $3::interval, now() - $3::interval)
        RETURNING id
    `, campaignID, contactID, waitingFor).Scan(&enrollmentID); err != nil {
		t.Fatalf("seed enrollment: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool.Exec(ctx2, `DELETE FROM action_requests WHERE enrollment_id = $1`, enrollmentID)
		pool.Exec(ctx2, `DELETE FROM campaign_contacts WHERE id = $1`, enrollmentID)
		pool.Exec(ctx2, `DELETE FROM contacts WHERE id = $1`, contactID)
	})
	return enrollmentID
}
