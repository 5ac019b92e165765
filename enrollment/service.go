package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"outreachflow/campaign"
	"outreachflow/contact"
	"outreachflow/ratelimit"
)

// ErrCampaignClosed rejects enrollment into archived or completed campaigns.
var ErrCampaignClosed = errors.New("enrollment: campaign no longer accepts contacts")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store interface {
	Enroll(ctx context.Context, tx pgx.Tx, campaignID, contactID string) (Enrollment, bool, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, to Status) (Enrollment, error)
}

type ContactUpserter interface {
	Upsert(ctx context.Context, tx pgx.Tx, s contact.Sighting) (contact.Contact, error)
}

type CampaignSource interface {
	GetByID(ctx context.Context, id string) (campaign.Campaign, error)
}

type AccountSource interface {
	GetByID(ctx context.Context, id string) (ratelimit.Account, error)
}

// Service carries the writes the HTTP layer may perform on enrollments.
type Service struct {
	pool      TxBeginner
	store     Store
	contacts  ContactUpserter
	campaigns CampaignSource
	accounts  AccountSource

	// reserve is swappable in tests.
	reserve func(ctx context.Context, q ratelimit.Querier, p ratelimit.ReserveParams) (bool, error)
	now     func() time.Time
}

func NewService(pool TxBeginner, store Store, contacts ContactUpserter, campaigns CampaignSource, accounts AccountSource) *Service {
	return &Service{
		pool:      pool,
		store:     store,
		contacts:  contacts,
		campaigns: campaigns,
		accounts:  accounts,
		reserve:   ratelimit.TryReserve,
		now:       time.Now,
	}
}

// BulkResult summarizes one bulk enrollment call.
type BulkResult struct {
	Enrolled int
	// Skipped counts contacts already enrolled in the campaign.
	Skipped int
	// Deferred counts contacts left out because the day's enroll budget ran
	// dry; a later call picks them up.
	Deferred int
}

// BulkEnroll enrolls contacts by profile URL into a campaign. Each contact
// commits in its own transaction: the contact upsert, the enrollment row, and
// the enrolls-budget spend succeed or fail together, so a partial batch never
// leaks budget.
func (s *Service) BulkEnroll(ctx context.Context, campaignID string, profileURLs []string) (BulkResult, error) {
	if len(profileURLs) == 0 {
		return BulkResult{}, fmt.Errorf("enrollment: no profile urls given")
	}

	camp, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return BulkResult{}, err
	}
	if camp.Status == campaign.StatusArchived || camp.Status == campaign.StatusCompleted {
		return BulkResult{}, ErrCampaignClosed
	}

	account, err := s.accounts.GetByID(ctx, camp.AccountID)
	if err != nil {
		return BulkResult{}, err
	}

	var res BulkResult
	for i, url := range profileURLs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		inserted, err := s.enrollOne(ctx, camp.ID, account, url)
		if err != nil {
			if errors.Is(err, errEnrollBudgetSpent) {
				res.Deferred = len(profileURLs) - i
				return res, nil
			}
			return res, err
		}
		if inserted {
			res.Enrolled++
		} else {
			res.Skipped++
		}
	}

	return res, nil
}

var errEnrollBudgetSpent = errors.New("enrollment: enroll budget spent")

func (s *Service) enrollOne(ctx context.Context, campaignID string, account ratelimit.Account, profileURL string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("enrollment: begin enroll tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contacts.Upsert(ctx, tx, contact.Sighting{ProfileURL: profileURL})
	if err != nil {
		return false, err
	}

	_, inserted, err := s.store.Enroll(ctx, tx, campaignID, c.ID)
	if err != nil {
		return false, err
	}

	if inserted {
		granted, err := s.reserve(ctx, tx, ratelimit.ReserveParams{
			AccountID: account.ID,
			Day:       s.now(),
			Kind:      ratelimit.KindEnrolls,
			N:         1,
			Ceiling:   account.Ceilings.Enrolls,
		})
		if err != nil {
			return false, err
		}
		if !granted {
			// Rolling back releases the enrollment row with the reservation.
			return false, errEnrollBudgetSpent
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("enrollment: commit enroll tx: %w", err)
	}

	return inserted, nil
}

// Blacklist permanently removes an enrollment from sequencing. Terminal rows
// reject the move and the caller sees ErrTransitionRejected.
func (s *Service) Blacklist(ctx context.Context, enrollmentID string) (Enrollment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Enrollment{}, fmt.Errorf("enrollment: begin blacklist tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.store.Transition(ctx, tx, enrollmentID, StatusBlacklisted)
	if err != nil {
		return Enrollment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Enrollment{}, fmt.Errorf("enrollment: commit blacklist tx: %w", err)
	}

	return e, nil
}
