package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"

	"outreachflow/campaign"
	"outreachflow/contact"
	"outreachflow/enrollment"
	"outreachflow/event"
	"outreachflow/message"
)

// ReferenceError marks an event that references a contact, campaign, or
// enrollment we do not know yet. The event stays stored unprocessed and the
// reconcile sweep retries it; it is never dropped.
type ReferenceError struct {
	Reason string
}

func (e *ReferenceError) Error() string {
	return "webhook: unresolved reference: " + e.Reason
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventStore is the event-log surface the ingestor needs.
type EventStore interface {
	Insert(ctx context.Context, tx pgx.Tx, params event.InsertParams) (event.WebhookEvent, error)
	GetByKey(ctx context.Context, key string) (event.WebhookEvent, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	RecordFailure(ctx context.Context, id, reason string, nextRetryAt *time.Time, needsReview bool) error
	DueForRetry(ctx context.Context, asOf time.Time, limit int) ([]event.WebhookEvent, error)
}

type ContactStore interface {
	Upsert(ctx context.Context, tx pgx.Tx, s contact.Sighting) (contact.Contact, error)
}

type EnrollmentStore interface {
	FindForIngest(ctx context.Context, tx pgx.Tx, contactID, accountExtID, campaignID string) ([]enrollment.Enrollment, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, to enrollment.Status) (enrollment.Enrollment, error)
	AdvanceStep(ctx context.Context, tx pgx.Tx, id string, nextEligibleAt time.Time, totalSteps int) (enrollment.Enrollment, error)
}

type MessageStore interface {
	Append(ctx context.Context, tx pgx.Tx, m message.Message) (message.Message, error)
}

type CampaignStore interface {
	GetByID(ctx context.Context, id string) (campaign.Campaign, error)
}

// Result is the ingest outcome surfaced to the HTTP layer. Accepted=false
// means the delivery was a duplicate; the original event id is returned so
// the agent sees identical responses on every retry.
type Result struct {
	Accepted bool
	EventID  string
}

// Ingestor validates, deduplicates, and dispatches inbound agent events.
type Ingestor struct {
	pool        TxBeginner
	events      EventStore
	contacts    ContactStore
	enrollments EnrollmentStore
	messages    MessageStore
	campaigns   CampaignStore

	// now and intn are injectable so dispatch decisions are a pure function
	// of stored state plus these inputs.
	now  func() time.Time
	intn func(int) int
}

func NewIngestor(pool TxBeginner, events EventStore, contacts ContactStore, enrollments EnrollmentStore, messages MessageStore, campaigns CampaignStore) *Ingestor {
	return &Ingestor{
		pool:        pool,
		events:      events,
		contacts:    contacts,
		enrollments: enrollments,
		messages:    messages,
		campaigns:   campaigns,
		now:         time.Now,
		intn:        rand.Intn,
	}
}

// WithClock overrides the time and jitter sources, for tests.
func (s *Ingestor) WithClock(now func() time.Time, intn func(int) int) *Ingestor {
	s.now = now
	s.intn = intn
	return s
}

// Ingest processes one raw webhook body.
//
// Storage and dispatch are two transactions on purpose: the first makes the
// event durable and is where deduplication happens (unique event key); the
// second applies side effects together with the processed flag. A dispatch
// failure leaves a durable, unprocessed event for the reconcile sweep
// instead of re-running deduplication.
func (s *Ingestor) Ingest(ctx context.Context, raw []byte) (Result, error) {
	p, err := ParsePayload(raw)
	if err != nil {
		return Result{}, err
	}

	ev, err := s.append(ctx, p, raw)
	if err != nil {
		if errors.Is(err, event.ErrDuplicate) {
			existing, getErr := s.events.GetByKey(ctx, p.Key())
			if getErr != nil {
				return Result{}, fmt.Errorf("webhook: resolve duplicate: %w", getErr)
			}
			return Result{Accepted: false, EventID: existing.ID}, nil
		}
		return Result{}, err
	}

	if err := s.Dispatch(ctx, ev, p); err != nil {
		var ref *ReferenceError
		if errors.As(err, &ref) {
			retryAt := s.now().Add(reconcileBaseBackoff)
			if recErr := s.events.RecordFailure(ctx, ev.ID, ref.Reason, &retryAt, false); recErr != nil {
				return Result{}, recErr
			}
			log.Printf("webhook: event %s stored unprocessed: %s", ev.ID, ref.Reason)
			return Result{Accepted: true, EventID: ev.ID}, nil
		}
		return Result{}, err
	}

	return Result{Accepted: true, EventID: ev.ID}, nil
}

func (s *Ingestor) append(ctx context.Context, p Payload, raw []byte) (event.WebhookEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return event.WebhookEvent{}, fmt.Errorf("webhook: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ts := time.UnixMilli(p.TimestampMS).UTC()
	ev, err := s.events.Insert(ctx, tx, event.InsertParams{
		Key:          p.Key(),
		Type:         event.Type(p.Type),
		Name:         event.Name(p.Event),
		ProfileURL:   p.Profile,
		AccountExtID: p.UserID,
		Payload:      raw,
		EventTS:      &ts,
	})
	if err != nil {
		return event.WebhookEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return event.WebhookEvent{}, fmt.Errorf("webhook: commit append tx: %w", err)
	}

	return ev, nil
}

// Dispatch applies one stored event's side effects and flips its processed
// flag in a single transaction. Safe to call again for unprocessed events:
// every enrollment transition is conditional and duplicate ledger entries
// cannot occur because a processed event is never dispatched twice.
func (s *Ingestor) Dispatch(ctx context.Context, ev event.WebhookEvent, p Payload) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("webhook: begin dispatch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	switch ev.Type {
	case event.TypeRCCommand:
		// Agent health signal: recorded, no state transition.
	case event.TypeVisit, event.TypeAction:
		if err := s.dispatchAction(ctx, tx, ev, p); err != nil {
			return err
		}
	case event.TypeMessage:
		if err := s.dispatchMessage(ctx, tx, ev, p); err != nil {
			return err
		}
	default:
		return fmt.Errorf("webhook: unhandled event type %q", ev.Type)
	}

	if err := s.events.MarkProcessed(ctx, tx, ev.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("webhook: commit dispatch tx: %w", err)
	}

	return nil
}

func (s *Ingestor) dispatchAction(ctx context.Context, tx pgx.Tx, ev event.WebhookEvent, p Payload) error {
	c, err := s.contacts.Upsert(ctx, tx, sightingFrom(p))
	if err != nil {
		return err
	}

	switch {
	case ev.Type == event.TypeVisit && ev.Name == event.NameCompleted:
		enrs, err := s.resolveEnrollments(ctx, tx, c, ev, p)
		if err != nil {
			return err
		}
		for _, enr := range enrs {
			if err := s.advanceMatchingStep(ctx, tx, enr, campaign.StepVisit); err != nil {
				return err
			}
		}
	case ev.Type == event.TypeAction && p.Data.Action == ActionConnectionSent:
		enrs, err := s.resolveEnrollments(ctx, tx, c, ev, p)
		if err != nil {
			return err
		}
		for _, enr := range enrs {
			if _, err := s.enrollments.Transition(ctx, tx, enr.ID, enrollment.StatusActionSent); err != nil {
				if !errors.Is(err, enrollment.ErrTransitionRejected) {
					return err
				}
			}
			if err := s.advanceMatchingStep(ctx, tx, enr, campaign.StepConnect); err != nil {
				return err
			}
		}
	case ev.Type == event.TypeAction && p.Data.Action == ActionInviteAccepted:
		enrs, err := s.resolveEnrollments(ctx, tx, c, ev, p)
		if err != nil {
			return err
		}
		for _, enr := range enrs {
			if _, err := s.enrollments.Transition(ctx, tx, enr.ID, enrollment.StatusAccepted); err != nil {
				if errors.Is(err, enrollment.ErrTransitionRejected) {
					// Late or duplicate delivery; state is already past accepted.
					log.Printf("webhook: accept transition no-op for enrollment %s (status %s)", enr.ID, enr.Status)
					continue
				}
				return err
			}
		}
	default:
		// Profile sighting without a recognized action: contact update only.
	}

	return nil
}

// resolveEnrollments finds the enrollments an event applies to. Live rows win
// over terminal ones: a contact whose sequence completed in one campaign and
// is active in another routes to the active row. When only terminal rows
// exist the event still resolves; appends land and conditional transitions
// no-op, rather than parking an event that references fully known state.
func (s *Ingestor) resolveEnrollments(ctx context.Context, tx pgx.Tx, c contact.Contact, ev event.WebhookEvent, p Payload) ([]enrollment.Enrollment, error) {
	enrs, err := s.enrollments.FindForIngest(ctx, tx, c.ID, ev.AccountExtID, p.Data.CampaignID)
	if err != nil {
		return nil, err
	}
	if len(enrs) == 0 {
		return nil, &ReferenceError{Reason: fmt.Sprintf("no enrollment for contact %s in account %s", c.ProfileURL, ev.AccountExtID)}
	}

	live := make([]enrollment.Enrollment, 0, len(enrs))
	for _, enr := range enrs {
		if !enrollment.IsTerminal(enr.Status) {
			live = append(live, enr)
		}
	}
	if len(live) > 0 {
		return live, nil
	}
	return enrs, nil
}

// advanceMatchingStep moves the sequence forward when the completed action
// matches the enrollment's current step. Out-of-band actions the agent
// performed on its own do not advance anything.
func (s *Ingestor) advanceMatchingStep(ctx context.Context, tx pgx.Tx, enr enrollment.Enrollment, kind campaign.StepKind) error {
	camp, err := s.campaigns.GetByID(ctx, enr.CampaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			return &ReferenceError{Reason: fmt.Sprintf("campaign %s missing for enrollment %s", enr.CampaignID, enr.ID)}
		}
		return err
	}

	step, ok := camp.StepAt(enr.SequenceStep)
	if !ok || step.Kind != kind {
		return nil
	}

	next := s.now()
	if nextStep, ok := camp.StepAt(enr.SequenceStep + 1); ok {
		next = enrollment.NextEligibleAt(s.now(), nextStep, s.intn)
	}
	if _, err := s.enrollments.AdvanceStep(ctx, tx, enr.ID, next, len(camp.Steps)); err != nil {
		if !errors.Is(err, enrollment.ErrTransitionRejected) {
			return err
		}
		log.Printf("webhook: step advance no-op for enrollment %s (status %s)", enr.ID, enr.Status)
	}
	return nil
}

func (s *Ingestor) dispatchMessage(ctx context.Context, tx pgx.Tx, ev event.WebhookEvent, p Payload) error {
	c, err := s.contacts.Upsert(ctx, tx, sightingFrom(p))
	if err != nil {
		return err
	}

	enrs, err := s.resolveEnrollments(ctx, tx, c, ev, p)
	if err != nil {
		return err
	}
	// A message belongs to exactly one conversation. When the event does not
	// name a campaign and the contact sits in several, we cannot attribute it.
	if len(enrs) > 1 {
		return &ReferenceError{Reason: fmt.Sprintf("contact %s has %d active enrollments; campaign_id required", c.ProfileURL, len(enrs))}
	}
	enr := enrs[0]

	switch event.Name(ev.Name) {
	case event.NameReceived:
		if _, err := s.messages.Append(ctx, tx, message.Message{
			EnrollmentID: enr.ID,
			Direction:    message.DirectionReceived,
			Body:         p.Data.Text,
			EventID:      &ev.ID,
		}); err != nil {
			return err
		}
		if _, err := s.enrollments.Transition(ctx, tx, enr.ID, enrollment.StatusReplied); err != nil {
			if !errors.Is(err, enrollment.ErrTransitionRejected) {
				return err
			}
			log.Printf("webhook: reply transition no-op for enrollment %s (status %s)", enr.ID, enr.Status)
		}
	case event.NameSent, event.NameCreate:
		if _, err := s.messages.Append(ctx, tx, message.Message{
			EnrollmentID: enr.ID,
			Direction:    message.DirectionSent,
			Body:         p.Data.Text,
			EventID:      &ev.ID,
		}); err != nil {
			return err
		}

		camp, err := s.campaigns.GetByID(ctx, enr.CampaignID)
		if err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				return &ReferenceError{Reason: fmt.Sprintf("campaign %s missing for enrollment %s", enr.CampaignID, enr.ID)}
			}
			return err
		}

		// The eligibility time for the next step is sampled here, once,
		// when this step completes.
		next := s.now()
		if step, ok := camp.StepAt(enr.SequenceStep + 1); ok {
			next = enrollment.NextEligibleAt(s.now(), step, s.intn)
		}
		if _, err := s.enrollments.AdvanceStep(ctx, tx, enr.ID, next, len(camp.Steps)); err != nil {
			if !errors.Is(err, enrollment.ErrTransitionRejected) {
				return err
			}
			log.Printf("webhook: step advance no-op for enrollment %s (status %s)", enr.ID, enr.Status)
		}

		// First sent message freezes the campaign definition.
		if err := campaign.MarkLocked(ctx, tx, enr.CampaignID); err != nil {
			return err
		}
	default:
		// message/error, message/ready: recorded only.
	}

	return nil
}

func sightingFrom(p Payload) contact.Sighting {
	return contact.Sighting{
		ProfileURL: p.Profile,
		FullName:   p.Data.FullName,
		Company:    p.Data.Company,
		Title:      p.Data.Title,
		Location:   p.Data.Location,
		Degree:     p.Data.Degree,
		RawProfile: p.RawData,
	}
}
