package webhook

import (
	"context"
	"errors"
	"log"
	"time"
)

const (
	// Backoff doubles per attempt starting from this base.
	reconcileBaseBackoff = time.Minute
	// After this many failed dispatch attempts the event is parked for a
	// human instead of retried forever.
	reconcileMaxAttempts = 6
)

// Reconciler re-dispatches stored events whose references could not be
// resolved at ingest time, typically because the agent reported a contact
// before the enrollment landed.
type Reconciler struct {
	ingestor *Ingestor
	events   EventStore
	now      func() time.Time
}

func NewReconciler(ingestor *Ingestor, events EventStore) *Reconciler {
	return &Reconciler{ingestor: ingestor, events: events, now: time.Now}
}

// Sweep retries every due unprocessed event once. Returns how many events
// were successfully dispatched this pass.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (int, error) {
	asOf := r.now()
	due, err := r.events.DueForRetry(ctx, asOf, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, ev := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		p, err := ParsePayload(ev.Payload)
		if err != nil {
			// The stored body passed validation at ingest time, so this only
			// happens after a schema change. Park it immediately.
			if recErr := r.events.RecordFailure(ctx, ev.ID, err.Error(), nil, true); recErr != nil {
				return processed, recErr
			}
			continue
		}

		if err := r.ingestor.Dispatch(ctx, ev, p); err != nil {
			var ref *ReferenceError
			if !errors.As(err, &ref) {
				return processed, err
			}
			attempts := ev.Attempts + 1
			if attempts >= reconcileMaxAttempts {
				log.Printf("webhook: event %s needs review after %d attempts: %s", ev.ID, attempts, ref.Reason)
				if recErr := r.events.RecordFailure(ctx, ev.ID, ref.Reason, nil, true); recErr != nil {
					return processed, recErr
				}
				continue
			}
			retryAt := asOf.Add(backoffFor(attempts))
			if recErr := r.events.RecordFailure(ctx, ev.ID, ref.Reason, &retryAt, false); recErr != nil {
				return processed, recErr
			}
			continue
		}
		processed++
	}

	return processed, nil
}

// backoffFor returns the delay before the next retry: base doubled per
// completed attempt (1m, 2m, 4m, ...).
func backoffFor(attempts int) time.Duration {
	d := reconcileBaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
