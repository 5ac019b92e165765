package actors

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"outreachflow/dispatch"
	"outreachflow/enrollment"
	"outreachflow/schedule"
	"outreachflow/webhook"
)

// FlakyPublisher drops roughly one publish in FailEvery, exercising the pump's
// retry and dead-letter paths without a real broker.
type FlakyPublisher struct {
	FailEvery int
}

func (p *FlakyPublisher) Publish(msg dispatch.ActionMessage) error {
	if p.FailEvery > 0 && rand.Intn(p.FailEvery) == 0 {
		return fmt.Errorf("flaky publish: %s", msg.RequestID)
	}
	return nil
}

func (p *FlakyPublisher) Close() error { return nil }

// Enroller repeatedly bulk-enrolls overlapping slices of the same URL set, so
// most calls collide with existing enrollments.
func Enroller(ctx context.Context, svc *enrollment.Service, campaignID string, urls []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		start := rand.Intn(len(urls))
		n := 1 + rand.Intn(len(urls)-start)
		_, _ = svc.BulkEnroll(ctx, campaignID, urls[start:start+n])
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// WebhookSender delivers a stream of agent events for one contact, re-sending
// the previous body verbatim every few iterations to exercise deduplication.
func WebhookSender(ctx context.Context, ing *webhook.Ingestor, accountExtID, profileURL, campaignID string, stop <-chan struct{}) error {
	var last []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		raw := last
		if raw == nil || rand.Intn(3) != 0 {
			raw = randomEvent(accountExtID, profileURL, campaignID)
			last = raw
		}
		_, _ = ing.Ingest(ctx, raw)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func randomEvent(accountExtID, profileURL, campaignID string) []byte {
	type body struct {
		Type      string         `json:"type"`
		Event     string         `json:"event"`
		Profile   string         `json:"profile"`
		UserID    string         `json:"userid"`
		Timestamp int64          `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}

	b := body{
		Profile:   profileURL,
		UserID:    accountExtID,
		Timestamp: time.Now().UnixMilli() + rand.Int63n(1000),
	}
	switch rand.Intn(5) {
	case 0:
		b.Type, b.Event = "visit", "completed"
		b.Data = map[string]any{"name": "Stress Contact"}
	case 1:
		b.Type, b.Event = "action", "connection_sent"
		b.Data = map[string]any{"action": "connection_sent"}
	case 2:
		b.Type, b.Event = "action", "invite_accepted"
		b.Data = map[string]any{"action": "invite_accepted"}
	case 3:
		b.Type, b.Event = "message", "received"
		b.Data = map[string]any{"text": "hello back", "campaign_id": campaignID}
	default:
		b.Type, b.Event = "message", "sent"
		b.Data = map[string]any{"text": "step message", "campaign_id": campaignID}
	}

	raw, _ := json.Marshal(b)
	return raw
}

// Planner runs scheduler passes for the account, competing with other planners
// over the same budgets and enrollments.
func Planner(ctx context.Context, sched *schedule.Scheduler, accountID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = sched.NextActions(ctx, accountID, time.Now())
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Courier drains pending action requests through the flaky publisher.
func Courier(ctx context.Context, pump *dispatch.Pump, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pump.RunOnce(ctx)
		time.Sleep(time.Duration(60+rand.Intn(60)) * time.Millisecond)
	}
}

// Replier picks a random contact the agent already acted on and delivers a
// reply webhook for it.
func Replier(ctx context.Context, pool *pgxpool.Pool, ing *webhook.Ingestor, accountExtID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var profileURL, campaignID string
		err := pool.QueryRow(ctx, `
            SELECT c.profile_url, cc.campaign_id
            FROM campaign_contacts cc
            JOIN contacts c ON c.id = cc.contact_id
            WHERE cc.status IN ('action_sent','accepted')
            ORDER BY random() LIMIT 1
        `).Scan(&profileURL, &campaignID)
		if err == nil {
			raw, _ := json.Marshal(map[string]any{
				"type":      "message",
				"event":     "received",
				"profile":   profileURL,
				"userid":    accountExtID,
				"timestamp": time.Now().UnixMilli(),
				"data":      map[string]any{"text": "interested, tell me more", "campaign_id": campaignID},
			})
			_, _ = ing.Ingest(ctx, raw)
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// Blacklister removes a random live enrollment from automation, tolerating
// races with terminal transitions.
func Blacklister(ctx context.Context, pool *pgxpool.Pool, svc *enrollment.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `
            SELECT id FROM campaign_contacts
            WHERE status NOT IN ('blacklisted','completed')
            ORDER BY random() LIMIT 1
        `).Scan(&id)
		if err == nil {
			_, _ = svc.Blacklist(ctx, id)
		}
		time.Sleep(time.Duration(400+rand.Intn(400)) * time.Millisecond)
	}
}

// Sweeper retries parked webhook events, racing the senders that keep
// creating new ones.
func Sweeper(ctx context.Context, rec *webhook.Reconciler, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = rec.Sweep(ctx, 50)
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}
