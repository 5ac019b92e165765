package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRunOnce_DeliversAndMarksSent(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{pending: []PendingAction{
		{ID: "req-1", ProfileURL: "linkedin.com/in/jane", Action: "connect"},
		{ID: "req-2", ProfileURL: "linkedin.com/in/john", Action: "message", Message: "hi"},
	}}
	pub := &fakePublisher{}

	pump := NewPump(pool, store, pub)
	sent, err := pump.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 sent, got %d", sent)
	}
	if len(pub.published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.published))
	}
	if pub.published[0].RequestID != "req-1" {
		t.Errorf("expected FIFO delivery, got %q first", pub.published[0].RequestID)
	}
	if len(store.sentIDs) != 2 {
		t.Errorf("expected both rows marked sent, got %v", store.sentIDs)
	}
	if !pool.tx.committed {
		t.Error("expected the pump transaction to commit")
	}
}

func TestRunOnce_FailureStaysPending(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{pending: []PendingAction{{ID: "req-1", Attempts: 0}}}
	pub := &fakePublisher{err: errors.New("broker gone")}

	pump := NewPump(pool, store, pub)
	sent, err := pump.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("publish failure must not fail the cycle: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected nothing sent, got %d", sent)
	}
	if len(store.failed) != 1 || store.failed["req-1"] {
		t.Errorf("expected req-1 to stay pending, got %v", store.failed)
	}
	if !pool.tx.committed {
		t.Error("the attempt bump must commit even when publishing fails")
	}
}

func TestRunOnce_DeadAfterAttemptCap(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{pending: []PendingAction{{ID: "req-1", Attempts: 4}}}
	pub := &fakePublisher{err: errors.New("broker gone")}

	pump := NewPump(pool, store, pub)
	if _, err := pump.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dead, ok := store.failed["req-1"]; !ok || !dead {
		t.Errorf("expected req-1 to go dead on its fifth attempt, got %v", store.failed)
	}
}

func TestRunOnce_MixedBatch(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{pending: []PendingAction{
		{ID: "req-1"},
		{ID: "req-2"},
		{ID: "req-3"},
	}}
	pub := &fakePublisher{errFor: map[string]error{"req-2": errors.New("timeout")}}

	pump := NewPump(pool, store, pub)
	sent, err := pump.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 sent around the failure, got %d", sent)
	}
	if len(store.sentIDs) != 2 || len(store.failed) != 1 {
		t.Errorf("unexpected outcome: sent=%v failed=%v", store.sentIDs, store.failed)
	}
}

type fakePublisher struct {
	published []ActionMessage
	err       error
	errFor    map[string]error
}

func (f *fakePublisher) Publish(msg ActionMessage) error {
	if err := f.errFor[msg.RequestID]; err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeStore struct {
	pending []PendingAction
	sentIDs []string
	failed  map[string]bool
}

func (f *fakeStore) ClaimPending(context.Context, pgx.Tx, int) ([]PendingAction, error) {
	return f.pending, nil
}

func (f *fakeStore) MarkSent(_ context.Context, _ pgx.Tx, id string) error {
	f.sentIDs = append(f.sentIDs, id)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, _ pgx.Tx, id string, dead bool) error {
	if f.failed == nil {
		f.failed = make(map[string]bool)
	}
	f.failed[id] = dead
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
