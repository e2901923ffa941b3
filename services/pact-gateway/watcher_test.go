package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"pactledger/audit"
	"pactledger/native/agreement"
	"pactledger/native/proof"
	"pactledger/storage"
)

type fakeExternal struct {
	reference  string
	confirmed  bool
	anchorErr  error
	confirmErr error
	anchors    int
	confirms   int
}

func (f *fakeExternal) AnchorDigest(context.Context, string, string) (string, error) {
	f.anchors++
	if f.anchorErr != nil {
		return "", f.anchorErr
	}
	return f.reference, nil
}

func (f *fakeExternal) ConfirmReference(context.Context, string) (bool, error) {
	f.confirms++
	if f.confirmErr != nil {
		return false, f.confirmErr
	}
	return f.confirmed, nil
}

type watcherFixture struct {
	watcher    *ConfirmationWatcher
	store      *SQLiteStore
	aggregates *storage.Store
	engine     *agreement.Engine
	external   *fakeExternal
}

func newWatcherFixture(t *testing.T, external *fakeExternal) *watcherFixture {
	t.Helper()
	store := newTestStore(t)
	aggregates := storage.NewStore()
	engine := agreement.NewEngine()
	engine.SetState(aggregates)
	engine.SetAudit(audit.NewLedger(audit.NewMemoryStore()))
	engine.SetSecret("secret")
	proofs := proof.NewBuilder(engine)
	proofs.SetConfirmations(store)
	watcher := NewConfirmationWatcher(proofs, store, aggregates, engine, external, slog.Default(), 30*24*time.Hour, time.Second)
	return &watcherFixture{
		watcher:    watcher,
		store:      store,
		aggregates: aggregates,
		engine:     engine,
		external:   external,
	}
}

func (f *watcherFixture) signedAgreement(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	parties := []agreement.Party{
		{Name: "Alice", Email: "a@example.com"},
		{Name: "Bob", Email: "b@example.com"},
	}
	a, err := f.engine.Create(ctx, "terms", parties, nil, "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.SendForSignature(ctx, a.ID, "alice"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.engine.RecordSignature(ctx, a.ID, "a@example.com", "Alice", "typed", "", "token"); err != nil {
		t.Fatalf("sign a: %v", err)
	}
	if _, err := f.engine.RecordSignature(ctx, a.ID, "b@example.com", "Bob", "typed", "", "token"); err != nil {
		t.Fatalf("sign b: %v", err)
	}
	return a.ID
}

func TestWatcherAnchorConfirmed(t *testing.T) {
	external := &fakeExternal{reference: "anchor_ref_1", confirmed: true}
	f := newWatcherFixture(t, external)
	id := f.signedAgreement(t)
	ctx := context.Background()

	f.watcher.QueueAnchor(id)
	select {
	case task := <-f.watcher.tasks:
		f.watcher.process(ctx, task)
	default:
		t.Fatalf("anchor task not queued")
	}

	status, at, ok, err := f.store.ConfirmationStatusFor(ctx, id, opAnchorSigned)
	if err != nil {
		t.Fatalf("read confirmation: %v", err)
	}
	if !ok || status != proof.ConfirmationConfirmed || at.IsZero() {
		t.Fatalf("expected confirmed anchor, got %s (recorded=%v)", status, ok)
	}
	if external.anchors != 1 || external.confirms != 1 {
		t.Fatalf("unexpected external calls: anchors=%d confirms=%d", external.anchors, external.confirms)
	}
}

func TestWatcherQueueDeduplicates(t *testing.T) {
	f := newWatcherFixture(t, &fakeExternal{reference: "r", confirmed: true})
	id := f.signedAgreement(t)

	f.watcher.QueueAnchor(id)
	f.watcher.QueueAnchor(id)
	if got := len(f.watcher.tasks); got != 1 {
		t.Fatalf("duplicate queueing produced %d tasks", got)
	}
}

func TestWatcherSkipsAlreadyConfirmed(t *testing.T) {
	f := newWatcherFixture(t, &fakeExternal{reference: "r", confirmed: true})
	id := f.signedAgreement(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := f.store.SetConfirmation(ctx, id, opAnchorSigned, "r", proof.ConfirmationConfirmed, now, now); err != nil {
		t.Fatalf("seed confirmation: %v", err)
	}
	f.watcher.QueueAnchor(id)
	if got := len(f.watcher.tasks); got != 0 {
		t.Fatalf("confirmed operation re-queued %d tasks", got)
	}
}

func TestWatcherFundingConfirmed(t *testing.T) {
	external := &fakeExternal{confirmed: true}
	f := newWatcherFixture(t, external)
	id := f.signedAgreement(t)
	ctx := context.Background()

	f.watcher.QueueFunding(id, "tx_1")
	task := <-f.watcher.tasks
	f.watcher.process(ctx, task)

	// The proof path reads the funding confirmation.
	status, _, ok := f.store.Confirmation(id)
	if !ok || status != proof.ConfirmationConfirmed {
		t.Fatalf("funding confirmation not visible to proofs: %s (recorded=%v)", status, ok)
	}
	if external.anchors != 0 {
		t.Fatalf("funding task must not anchor, called %d times", external.anchors)
	}
}

func TestWatcherNonTransientFailureSettlesUnconfirmed(t *testing.T) {
	external := &fakeExternal{confirmErr: errors.New("reference rejected")}
	f := newWatcherFixture(t, external)
	id := f.signedAgreement(t)
	ctx := context.Background()

	f.watcher.QueueFunding(id, "tx_bad")
	f.watcher.process(ctx, <-f.watcher.tasks)

	status, _, ok := f.store.Confirmation(id)
	if !ok || status != proof.ConfirmationUnconfirmed {
		t.Fatalf("non-transient failure must settle unconfirmed, got %s", status)
	}
	if external.confirms != 1 {
		t.Fatalf("non-transient failure must not retry, called %d times", external.confirms)
	}
}

func TestWatcherExhaustedRetriesSettleUnconfirmed(t *testing.T) {
	external := &fakeExternal{confirmErr: &agreement.ExternalUnavailableError{Op: "confirm", Err: errors.New("timeout")}}
	f := newWatcherFixture(t, external)
	id := f.signedAgreement(t)
	ctx := context.Background()

	f.watcher.QueueFunding(id, "tx_1")
	task := <-f.watcher.tasks
	task.attempt = maxConfirmRetries
	f.watcher.process(ctx, task)

	status, _, ok := f.store.Confirmation(id)
	if !ok || status != proof.ConfirmationUnconfirmed {
		t.Fatalf("exhausted retries must settle unconfirmed, got %s", status)
	}
}

func TestSweepExpiredTimesOutPending(t *testing.T) {
	f := newWatcherFixture(t, &fakeExternal{})
	ctx := context.Background()

	a, err := f.engine.Create(ctx, "terms", []agreement.Party{{Name: "A", Email: "a@example.com"}}, nil, "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.SendForSignature(ctx, a.ID, "alice"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Move the watcher clock past the signature deadline.
	f.watcher.nowFn = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	f.watcher.sweepExpired(ctx)

	got, err := f.engine.Snapshot(ctx, a.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got.Status != agreement.StatusExpired {
		t.Fatalf("pending agreement past deadline not expired: %s", got.Status)
	}

	// Draft agreements never expire through the sweeper.
	draft, err := f.engine.Create(ctx, "draft terms", []agreement.Party{{Name: "A", Email: "a@example.com"}}, nil, "alice")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	f.watcher.sweepExpired(ctx)
	gotDraft, _ := f.engine.Snapshot(ctx, draft.ID)
	if gotDraft.Status != agreement.StatusDraft {
		t.Fatalf("draft swept to %s", gotDraft.Status)
	}
}
