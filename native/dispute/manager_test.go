package dispute

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"pactledger/audit"
	"pactledger/native/agreement"
)

type mockStore struct {
	mu         sync.Mutex
	agreements map[string]*agreement.Agreement
	disputes   map[string]*Dispute
}

func newMockStore() *mockStore {
	return &mockStore{
		agreements: make(map[string]*agreement.Agreement),
		disputes:   make(map[string]*Dispute),
	}
}

func (m *mockStore) AgreementPut(a *agreement.Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agreements[a.ID] = a.Clone()
	return nil
}

func (m *mockStore) AgreementGet(id string) (*agreement.Agreement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agreements[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (m *mockStore) AgreementIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.agreements))
	for id := range m.agreements {
		ids = append(ids, id)
	}
	return ids
}

func (m *mockStore) DisputePut(d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *mockStore) DisputeGet(id string) (*Dispute, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

type fixture struct {
	engine  *agreement.Engine
	manager *Manager
	store   *mockStore
	ledger  *audit.Ledger
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newMockStore(),
		now:   time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC),
	}
	f.ledger = audit.NewLedger(audit.NewMemoryStore())
	f.engine = agreement.NewEngine()
	f.engine.SetState(f.store)
	f.engine.SetAudit(f.ledger)
	f.engine.SetSecret("secret")
	f.engine.SetNowFunc(func() time.Time { return f.now })
	f.manager = NewManager(f.engine, f.store)
	f.manager.SetAudit(f.ledger)
	f.manager.SetNowFunc(func() time.Time { return f.now })
	return f
}

// signedAgreement drives a two-party agreement through signing and, when typ
// is non-empty, through a funded escrow of that type.
func (f *fixture) signedAgreement(t *testing.T, typ agreement.EscrowType) string {
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
	if typ == "" {
		return a.ID
	}
	if _, err := f.engine.PrepareEscrow(ctx, a.ID, typ, "USD", big.NewInt(1_000), 0, agreement.RuleOverrides{}, "alice"); err != nil {
		t.Fatalf("prepare escrow: %v", err)
	}
	if _, err := f.engine.AcceptEscrow(ctx, a.ID, "a@example.com"); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	if _, err := f.engine.AcceptEscrow(ctx, a.ID, "b@example.com"); err != nil {
		t.Fatalf("accept b: %v", err)
	}
	if _, err := f.engine.ConfirmFunding(ctx, a.ID, "tx_1", "alice"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return a.ID
}

func TestRaiseDeadlineFromEscrowWindow(t *testing.T) {
	f := newFixture(t)
	// bet preset carries a 7-day dispute window.
	id := f.signedAgreement(t, agreement.EscrowBet)

	d, err := f.manager.Raise(context.Background(), id, "a@example.com", "non-delivery", nil, "refund me")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if d.Status != StatusOpen {
		t.Fatalf("new dispute status = %s, want open", d.Status)
	}
	want := f.now.Add(7 * 24 * time.Hour)
	if !d.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", d.Deadline, want)
	}

	snapshot, err := f.engine.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Status != agreement.StatusDisputed || snapshot.ActiveDisputeID != d.ID {
		t.Fatalf("agreement not marked disputed: %+v", snapshot)
	}
	if snapshot.Escrow.State != agreement.EscrowDisputed {
		t.Fatalf("funded escrow must follow into disputed, got %s", snapshot.Escrow.State)
	}
}

func TestRaiseDefaultDeadlineWithoutEscrow(t *testing.T) {
	f := newFixture(t)
	id := f.signedAgreement(t, "")

	d, err := f.manager.Raise(context.Background(), id, "b@example.com", "terms breached", nil, "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	want := f.now.Add(agreement.DefaultDisputeWindowDays * 24 * time.Hour)
	if !d.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", d.Deadline, want)
	}
}

func TestRaiseRejectedWhileDisputeOpen(t *testing.T) {
	f := newFixture(t)
	id := f.signedAgreement(t, "")
	ctx := context.Background()

	if _, err := f.manager.Raise(ctx, id, "a@example.com", "first", nil, ""); err != nil {
		t.Fatalf("first raise: %v", err)
	}
	_, err := f.manager.Raise(ctx, id, "b@example.com", "second", nil, "")
	var conflict *agreement.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second open dispute must conflict, got %v", err)
	}
	// The rejected raise must not leave a dangling record.
	f.store.mu.Lock()
	count := len(f.store.disputes)
	f.store.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one dispute record, got %d", count)
	}
}

func TestRaiseRequiresSignedAgreement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.engine.Create(ctx, "draft", []agreement.Party{{Name: "A", Email: "a@example.com"}}, nil, "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.manager.Raise(ctx, a.ID, "a@example.com", "premature", nil, "")
	var conflict *agreement.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("dispute on draft must conflict, got %v", err)
	}
}

func TestRespondAppendsWithoutStateChange(t *testing.T) {
	f := newFixture(t)
	id := f.signedAgreement(t, "")
	ctx := context.Background()

	d, err := f.manager.Raise(ctx, id, "a@example.com", "quality", nil, "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	evidence := []Evidence{{SubmittedBy: "b@example.com", Description: "delivery photo", URI: "https://files.example.com/1"}}
	updated, err := f.manager.Respond(ctx, d.ID, "b@example.com", "it was delivered", evidence, "release to me")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(updated.Responses) != 1 || updated.Responses[0].CounterProposal != "release to me" {
		t.Fatalf("response not recorded: %+v", updated.Responses)
	}
	if updated.Status != StatusOpen {
		t.Fatalf("response changed dispute status to %s", updated.Status)
	}
	snapshot, _ := f.engine.Snapshot(ctx, id)
	if snapshot.Status != agreement.StatusDisputed {
		t.Fatalf("response changed agreement status to %s", snapshot.Status)
	}
}

func TestRespondClosedDisputeRejected(t *testing.T) {
	f := newFixture(t)
	id := f.signedAgreement(t, "")
	ctx := context.Background()

	d, err := f.manager.Raise(ctx, id, "a@example.com", "quality", nil, "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := f.manager.Resolve(ctx, d.ID, "settled amicably", "", 0, "arbiter"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err = f.manager.Respond(ctx, d.ID, "b@example.com", "too late", nil, "")
	var conflict *agreement.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("respond on resolved dispute must conflict, got %v", err)
	}
}

func TestResolveOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		releaseTo  string
		split      int
		wantEscrow agreement.EscrowState
	}{
		{name: "release", releaseTo: "b@example.com", wantEscrow: agreement.EscrowReleased},
		{name: "split", split: 60, wantEscrow: agreement.EscrowSplit},
		{name: "refund", wantEscrow: agreement.EscrowRefunded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.signedAgreement(t, agreement.EscrowSale)
			ctx := context.Background()

			d, err := f.manager.Raise(ctx, id, "a@example.com", "non-delivery", nil, "")
			if err != nil {
				t.Fatalf("raise: %v", err)
			}
			f.now = f.now.Add(48 * time.Hour)
			resolved, err := f.manager.Resolve(ctx, d.ID, "ruling text", tc.releaseTo, tc.split, "arbiter")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if resolved.Status != StatusResolved || resolved.Resolution != "ruling text" {
				t.Fatalf("dispute not closed: %+v", resolved)
			}
			if !resolved.ResolvedAt.Equal(f.now) {
				t.Fatalf("resolvedAt = %v, want %v", resolved.ResolvedAt, f.now)
			}
			snapshot, err := f.engine.Snapshot(ctx, id)
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			if snapshot.Status != agreement.StatusResolved {
				t.Fatalf("agreement status = %s, want resolved", snapshot.Status)
			}
			if snapshot.Escrow.State != tc.wantEscrow {
				t.Fatalf("escrow state = %s, want %s", snapshot.Escrow.State, tc.wantEscrow)
			}
			if tc.split > 0 && snapshot.Escrow.SplitPercentage != tc.split {
				t.Fatalf("split percentage not applied: %+v", snapshot.Escrow)
			}
		})
	}
}

func TestResolveValidation(t *testing.T) {
	f := newFixture(t)
	id := f.signedAgreement(t, "")
	ctx := context.Background()
	d, err := f.manager.Raise(ctx, id, "a@example.com", "terms", nil, "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}

	var validation *agreement.ValidationError
	if _, err := f.manager.Resolve(ctx, d.ID, "  ", "", 0, "arbiter"); !errors.As(err, &validation) {
		t.Fatalf("blank resolution text must fail, got %v", err)
	}
	if _, err := f.manager.Resolve(ctx, d.ID, "text", "", 101, "arbiter"); !errors.As(err, &validation) {
		t.Fatalf("split above 100 must fail, got %v", err)
	}
	var notFound *agreement.NotFoundError
	if _, err := f.manager.Resolve(ctx, "dsp_missing", "text", "", 0, "arbiter"); !errors.As(err, &notFound) {
		t.Fatalf("unknown dispute must be not found, got %v", err)
	}

	if _, err := f.manager.Resolve(ctx, d.ID, "done", "", 0, "arbiter"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var conflict *agreement.ConflictError
	if _, err := f.manager.Resolve(ctx, d.ID, "again", "", 0, "arbiter"); !errors.As(err, &conflict) {
		t.Fatalf("double resolve must conflict, got %v", err)
	}
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	id := f.signedAgreement(t, "")
	d, err := f.manager.Raise(context.Background(), id, "a@example.com", "terms", nil, "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	got, err := f.manager.Get(d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != d.ID || got.AgreementID != id {
		t.Fatalf("lookup mismatch: %+v", got)
	}
	// Returned copy must not alias the stored record.
	got.Category = "mutated"
	again, _ := f.manager.Get(d.ID)
	if again.Category == "mutated" {
		t.Fatalf("Get returned an aliased record")
	}
}
