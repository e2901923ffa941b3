package audit

import (
	"context"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	return func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
}

func TestAppendChainsEntries(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store)
	ledger.SetNowFunc(fixedClock())
	ctx := context.Background()

	first, err := ledger.Append(ctx, "agr_1", CategoryAgreement, "CREATED", "alice", map[string]string{"parties": "2"})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Sequence != 0 {
		t.Fatalf("first entry sequence = %d, want 0", first.Sequence)
	}
	if first.PreviousHash != GenesisHash {
		t.Fatalf("first entry previous hash = %s, want genesis", first.PreviousHash)
	}
	if first.Hash == "" || first.Hash != EntryHash(first) {
		t.Fatalf("entry hash does not recompute")
	}

	second, err := ledger.Append(ctx, "agr_1", CategoryAgreement, "SENT_FOR_SIGNATURE", "alice", nil)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Sequence != 1 {
		t.Fatalf("second entry sequence = %d, want 1", second.Sequence)
	}
	if second.PreviousHash != first.Hash {
		t.Fatalf("second entry must chain to first: %s != %s", second.PreviousHash, first.Hash)
	}

	// Chains are per aggregate.
	other, err := ledger.Append(ctx, "agr_2", CategoryAgreement, "CREATED", "bob", nil)
	if err != nil {
		t.Fatalf("append other aggregate: %v", err)
	}
	if other.Sequence != 0 || other.PreviousHash != GenesisHash {
		t.Fatalf("other aggregate must start its own chain: %+v", other)
	}
}

func TestVerifyChain(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store)
	ledger.SetNowFunc(fixedClock())
	ctx := context.Background()

	result, err := ledger.VerifyChain(ctx, "missing")
	if err != nil {
		t.Fatalf("verify empty: %v", err)
	}
	if !result.Valid || result.BrokenAt != -1 {
		t.Fatalf("empty chain must be valid: %+v", result)
	}

	for i := 0; i < 4; i++ {
		if _, err := ledger.Append(ctx, "agr_1", CategoryAgreement, "CREATED", "alice", nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	result, err = ledger.VerifyChain(ctx, "agr_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || result.BrokenAt != -1 {
		t.Fatalf("expected intact chain, got %+v", result)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store)
	ledger.SetNowFunc(fixedClock())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := ledger.Append(ctx, "agr_1", CategoryEscrow, "ESCROW_ACCEPTED", "bob", nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if !store.Tamper("agr_1", 2, func(e *Entry) { e.Actor = "mallory" }) {
		t.Fatalf("tamper hook failed")
	}
	result, err := ledger.VerifyChain(ctx, "agr_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("tampered chain verified as valid")
	}
	if result.BrokenAt != 2 {
		t.Fatalf("expected break at sequence 2, got %d", result.BrokenAt)
	}
}

func TestVerifyChainDetectsRelinking(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store)
	ledger.SetNowFunc(fixedClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := ledger.Append(ctx, "agr_1", CategoryDispute, "DISPUTE_RAISED", "carol", nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Rewriting an entry and recomputing its own hash still breaks the
	// successor's previousHash link.
	store.Tamper("agr_1", 1, func(e *Entry) {
		e.Action = "DISPUTE_RESOLVED"
		e.Hash = EntryHash(*e)
	})
	result, err := ledger.VerifyChain(ctx, "agr_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid || result.BrokenAt != 2 {
		t.Fatalf("expected break at relinked successor, got %+v", result)
	}
}

func TestQueryFilters(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store)
	ledger.SetNowFunc(fixedClock())
	ctx := context.Background()

	if _, err := ledger.Append(ctx, "agr_1", CategoryAgreement, "CREATED", "alice", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := ledger.Append(ctx, "agr_1", CategoryEscrow, "ESCROW_PREPARED", "alice", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := ledger.Append(ctx, "agr_1", CategoryRejection, "REJECTED", "bob", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := ledger.Query(ctx, "agr_1", Filter{})
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Sequence != all[i-1].Sequence+1 {
			t.Fatalf("entries out of append order: %+v", all)
		}
	}

	escrowOnly, err := ledger.Query(ctx, "agr_1", Filter{Category: CategoryEscrow})
	if err != nil {
		t.Fatalf("query category: %v", err)
	}
	if len(escrowOnly) != 1 || escrowOnly[0].Action != "ESCROW_PREPARED" {
		t.Fatalf("category filter mismatch: %+v", escrowOnly)
	}

	bobOnly, err := ledger.Query(ctx, "agr_1", Filter{Actor: "bob"})
	if err != nil {
		t.Fatalf("query actor: %v", err)
	}
	if len(bobOnly) != 1 || bobOnly[0].Category != CategoryRejection {
		t.Fatalf("actor filter mismatch: %+v", bobOnly)
	}

	since := all[2].Timestamp
	recent, err := ledger.Query(ctx, "agr_1", Filter{Since: since})
	if err != nil {
		t.Fatalf("query since: %v", err)
	}
	if len(recent) != 1 || recent[0].Sequence != 2 {
		t.Fatalf("since filter mismatch: %+v", recent)
	}
}

func TestAppendRequiresAggregate(t *testing.T) {
	ledger := NewLedger(NewMemoryStore())
	if _, err := ledger.Append(context.Background(), "  ", CategoryAgreement, "CREATED", "alice", nil); err == nil {
		t.Fatalf("expected error for blank aggregate id")
	}
}
