package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pactledger/fingerprint"
)

// GenesisHash seeds every aggregate's chain. The first entry for an aggregate
// carries it as previousHash.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event categories recorded on the chain.
const (
	CategoryAgreement = "agreement"
	CategoryEscrow    = "escrow"
	CategoryDispute   = "dispute"
	CategoryRejection = "rejection"
)

var (
	errNilStore = errors.New("audit: store not configured")
)

// Entry is one immutable audit record. Hash covers every field above it plus
// the previous entry's hash, so editing or dropping any historical entry
// breaks the chain at that point.
type Entry struct {
	ID           string            `json:"id"`
	AggregateID  string            `json:"aggregateId"`
	Sequence     int               `json:"sequence"`
	Category     string            `json:"category"`
	Action       string            `json:"action"`
	Actor        string            `json:"actor"`
	Timestamp    time.Time         `json:"timestamp"`
	Details      map[string]string `json:"details,omitempty"`
	PreviousHash string            `json:"-"`
	Hash         string            `json:"hash"`
}

// Store persists entries in append order. Implementations must return entries
// ordered by sequence.
type Store interface {
	AppendEntry(ctx context.Context, entry Entry) error
	Entries(ctx context.Context, aggregateID string) ([]Entry, error)
	Tail(ctx context.Context, aggregateID string) (hash string, nextSequence int, err error)
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Category string
	Action   string
	Actor    string
	Since    time.Time
	Until    time.Time
}

// VerifyResult reports the outcome of a chain walk. BrokenAt is -1 when the
// chain is intact, otherwise the sequence of the first entry that fails
// recomputation.
type VerifyResult struct {
	Valid    bool `json:"valid"`
	BrokenAt int  `json:"brokenAt"`
}

// Ledger is the append-only audit log. Appends are serialized so concurrent
// writers on the same aggregate cannot interleave and corrupt the chain.
type Ledger struct {
	mu    sync.Mutex
	store Store
	nowFn func() time.Time
}

// NewLedger wires a ledger over the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, nowFn: time.Now}
}

// SetNowFunc overrides the clock. Intended for tests.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.nowFn = time.Now
		return
	}
	l.nowFn = now
}

// Append reads the aggregate's tail hash (genesis if the chain is empty),
// builds the next entry, hashes it and persists it as the new tail.
func (l *Ledger) Append(ctx context.Context, aggregateID, category, action, actor string, details map[string]string) (Entry, error) {
	if l == nil || l.store == nil {
		return Entry{}, errNilStore
	}
	if strings.TrimSpace(aggregateID) == "" {
		return Entry{}, fmt.Errorf("audit: aggregate id required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tail, next, err := l.store.Tail(ctx, aggregateID)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: read tail: %w", err)
	}
	if tail == "" {
		tail = GenesisHash
	}
	entry := Entry{
		ID:           "aud_" + uuid.NewString(),
		AggregateID:  aggregateID,
		Sequence:     next,
		Category:     category,
		Action:       action,
		Actor:        actor,
		Timestamp:    l.nowFn().UTC(),
		Details:      cloneDetails(details),
		PreviousHash: tail,
	}
	entry.Hash = EntryHash(entry)
	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("audit: append entry: %w", err)
	}
	return entry, nil
}

// VerifyChain walks the stored sequence for an aggregate, recomputing each
// hash from its fields and the previous entry's hash, and reports the first
// mismatch. An empty chain is valid.
func (l *Ledger) VerifyChain(ctx context.Context, aggregateID string) (VerifyResult, error) {
	if l == nil || l.store == nil {
		return VerifyResult{}, errNilStore
	}
	entries, err := l.store.Entries(ctx, aggregateID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: load chain: %w", err)
	}
	prev := GenesisHash
	for i, entry := range entries {
		if entry.PreviousHash != prev {
			return VerifyResult{Valid: false, BrokenAt: i}, nil
		}
		if EntryHash(entry) != entry.Hash {
			return VerifyResult{Valid: false, BrokenAt: i}, nil
		}
		prev = entry.Hash
	}
	return VerifyResult{Valid: true, BrokenAt: -1}, nil
}

// Query returns the aggregate's entries in append order, narrowed by filter.
// Reading never touches chain state.
func (l *Ledger) Query(ctx context.Context, aggregateID string, filter Filter) ([]Entry, error) {
	if l == nil || l.store == nil {
		return nil, errNilStore
	}
	entries, err := l.store.Entries(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain: %w", err)
	}
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if !filter.matches(entry) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f Filter) matches(entry Entry) bool {
	if f.Category != "" && entry.Category != f.Category {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.Actor != "" && entry.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// hashableEntry pins the serialization the chain hash covers. PreviousHash is
// appended separately so the published wire shape can omit it.
type hashableEntry struct {
	ID          string            `json:"id"`
	AggregateID string            `json:"aggregateId"`
	Sequence    int               `json:"sequence"`
	Category    string            `json:"category"`
	Action      string            `json:"action"`
	Actor       string            `json:"actor"`
	Timestamp   string            `json:"timestamp"`
	Details     map[string]string `json:"details,omitempty"`
}

// EntryHash recomputes the chain hash for an entry:
// H(serialize(fields) ++ previousHash).
func EntryHash(entry Entry) string {
	payload := hashableEntry{
		ID:          entry.ID,
		AggregateID: entry.AggregateID,
		Sequence:    entry.Sequence,
		Category:    entry.Category,
		Action:      entry.Action,
		Actor:       entry.Actor,
		Timestamp:   entry.Timestamp.UTC().Format(time.RFC3339Nano),
		Details:     entry.Details,
	}
	serialized, err := canonicalEntryBytes(payload)
	if err != nil {
		// Entry fields are plain strings and maps; marshalling cannot fail for
		// entries built by Append. Guard anyway so a broken entry hashes to a
		// value that can never verify.
		return ""
	}
	return fingerprint.Digest(append(serialized, []byte(entry.PreviousHash)...))
}

func canonicalEntryBytes(payload hashableEntry) ([]byte, error) {
	return json.Marshal(payload)
}

func cloneDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
