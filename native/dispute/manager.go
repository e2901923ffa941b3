package dispute

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pactledger/audit"
	"pactledger/native/agreement"
)

var (
	errNilState  = errors.New("dispute manager: state not configured")
	errNilLedger = errors.New("dispute manager: agreement engine not configured")
)

// Manager coordinates disputes across the agreement ledger. All aggregate
// mutations delegate to the agreement engine, which enforces the stricter
// preconditions under its per-aggregate lock; the manager owns the dispute
// records themselves.
type Manager struct {
	mu         sync.Mutex
	agreements *agreement.Engine
	state      State
	auditor    agreement.AuditRecorder
	emitter    agreement.Emitter
	nowFn      func() time.Time
}

// NewManager wires a manager over the agreement engine and a dispute store.
func NewManager(agreements *agreement.Engine, state State) *Manager {
	return &Manager{
		agreements: agreements,
		state:      state,
		emitter:    agreement.NoopEmitter{},
		nowFn:      time.Now,
	}
}

// SetAudit configures the audit recorder used for response entries.
func (m *Manager) SetAudit(recorder agreement.AuditRecorder) { m.auditor = recorder }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (m *Manager) SetEmitter(emitter agreement.Emitter) {
	if emitter == nil {
		m.emitter = agreement.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	if now == nil {
		m.nowFn = time.Now
		return
	}
	m.nowFn = now
}

func (m *Manager) now() time.Time { return m.nowFn().UTC() }

// Raise opens a dispute against a signed agreement. The response deadline is
// the raise time plus the escrow's dispute window (14 days when no escrow
// rules are present). The agreement moves to disputed and a funded escrow
// moves with it; a second open dispute is rejected by the engine.
func (m *Manager) Raise(ctx context.Context, agreementID, raisedBy, category string, evidence []Evidence, proposedResolution string) (*Dispute, error) {
	if m.state == nil {
		return nil, errNilState
	}
	if m.agreements == nil {
		return nil, errNilLedger
	}
	if strings.TrimSpace(raisedBy) == "" {
		return nil, &agreement.ValidationError{Field: "raisedBy", Reason: "raiser required"}
	}

	snapshot, err := m.agreements.Snapshot(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	windowDays := agreement.DefaultDisputeWindowDays
	if snapshot.Escrow != nil && snapshot.Escrow.Rules.DisputeWindowDays > 0 {
		windowDays = snapshot.Escrow.Rules.DisputeWindowDays
	}

	now := m.now()
	d := &Dispute{
		ID:                 "dsp_" + uuid.NewString(),
		AgreementID:        agreementID,
		RaisedBy:           strings.TrimSpace(raisedBy),
		Category:           strings.TrimSpace(category),
		Evidence:           append([]Evidence(nil), evidence...),
		ProposedResolution: proposedResolution,
		Deadline:           now.Add(time.Duration(windowDays) * 24 * time.Hour),
		Status:             StatusOpen,
		RaisedAt:           now,
	}

	// MarkDisputed enforces the signed-status and single-open-dispute
	// preconditions atomically; only then does the record exist.
	if _, err := m.agreements.MarkDisputed(ctx, agreementID, d.ID, d.RaisedBy); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.state.DisputePut(d); err != nil {
		return nil, err
	}
	m.emitter.Emit(agreement.Event{
		Type:        agreement.EventTypeDisputeRaised,
		AggregateID: agreementID,
		Attributes: map[string]string{
			"disputeId": d.ID,
			"category":  d.Category,
			"deadline":  d.Deadline.Format(time.RFC3339),
		},
	})
	return d.Clone(), nil
}

// Respond appends a reply to an open dispute. No state changes anywhere.
func (m *Manager) Respond(ctx context.Context, disputeID, from, message string, evidence []Evidence, counterProposal string) (*Dispute, error) {
	if m.state == nil {
		return nil, errNilState
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.state.DisputeGet(disputeID)
	if !ok {
		return nil, &agreement.NotFoundError{Kind: "dispute", ID: disputeID}
	}
	if d.Status != StatusOpen {
		return nil, &agreement.ConflictError{
			Op:     "respond",
			Status: agreement.StatusResolved,
			Reason: "dispute is already resolved",
		}
	}
	d.Responses = append(d.Responses, Response{
		From:            strings.TrimSpace(from),
		Message:         message,
		Evidence:        append([]Evidence(nil), evidence...),
		CounterProposal: counterProposal,
		RespondedAt:     m.now(),
	})
	if err := m.state.DisputePut(d); err != nil {
		return nil, err
	}
	if m.auditor != nil {
		_, _ = m.auditor.Append(ctx, d.AgreementID, audit.CategoryDispute, "DISPUTE_RESPONDED", from, map[string]string{
			"disputeId": d.ID,
		})
	}
	m.emitter.Emit(agreement.Event{
		Type:        agreement.EventTypeDisputeResponded,
		AggregateID: d.AgreementID,
		Attributes:  map[string]string{"disputeId": d.ID},
	})
	return d.Clone(), nil
}

// Resolve closes an open dispute with a binding resolution and applies it to
// the agreement and its escrow. This is the only path out of open.
func (m *Manager) Resolve(ctx context.Context, disputeID, resolution, releaseTo string, splitPercentage int, resolverRole string) (*Dispute, error) {
	if m.state == nil {
		return nil, errNilState
	}
	if m.agreements == nil {
		return nil, errNilLedger
	}
	if strings.TrimSpace(resolution) == "" {
		return nil, &agreement.ValidationError{Field: "resolution", Reason: "resolution text required"}
	}
	if splitPercentage < 0 || splitPercentage > 100 {
		return nil, &agreement.ValidationError{Field: "splitPercentage", Reason: "split must be within 0..100"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.state.DisputeGet(disputeID)
	if !ok {
		return nil, &agreement.NotFoundError{Kind: "dispute", ID: disputeID}
	}
	if d.Status != StatusOpen {
		return nil, &agreement.ConflictError{
			Op:     "resolveDispute",
			Status: agreement.StatusResolved,
			Reason: "dispute is already resolved",
		}
	}

	if _, err := m.agreements.ApplyResolution(ctx, d.AgreementID, agreement.Resolution{
		DisputeID:       d.ID,
		Summary:         resolution,
		ReleaseTo:       releaseTo,
		SplitPercentage: splitPercentage,
		ResolvedBy:      resolverRole,
	}); err != nil {
		return nil, err
	}

	d.Status = StatusResolved
	d.Resolution = resolution
	d.ReleaseTo = agreement.NormalizeEmail(releaseTo)
	d.SplitPercentage = splitPercentage
	d.ResolvedBy = resolverRole
	d.ResolvedAt = m.now()
	if err := m.state.DisputePut(d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// Get returns a copy of a dispute record.
func (m *Manager) Get(disputeID string) (*Dispute, error) {
	if m.state == nil {
		return nil, errNilState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.DisputeGet(disputeID)
	if !ok {
		return nil, &agreement.NotFoundError{Kind: "dispute", ID: disputeID}
	}
	return d.Clone(), nil
}
