package agreement

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pactledger/audit"
	"pactledger/fingerprint"
)

var (
	errNilState  = errors.New("agreement engine: state not configured")
	errNilSecret = errors.New("agreement engine: ledger secret not configured")
)

// Audit actions recorded by the engine.
const (
	ActionCreated         = "CREATED"
	ActionUpdated         = "UPDATED"
	ActionSent            = "SENT_FOR_SIGNATURE"
	ActionSignatureAdded  = "SIGNATURE_RECORDED"
	ActionFullySigned     = "FULLY_SIGNED"
	ActionCancelled       = "CANCELLED"
	ActionDeleted         = "DELETED"
	ActionExpired         = "EXPIRED"
	ActionEscrowPrepared  = "ESCROW_PREPARED"
	ActionEscrowAccepted  = "ESCROW_ACCEPTED"
	ActionEscrowFunded    = "ESCROW_FUNDED"
	ActionEscrowReleased  = "ESCROW_RELEASED"
	ActionEscrowRefunded  = "ESCROW_REFUNDED"
	ActionEscrowDisputed  = "ESCROW_DISPUTED"
	ActionEscrowRuled     = "ESCROW_ARBITER_RULED"
	ActionEscrowSplit     = "ESCROW_SPLIT"
	ActionDisputeRaised   = "DISPUTE_RAISED"
	ActionDisputeResolved = "DISPUTE_RESOLVED"
	ActionRejected        = "REJECTED"
)

// State is the aggregate store backing the engine. Implementations must
// return defensive copies; the engine stores clones and never hands out its
// own references.
type State interface {
	AgreementPut(*Agreement) error
	AgreementGet(id string) (*Agreement, bool)
	AgreementIDs() []string
}

// AuditRecorder appends entries to the hash-chained audit log. The engine
// calls it while holding the aggregate lock, so appends for one aggregate are
// strictly ordered.
type AuditRecorder interface {
	Append(ctx context.Context, aggregateID, category, action, actor string, details map[string]string) (audit.Entry, error)
}

// Engine owns the agreement aggregate lifecycle. All mutating operations on a
// given id run under a per-aggregate mutex so check-mutate-audit sequences are
// atomic; operations across different ids proceed in parallel.
type Engine struct {
	state   State
	auditor AuditRecorder
	emitter Emitter
	secret  string
	nowFn   func() time.Time

	locks sync.Map // aggregate id -> *sync.Mutex
}

// NewEngine creates an engine with a no-op emitter. Callers wire the state
// store, audit recorder and ledger secret via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: NoopEmitter{},
		nowFn:   time.Now,
	}
}

// SetState configures the aggregate store.
func (e *Engine) SetState(state State) { e.state = state }

// SetAudit configures the audit recorder. A nil recorder disables auditing;
// production wiring always supplies one.
func (e *Engine) SetAudit(recorder AuditRecorder) { e.auditor = recorder }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetSecret configures the ledger secret used for token derivation and
// certificate signing.
func (e *Engine) SetSecret(secret string) { e.secret = secret }

// SetNowFunc overrides the engine clock. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

func (e *Engine) lock(id string) func() {
	muAny, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) emit(event Event) {
	if e.emitter != nil {
		e.emitter.Emit(event)
	}
}

func (e *Engine) record(ctx context.Context, id, category, action, actor string, details map[string]string) {
	if e.auditor == nil {
		return
	}
	// Audit failures must not mask the operation outcome; the entry is the
	// trace, not the transition.
	_, _ = e.auditor.Append(ctx, id, category, action, actor, details)
}

// reject pairs a rejected attempt with an audit entry so failed operations
// stay as traceable as successful ones, then returns the original error.
func (e *Engine) reject(ctx context.Context, id, action, actor string, err error) error {
	e.record(ctx, id, audit.CategoryRejection, ActionRejected, actor, map[string]string{
		"attempted": action,
		"reason":    err.Error(),
	})
	return err
}

func (e *Engine) load(id string) (*Agreement, error) {
	if e.state == nil {
		return nil, errNilState
	}
	a, ok := e.state.AgreementGet(id)
	if !ok || a == nil || a.Deleted {
		return nil, &NotFoundError{Kind: "agreement", ID: id}
	}
	return a, nil
}

func (e *Engine) store(a *Agreement) error {
	if e.state == nil {
		return errNilState
	}
	a.UpdatedAt = e.now()
	return e.state.AgreementPut(a)
}

func validateParties(parties []Party) error {
	if len(parties) == 0 {
		return &ValidationError{Field: "parties", Reason: "at least one party required"}
	}
	seen := make(map[string]bool, len(parties))
	for i, p := range parties {
		if strings.TrimSpace(p.Name) == "" {
			return &ValidationError{Field: fmt.Sprintf("parties[%d].name", i), Reason: "name required"}
		}
		email := NormalizeEmail(p.Email)
		if email != "" {
			if seen[email] {
				return &ValidationError{Field: fmt.Sprintf("parties[%d].email", i), Reason: "duplicate party email"}
			}
			seen[email] = true
		}
	}
	return nil
}

// Create registers a new draft agreement: version 1, computed content hash,
// derived verification token, CREATED audit entry.
func (e *Engine) Create(ctx context.Context, content string, parties []Party, metadata map[string]string, author string) (*Agreement, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if e.secret == "" {
		return nil, errNilSecret
	}
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Field: "content", Reason: "content required"}
	}
	if err := validateParties(parties); err != nil {
		return nil, err
	}

	id := "agr_" + uuid.NewString()
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("agreement engine: token nonce: %w", err)
	}
	now := e.now()
	contentHash := fingerprint.DigestString(content)
	a := &Agreement{
		ID:          id,
		Content:     content,
		ContentHash: contentHash,
		Version:     1,
		Versions: []ContentVersion{{
			Version:     1,
			Content:     content,
			ContentHash: contentHash,
			Timestamp:   now,
			Author:      author,
		}},
		Parties:           append([]Party(nil), parties...),
		Status:            StatusDraft,
		VerificationToken: fingerprint.DeriveVerificationToken(id, e.secret, nonce),
		Metadata:          metadata,
		CreatedAt:         now,
	}

	unlock := e.lock(id)
	defer unlock()
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryAgreement, ActionCreated, author, map[string]string{
		"contentHash": contentHash,
		"parties":     strconv.Itoa(len(parties)),
	})
	e.emit(newAgreementEvent(EventTypeCreated, a))
	return a.Clone(), nil
}

// UpdateContent replaces the draft content, bumping the version and pushing a
// history entry. Signed content is immutable: the call conflicts once the
// agreement reached signed or any later status.
func (e *Engine) UpdateContent(ctx context.Context, id, newContent, editor string) (*Agreement, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, &ValidationError{Field: "content", Reason: "content required"}
	}
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusDraft && a.Status != StatusPending {
		return nil, e.reject(ctx, id, ActionUpdated, editor, &ConflictError{
			Op:     "updateContent",
			Status: a.Status,
			Reason: "content is immutable after signing",
		})
	}
	now := e.now()
	a.Content = newContent
	a.ContentHash = fingerprint.DigestString(newContent)
	a.Version++
	a.Versions = append(a.Versions, ContentVersion{
		Version:     a.Version,
		Content:     newContent,
		ContentHash: a.ContentHash,
		Timestamp:   now,
		Author:      editor,
	})
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryAgreement, ActionUpdated, editor, map[string]string{
		"version":     strconv.Itoa(a.Version),
		"contentHash": a.ContentHash,
	})
	e.emit(newAgreementEvent(EventTypeUpdated, a))
	return a.Clone(), nil
}

// SendForSignature moves a draft to pending. Every party must carry an email:
// a party that can never sign must not be able to strand the agreement in
// pending.
func (e *Engine) SendForSignature(ctx context.Context, id, actor string) (*Agreement, error) {
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusDraft {
		return nil, e.reject(ctx, id, ActionSent, actor, &ConflictError{
			Op:     "sendForSignature",
			Status: a.Status,
			Reason: "only draft agreements can be sent",
		})
	}
	if len(a.Parties) == 0 {
		return nil, e.reject(ctx, id, ActionSent, actor, &ValidationError{Field: "parties", Reason: "at least one party required"})
	}
	for i, p := range a.Parties {
		if NormalizeEmail(p.Email) == "" {
			return nil, e.reject(ctx, id, ActionSent, actor, &ValidationError{
				Field:  fmt.Sprintf("parties[%d].email", i),
				Reason: "party without email cannot sign",
			})
		}
	}
	a.Status = StatusPending
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryAgreement, ActionSent, actor, nil)
	e.emit(newAgreementEvent(EventTypeSent, a))
	return a.Clone(), nil
}

// RecordSignature appends one party's signature. Identity validation against
// the verification token or a session is the caller's precondition;
// proofOfIdentity describes how it was met and lands in the audit trail. When
// the final party signs, the agreement transitions to signed atomically and
// the signed event fires so anchor generation can be queued out of band.
func (e *Engine) RecordSignature(ctx context.Context, id, signerEmail, signerName, method, originatingAddress, proofOfIdentity string) (*Agreement, error) {
	email := NormalizeEmail(signerEmail)
	if email == "" {
		return nil, &ValidationError{Field: "signerEmail", Reason: "signer email required"}
	}
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, e.reject(ctx, id, ActionSignatureAdded, email, &ConflictError{
			Op:     "recordSignature",
			Status: a.Status,
			Reason: "agreement is not collecting signatures",
		})
	}
	if _, ok := a.PartyByEmail(email); !ok {
		return nil, e.reject(ctx, id, ActionSignatureAdded, email, &ValidationError{
			Field:  "signerEmail",
			Reason: "signer is not a party to this agreement",
		})
	}
	if _, ok := a.SignatureByEmail(email); ok {
		return nil, e.reject(ctx, id, ActionSignatureAdded, email, newDuplicateSignature(email, a.Status))
	}
	now := e.now()
	a.Signatures = append(a.Signatures, Signature{
		SignerEmail:        email,
		SignerName:         signerName,
		Timestamp:          now,
		OriginatingAddress: originatingAddress,
		Method:             method,
		Digest:             a.ContentHash,
	})
	completed := AllSigned(a.Parties, a.Signatures)
	if completed {
		a.Status = StatusSigned
	}
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryAgreement, ActionSignatureAdded, email, map[string]string{
		"method":   method,
		"identity": proofOfIdentity,
	})
	e.emit(newAgreementEvent(EventTypeSignatureRecorded, a))
	if completed {
		e.record(ctx, id, audit.CategoryAgreement, ActionFullySigned, email, map[string]string{
			"signatures": strconv.Itoa(len(a.Signatures)),
		})
		e.emit(newAgreementEvent(EventTypeSigned, a))
	}
	return a.Clone(), nil
}

// Cancel terminates the agreement where policy allows. Before signing,
// cancellation is always permitted; once signed, the escrow's cancellation
// policy decides, and a funded or disputed escrow blocks cancellation until
// settled.
func (e *Engine) Cancel(ctx context.Context, id, actor, reason string) (*Agreement, error) {
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() || a.Status == StatusDisputed {
		return nil, e.reject(ctx, id, ActionCancelled, actor, &ConflictError{
			Op:     "cancel",
			Status: a.Status,
			Reason: "agreement can no longer be cancelled",
		})
	}
	if a.Status == StatusSigned && a.Escrow != nil {
		if a.Escrow.Rules.CancellationPolicy == CancelNone {
			return nil, e.reject(ctx, id, ActionCancelled, actor, &ConflictError{
				Op:          "cancel",
				Status:      a.Status,
				EscrowState: a.Escrow.State,
				Reason:      "cancellation policy forbids cancelling a signed agreement",
			})
		}
		switch a.Escrow.State {
		case EscrowFunded, EscrowDisputed, EscrowArbiterRuled:
			return nil, e.reject(ctx, id, ActionCancelled, actor, &ConflictError{
				Op:          "cancel",
				Status:      a.Status,
				EscrowState: a.Escrow.State,
				Reason:      "escrow must be settled before cancellation",
			})
		}
	}
	a.Status = StatusCancelled
	if a.Escrow != nil && !a.Escrow.State.Terminal() {
		a.Escrow.State = EscrowCancelled
		a.Escrow.UpdatedAt = e.now()
	}
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryAgreement, ActionCancelled, actor, map[string]string{"reason": reason})
	e.emit(newAgreementEvent(EventTypeCancelled, a))
	return a.Clone(), nil
}

// Delete soft-deletes the agreement. Signed agreements are never deleted.
func (e *Engine) Delete(ctx context.Context, id, actor string) error {
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return err
	}
	if a.Status == StatusSigned || a.Status == StatusDisputed {
		return e.reject(ctx, id, ActionDeleted, actor, &ConflictError{
			Op:     "delete",
			Status: a.Status,
			Reason: "signed agreements cannot be deleted",
		})
	}
	a.Deleted = true
	if err := e.store(a); err != nil {
		return err
	}
	e.record(ctx, id, audit.CategoryAgreement, ActionDeleted, actor, nil)
	e.emit(newAgreementEvent(EventTypeDeleted, a))
	return nil
}

// Expire times out a pending agreement. Invoked by the gateway watcher rather
// than an in-engine timer.
func (e *Engine) Expire(ctx context.Context, id, actor string) (*Agreement, error) {
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusExpired {
		return a.Clone(), nil
	}
	if a.Status != StatusPending {
		return nil, e.reject(ctx, id, ActionExpired, actor, &ConflictError{
			Op:     "expire",
			Status: a.Status,
			Reason: "only pending agreements expire",
		})
	}
	a.Status = StatusExpired
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryAgreement, ActionExpired, actor, nil)
	e.emit(newAgreementEvent(EventTypeExpired, a))
	return a.Clone(), nil
}

// Snapshot returns a consistent deep copy of the aggregate, taken under the
// same lock mutators hold, so readers never observe a partially applied
// mutation.
func (e *Engine) Snapshot(_ context.Context, id string) (*Agreement, error) {
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// VerifyToken checks a presented verification token against the aggregate in
// constant time.
func (e *Engine) VerifyToken(ctx context.Context, id, token string) (bool, error) {
	a, err := e.Snapshot(ctx, id)
	if err != nil {
		return false, err
	}
	return fingerprint.Equal(a.VerificationToken, token), nil
}

// Certificate assembles the signed certificate for an agreement. Integrity is
// recomputed at assembly time; a content/hash mismatch yields a FAILED
// certificate rather than an error.
func (e *Engine) Certificate(ctx context.Context, id string) (fingerprint.Certificate, error) {
	if e.secret == "" {
		return fingerprint.Certificate{}, errNilSecret
	}
	a, err := e.Snapshot(ctx, id)
	if err != nil {
		return fingerprint.Certificate{}, err
	}
	sigs := make([]fingerprint.CertificateSignature, 0, len(a.Signatures))
	for _, s := range a.Signatures {
		sigs = append(sigs, fingerprint.CertificateSignature{
			SignerEmail: s.SignerEmail,
			SignerName:  s.SignerName,
			Method:      s.Method,
			Digest:      s.Digest,
			SignedAt:    s.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return fingerprint.BuildCertificate(fingerprint.CertificateInput{
		DocumentID:     a.ID,
		DocumentHash:   a.ContentHash,
		RecomputedHash: fingerprint.DigestString(a.Content),
		Signatures:     sigs,
		VerifiedAt:     e.now(),
	}, e.secret)
}
