package agreement

import "fmt"

// ValidationError reports a missing or malformed field. The operation is
// rejected before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agreement: invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports an operation incompatible with the aggregate's
// current state. The state is included so callers can react.
type ConflictError struct {
	Op          string
	Status      Status
	EscrowState EscrowState
	Reason      string
}

func (e *ConflictError) Error() string {
	if e.EscrowState != "" {
		return fmt.Sprintf("agreement: %s conflicts with status %q (escrow %q): %s", e.Op, e.Status, e.EscrowState, e.Reason)
	}
	return fmt.Sprintf("agreement: %s conflicts with status %q: %s", e.Op, e.Status, e.Reason)
}

// DuplicateSignatureError rejects a second signature from the same signer. It
// unwraps to a ConflictError so callers matching the broader class catch it.
type DuplicateSignatureError struct {
	SignerEmail string
	conflict    ConflictError
}

func newDuplicateSignature(email string, status Status) *DuplicateSignatureError {
	return &DuplicateSignatureError{
		SignerEmail: email,
		conflict: ConflictError{
			Op:     "recordSignature",
			Status: status,
			Reason: fmt.Sprintf("signer %s already signed", email),
		},
	}
}

func (e *DuplicateSignatureError) Error() string { return e.conflict.Error() }

func (e *DuplicateSignatureError) Unwrap() error { return &e.conflict }

// NotFoundError reports a missing aggregate, escrow or dispute.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agreement: %s %s not found", e.Kind, e.ID)
}

// IntegrityError reports a digest or chain mismatch. It is never corrected
// silently; callers are expected to surface it on an alert path.
type IntegrityError struct {
	AggregateID string
	Reason      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("agreement: integrity failure on %s: %s", e.AggregateID, e.Reason)
}

// ExternalUnavailableError wraps a failure to reach the outside ledger. It is
// only raised inside asynchronous confirmation tasks and never propagates to
// the mutating caller.
type ExternalUnavailableError struct {
	Op  string
	Err error
}

func (e *ExternalUnavailableError) Error() string {
	return fmt.Sprintf("agreement: external ledger unavailable during %s: %v", e.Op, e.Err)
}

func (e *ExternalUnavailableError) Unwrap() error { return e.Err }
