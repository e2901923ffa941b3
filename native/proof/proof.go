// Package proof assembles the externally verifiable bundle describing an
// agreement's state at a point in time. It only reads aggregate snapshots;
// nothing here mutates core state or blocks on the network.
package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pactledger/fingerprint"
	"pactledger/native/agreement"
)

// ConfirmationStatus labels the external-chain confirmation on a proof.
type ConfirmationStatus string

const (
	// ConfirmationUnconfirmed marks a reference not (or no longer) vouched
	// for by the external ledger. This is the permanent resting state after
	// retries are exhausted.
	ConfirmationUnconfirmed ConfirmationStatus = "unconfirmed"
	// ConfirmationPending marks a confirmation task queued but not finished.
	ConfirmationPending ConfirmationStatus = "pending"
	// ConfirmationConfirmed marks a reference the external ledger confirmed.
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
)

var errNilSource = errors.New("proof: snapshot source not configured")

// EscrowSummary is the escrow view embedded in a proof.
type EscrowSummary struct {
	Type              string `json:"type"`
	Currency          string `json:"currency"`
	Amount            string `json:"amount"`
	State             string `json:"state"`
	AnchorHash        string `json:"anchorHash"`
	ExternalReference string `json:"externalReference,omitempty"`
}

// ExternalConfirmation carries the reference verbatim plus its label.
type ExternalConfirmation struct {
	Reference   string             `json:"reference"`
	Status      ConfirmationStatus `json:"status"`
	ConfirmedAt *time.Time         `json:"confirmedAt,omitempty"`
}

// Proof is the anchor bundle external auditors verify.
type Proof struct {
	AgreementID          string                `json:"agreementId"`
	Version              int                   `json:"version"`
	Status               string                `json:"status"`
	ContentHash          string                `json:"contentHash"`
	MetadataHash         string                `json:"metadataHash"`
	CombinedHash         string                `json:"combinedHash"`
	EscrowSummary        *EscrowSummary        `json:"escrowSummary,omitempty"`
	ExternalConfirmation *ExternalConfirmation `json:"externalConfirmation,omitempty"`
	GeneratedAt          time.Time             `json:"generatedAt"`
}

// SnapshotSource supplies consistent aggregate snapshots. The agreement
// engine's Snapshot method satisfies it, holding the per-aggregate lock for
// the duration of the read.
type SnapshotSource interface {
	Snapshot(ctx context.Context, id string) (*agreement.Agreement, error)
}

// ConfirmationSource reports the asynchronous confirmation outcome recorded
// for an aggregate, if any. The generator never waits on it.
type ConfirmationSource interface {
	Confirmation(aggregateID string) (ConfirmationStatus, time.Time, bool)
}

// Builder generates proofs on demand.
type Builder struct {
	source        SnapshotSource
	confirmations ConfirmationSource
	nowFn         func() time.Time
}

// NewBuilder wires a builder over a snapshot source.
func NewBuilder(source SnapshotSource) *Builder {
	return &Builder{source: source, nowFn: time.Now}
}

// SetConfirmations configures the confirmation lookup. Without one, every
// external reference is labeled unconfirmed.
func (b *Builder) SetConfirmations(source ConfirmationSource) { b.confirmations = source }

// SetNowFunc overrides the clock. Primarily intended for tests.
func (b *Builder) SetNowFunc(now func() time.Time) {
	if now == nil {
		b.nowFn = time.Now
		return
	}
	b.nowFn = now
}

// metadataView pins the serialization the metadata hash covers. Content is
// deliberately absent: the content hash stands for it.
type metadataView struct {
	ID         string                `json:"id"`
	Version    int                   `json:"version"`
	Status     string                `json:"status"`
	Parties    []agreement.Party     `json:"parties"`
	Signatures []agreement.Signature `json:"signatures"`
	Escrow     *EscrowSummary        `json:"escrow,omitempty"`
}

// BuildProof recomputes the content digest, checks it against the stored
// hash, and assembles the proof. A mismatch is an IntegrityError: reported,
// never corrected.
func (b *Builder) BuildProof(ctx context.Context, id string) (*Proof, error) {
	if b == nil || b.source == nil {
		return nil, errNilSource
	}
	a, err := b.source.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	recomputed := fingerprint.DigestString(a.Content)
	if !fingerprint.Equal(recomputed, a.ContentHash) {
		return nil, &agreement.IntegrityError{
			AggregateID: a.ID,
			Reason:      fmt.Sprintf("content digest %s does not match stored hash %s", recomputed, a.ContentHash),
		}
	}

	var summary *EscrowSummary
	if a.Escrow != nil {
		summary = &EscrowSummary{
			Type:              string(a.Escrow.Type),
			Currency:          a.Escrow.Currency,
			Amount:            a.Escrow.Amount.String(),
			State:             string(a.Escrow.State),
			AnchorHash:        a.Escrow.AnchorHash,
			ExternalReference: a.Escrow.ExternalReference,
		}
	}

	meta, err := json.Marshal(metadataView{
		ID:         a.ID,
		Version:    a.Version,
		Status:     string(a.Status),
		Parties:    a.Parties,
		Signatures: a.Signatures,
		Escrow:     summary,
	})
	if err != nil {
		return nil, fmt.Errorf("proof: serialize metadata: %w", err)
	}
	metadataHash := fingerprint.Digest(meta)

	p := &Proof{
		AgreementID:   a.ID,
		Version:       a.Version,
		Status:        string(a.Status),
		ContentHash:   a.ContentHash,
		MetadataHash:  metadataHash,
		CombinedHash:  fingerprint.DigestString(a.ContentHash + metadataHash),
		EscrowSummary: summary,
		GeneratedAt:   b.nowFn().UTC(),
	}

	if a.Escrow != nil && a.Escrow.ExternalReference != "" {
		confirmation := &ExternalConfirmation{
			Reference: a.Escrow.ExternalReference,
			Status:    ConfirmationUnconfirmed,
		}
		if b.confirmations != nil {
			if status, at, ok := b.confirmations.Confirmation(a.ID); ok {
				confirmation.Status = status
				if status == ConfirmationConfirmed && !at.IsZero() {
					t := at.UTC()
					confirmation.ConfirmedAt = &t
				}
			}
		}
		p.ExternalConfirmation = confirmation
	}
	return p, nil
}
