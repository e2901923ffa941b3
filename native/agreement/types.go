package agreement

import (
	"strings"
	"time"
)

// Status is the top-level lifecycle state of an agreement.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusSigned    Status = "signed"
	StatusDisputed  Status = "disputed"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusSigned, StatusDisputed, StatusResolved, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the agreement can no longer change status.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Party is a named participant. Email is the natural key used for signature
// matching, compared case-insensitively.
type Party struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Signature records one party's signature. At most one entry exists per
// distinct signer email.
type Signature struct {
	SignerEmail        string    `json:"signerEmail"`
	SignerName         string    `json:"signerName"`
	Timestamp          time.Time `json:"timestamp"`
	OriginatingAddress string    `json:"originatingAddress,omitempty"`
	Method             string    `json:"method"`
	Digest             string    `json:"digest"`
}

// ContentVersion is one entry in the append-only content history.
type ContentVersion struct {
	Version     int       `json:"version"`
	Content     string    `json:"content"`
	ContentHash string    `json:"contentHash"`
	Timestamp   time.Time `json:"timestamp"`
	Author      string    `json:"author"`
}

// Agreement is the root aggregate. An agreement plus its nested escrow and
// dispute reference form one consistency boundary: all mutations on a given
// id run under the engine's per-aggregate lock.
type Agreement struct {
	ID                string            `json:"id"`
	Content           string            `json:"content"`
	ContentHash       string            `json:"contentHash"`
	Version           int               `json:"version"`
	Versions          []ContentVersion  `json:"versions"`
	Parties           []Party           `json:"parties"`
	Signatures        []Signature       `json:"signatures"`
	Status            Status            `json:"status"`
	Escrow            *Escrow           `json:"escrow,omitempty"`
	ActiveDisputeID   string            `json:"activeDisputeId,omitempty"`
	VerificationToken string            `json:"verificationToken,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	Deleted           bool              `json:"deleted,omitempty"`
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Versions = append([]ContentVersion(nil), a.Versions...)
	clone.Parties = append([]Party(nil), a.Parties...)
	clone.Signatures = append([]Signature(nil), a.Signatures...)
	clone.Escrow = a.Escrow.Clone()
	if a.Metadata != nil {
		clone.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// NormalizeEmail canonicalizes an email for signature matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PartyByEmail looks a party up by normalized email.
func (a *Agreement) PartyByEmail(email string) (Party, bool) {
	needle := NormalizeEmail(email)
	for _, p := range a.Parties {
		if NormalizeEmail(p.Email) == needle {
			return p, true
		}
	}
	return Party{}, false
}

// SignatureByEmail looks a signature up by normalized signer email.
func (a *Agreement) SignatureByEmail(email string) (Signature, bool) {
	needle := NormalizeEmail(email)
	for _, s := range a.Signatures {
		if NormalizeEmail(s.SignerEmail) == needle {
			return s, true
		}
	}
	return Signature{}, false
}

// AllSigned reports whether every distinct party email is represented in the
// signature set. A party with no email can never be satisfied, so the
// predicate is false for such agreements regardless of recorded signatures.
func AllSigned(parties []Party, signatures []Signature) bool {
	if len(parties) == 0 {
		return false
	}
	signed := make(map[string]bool, len(signatures))
	for _, s := range signatures {
		signed[NormalizeEmail(s.SignerEmail)] = true
	}
	for _, p := range parties {
		email := NormalizeEmail(p.Email)
		if email == "" || !signed[email] {
			return false
		}
	}
	return true
}
