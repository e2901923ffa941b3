package agreement

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// EscrowState is the nested escrow lifecycle state.
type EscrowState string

const (
	EscrowPrepared     EscrowState = "prepared"
	EscrowAccepted     EscrowState = "accepted"
	EscrowFunded       EscrowState = "funded"
	EscrowReleased     EscrowState = "released"
	EscrowRefunded     EscrowState = "refunded"
	EscrowDisputed     EscrowState = "disputed"
	EscrowArbiterRuled EscrowState = "arbiter_ruled"
	EscrowSplit        EscrowState = "split"
	EscrowCancelled    EscrowState = "cancelled"
)

// Terminal reports whether the escrow can no longer change state.
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowSplit, EscrowCancelled:
		return true
	default:
		return false
	}
}

// EscrowType selects the rule preset an escrow starts from.
type EscrowType string

const (
	EscrowSale      EscrowType = "sale"
	EscrowBet       EscrowType = "bet"
	EscrowService   EscrowType = "service"
	EscrowMilestone EscrowType = "milestone"
	EscrowTimelock  EscrowType = "timelock"
	EscrowPledge    EscrowType = "pledge"
	EscrowCustom    EscrowType = "custom"
)

// Valid reports whether the escrow type names a known preset.
func (t EscrowType) Valid() bool {
	switch t {
	case EscrowSale, EscrowBet, EscrowService, EscrowMilestone, EscrowTimelock, EscrowPledge, EscrowCustom:
		return true
	default:
		return false
	}
}

// Acceptance records one party's acceptance of the escrow terms.
type Acceptance struct {
	PartyEmail string    `json:"partyEmail"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// Escrow is the nested sub-ledger attached to an agreement. Amount is stored
// in the smallest indivisible unit of Currency; no floating point anywhere.
type Escrow struct {
	Type              EscrowType   `json:"type"`
	Currency          string       `json:"currency"`
	Amount            *big.Int     `json:"amount"`
	FeeBps            uint32       `json:"feeBps,omitempty"`
	Rules             Rules        `json:"rules"`
	State             EscrowState  `json:"state"`
	Acceptances       []Acceptance `json:"acceptances,omitempty"`
	ExternalReference string       `json:"externalReference,omitempty"`
	AnchorHash        string       `json:"anchorHash"`
	ReleasedTo        string       `json:"releasedTo,omitempty"`
	SplitPercentage   int          `json:"splitPercentage,omitempty"`
	PreparedAt        time.Time    `json:"preparedAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy with a non-aliased amount.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.Acceptances = append([]Acceptance(nil), e.Acceptances...)
	return &clone
}

// AcceptedBy reports whether the given party already accepted.
func (e *Escrow) AcceptedBy(email string) bool {
	needle := NormalizeEmail(email)
	for _, a := range e.Acceptances {
		if NormalizeEmail(a.PartyEmail) == needle {
			return true
		}
	}
	return false
}

// RequiredAcceptances resolves the rule-required acceptance count against the
// agreement's party list. An explicit rule value wins; requireBothDeposit
// means both sides; otherwise every party must accept.
func (e *Escrow) RequiredAcceptances(parties []Party) int {
	if e.Rules.RequiredAcceptances > 0 {
		return e.Rules.RequiredAcceptances
	}
	if e.Rules.RequireBothDeposit {
		return 2
	}
	return len(parties)
}

// NormalizeCurrency canonicalizes a currency code to uppercase.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if trimmed == "" {
		return "", fmt.Errorf("escrow: currency required")
	}
	return trimmed, nil
}

// FeeAmount computes a bps fee over the escrow amount with round-half-up
// semantics: round(amount * bps / 10000). The fixed rounding rule avoids
// cross-implementation drift.
func FeeAmount(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	fee.Add(fee, big.NewInt(5_000))
	return fee.Div(fee, big.NewInt(10_000))
}
