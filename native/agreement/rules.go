package agreement

// CancellationPolicy governs when an agreement carrying this escrow may be
// cancelled. "none" forbids cancellation once the agreement is signed.
type CancellationPolicy string

const (
	CancelFree   CancellationPolicy = "free"
	CancelMutual CancellationPolicy = "mutual"
	CancelNone   CancellationPolicy = "none"
)

// Rules is the concrete escrow policy bundle: a named preset merged with
// caller overrides, override winning key by key.
type Rules struct {
	TimeoutDays         int                `json:"timeoutDays"`
	DisputeWindowDays   int                `json:"disputeWindowDays"`
	CancellationPolicy  CancellationPolicy `json:"cancellationPolicy"`
	RequireBothDeposit  bool               `json:"requireBothDeposit"`
	RequiredAcceptances int                `json:"requiredAcceptances,omitempty"`
	AutoRelease         bool               `json:"autoRelease"`
}

// RuleOverrides carries caller-supplied rule values. Nil fields inherit the
// preset; set fields win.
type RuleOverrides struct {
	TimeoutDays         *int
	DisputeWindowDays   *int
	CancellationPolicy  *CancellationPolicy
	RequireBothDeposit  *bool
	RequiredAcceptances *int
	AutoRelease         *bool
}

// DefaultDisputeWindowDays applies when no escrow rules are present on an
// agreement under dispute.
const DefaultDisputeWindowDays = 14

// PresetRules returns the named rule bundle for an escrow type. Unknown types
// fall back to the custom preset.
func PresetRules(t EscrowType) Rules {
	switch t {
	case EscrowSale:
		return Rules{TimeoutDays: 30, DisputeWindowDays: 14, CancellationPolicy: CancelMutual, RequireBothDeposit: false}
	case EscrowBet:
		return Rules{TimeoutDays: 30, DisputeWindowDays: 7, CancellationPolicy: CancelNone, RequireBothDeposit: true}
	case EscrowService:
		return Rules{TimeoutDays: 60, DisputeWindowDays: 14, CancellationPolicy: CancelMutual, RequireBothDeposit: false}
	case EscrowMilestone:
		return Rules{TimeoutDays: 90, DisputeWindowDays: 14, CancellationPolicy: CancelMutual, RequireBothDeposit: false}
	case EscrowTimelock:
		return Rules{TimeoutDays: 365, DisputeWindowDays: 30, CancellationPolicy: CancelNone, RequireBothDeposit: false, AutoRelease: true}
	case EscrowPledge:
		return Rules{TimeoutDays: 30, DisputeWindowDays: 7, CancellationPolicy: CancelFree, RequireBothDeposit: false}
	default:
		return Rules{TimeoutDays: 30, DisputeWindowDays: DefaultDisputeWindowDays, CancellationPolicy: CancelMutual, RequireBothDeposit: false}
	}
}

// Apply merges overrides into the preset, field by field. An absent override
// inherits the preset value.
func (r Rules) Apply(o RuleOverrides) Rules {
	if o.TimeoutDays != nil {
		r.TimeoutDays = *o.TimeoutDays
	}
	if o.DisputeWindowDays != nil {
		r.DisputeWindowDays = *o.DisputeWindowDays
	}
	if o.CancellationPolicy != nil {
		r.CancellationPolicy = *o.CancellationPolicy
	}
	if o.RequireBothDeposit != nil {
		r.RequireBothDeposit = *o.RequireBothDeposit
	}
	if o.RequiredAcceptances != nil {
		r.RequiredAcceptances = *o.RequiredAcceptances
	}
	if o.AutoRelease != nil {
		r.AutoRelease = *o.AutoRelease
	}
	return r
}
