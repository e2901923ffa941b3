package agreement

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	"pactledger/audit"
	"pactledger/fingerprint"
)

// PrepareEscrow attaches a new escrow to an agreement in state prepared. The
// named preset for the escrow type is merged with caller overrides (override
// wins key by key), and the anchor hash binds the escrow terms to the
// agreement's current content hash.
func (e *Engine) PrepareEscrow(ctx context.Context, id string, typ EscrowType, currency string, amount *big.Int, feeBps uint32, overrides RuleOverrides, actor string) (*Agreement, error) {
	if !typ.Valid() {
		return nil, &ValidationError{Field: "type", Reason: "unknown escrow type"}
	}
	normalized, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, &ValidationError{Field: "currency", Reason: "currency required"}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	if feeBps > 10_000 {
		return nil, &ValidationError{Field: "feeBps", Reason: "fee bps out of range"}
	}

	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() || a.Status == StatusDisputed {
		return nil, e.reject(ctx, id, ActionEscrowPrepared, actor, &ConflictError{
			Op:     "prepareEscrow",
			Status: a.Status,
			Reason: "agreement can no longer take an escrow",
		})
	}
	if a.Escrow != nil {
		return nil, e.reject(ctx, id, ActionEscrowPrepared, actor, &ConflictError{
			Op:          "prepareEscrow",
			Status:      a.Status,
			EscrowState: a.Escrow.State,
			Reason:      "escrow already prepared",
		})
	}
	now := e.now()
	a.Escrow = &Escrow{
		Type:       typ,
		Currency:   normalized,
		Amount:     new(big.Int).Set(amount),
		FeeBps:     feeBps,
		Rules:      PresetRules(typ).Apply(overrides),
		State:      EscrowPrepared,
		AnchorHash: fingerprint.AnchorHash(a.ContentHash, string(typ), normalized, amount.String()),
		PreparedAt: now,
		UpdatedAt:  now,
	}
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryEscrow, ActionEscrowPrepared, actor, map[string]string{
		"type":     string(typ),
		"currency": normalized,
		"amount":   amount.String(),
		"anchor":   a.Escrow.AnchorHash,
	})
	e.emit(newAgreementEvent(EventTypeEscrowPrepared, a))
	return a.Clone(), nil
}

// AcceptEscrow records one party's acceptance. A repeated acceptance from the
// same party is a no-op. Once the rule-required count is reached the escrow
// transitions to accepted.
func (e *Engine) AcceptEscrow(ctx context.Context, id, partyEmail string) (*Agreement, error) {
	email := NormalizeEmail(partyEmail)
	if email == "" {
		return nil, &ValidationError{Field: "partyEmail", Reason: "party email required"}
	}
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	esc := a.Escrow
	if esc == nil {
		return nil, e.reject(ctx, id, ActionEscrowAccepted, email, &NotFoundError{Kind: "escrow", ID: id})
	}
	if esc.State != EscrowPrepared && esc.State != EscrowAccepted {
		return nil, e.reject(ctx, id, ActionEscrowAccepted, email, &ConflictError{
			Op:          "acceptEscrow",
			Status:      a.Status,
			EscrowState: esc.State,
			Reason:      "escrow is not accepting parties",
		})
	}
	if _, ok := a.PartyByEmail(email); !ok {
		return nil, e.reject(ctx, id, ActionEscrowAccepted, email, &ValidationError{
			Field:  "partyEmail",
			Reason: "acceptor is not a party to this agreement",
		})
	}
	if esc.AcceptedBy(email) {
		return a.Clone(), nil
	}
	esc.Acceptances = append(esc.Acceptances, Acceptance{PartyEmail: email, AcceptedAt: e.now()})
	if esc.State == EscrowPrepared && len(esc.Acceptances) >= esc.RequiredAcceptances(a.Parties) {
		esc.State = EscrowAccepted
	}
	esc.UpdatedAt = e.now()
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryEscrow, ActionEscrowAccepted, email, map[string]string{
		"acceptances": strings.Join(acceptedEmails(esc), ","),
		"state":       string(esc.State),
	})
	e.emit(newAgreementEvent(EventTypeEscrowAccepted, a))
	return a.Clone(), nil
}

// ConfirmFunding marks the escrow funded against an external transaction
// reference. The reference is trusted here; the proof generator's read path
// flags mismatches later, so a network failure can never roll back this
// transition.
func (e *Engine) ConfirmFunding(ctx context.Context, id, externalReference, actor string) (*Agreement, error) {
	if strings.TrimSpace(externalReference) == "" {
		return nil, &ValidationError{Field: "externalReference", Reason: "external reference required"}
	}
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	esc := a.Escrow
	if esc == nil {
		return nil, e.reject(ctx, id, ActionEscrowFunded, actor, &NotFoundError{Kind: "escrow", ID: id})
	}
	if esc.State != EscrowAccepted {
		return nil, e.reject(ctx, id, ActionEscrowFunded, actor, &ConflictError{
			Op:          "confirmFunding",
			Status:      a.Status,
			EscrowState: esc.State,
			Reason:      "escrow must be accepted before funding",
		})
	}
	esc.State = EscrowFunded
	esc.ExternalReference = strings.TrimSpace(externalReference)
	esc.UpdatedAt = e.now()
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryEscrow, ActionEscrowFunded, actor, map[string]string{
		"externalReference": esc.ExternalReference,
		"amount":            esc.Amount.String(),
	})
	e.emit(newAgreementEvent(EventTypeEscrowFunded, a))
	return a.Clone(), nil
}

// ReleaseEscrow settles the escrow in favour of releaseTo. Valid from funded
// or after an arbiter ruling; terminal.
func (e *Engine) ReleaseEscrow(ctx context.Context, id, releaseTo, actor string) (*Agreement, error) {
	email := NormalizeEmail(releaseTo)
	if email == "" {
		return nil, &ValidationError{Field: "releaseTo", Reason: "release recipient required"}
	}
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	esc := a.Escrow
	if esc == nil {
		return nil, e.reject(ctx, id, ActionEscrowReleased, actor, &NotFoundError{Kind: "escrow", ID: id})
	}
	if esc.State != EscrowFunded && esc.State != EscrowArbiterRuled {
		return nil, e.reject(ctx, id, ActionEscrowReleased, actor, &ConflictError{
			Op:          "release",
			Status:      a.Status,
			EscrowState: esc.State,
			Reason:      "escrow is not releasable",
		})
	}
	if _, ok := a.PartyByEmail(email); !ok {
		return nil, e.reject(ctx, id, ActionEscrowReleased, actor, &ValidationError{
			Field:  "releaseTo",
			Reason: "release recipient is not a party",
		})
	}
	esc.State = EscrowReleased
	esc.ReleasedTo = email
	esc.UpdatedAt = e.now()
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryEscrow, ActionEscrowReleased, actor, map[string]string{
		"releasedTo": email,
		"fee":        FeeAmount(esc.Amount, esc.FeeBps).String(),
	})
	e.emit(newAgreementEvent(EventTypeEscrowReleased, a))
	return a.Clone(), nil
}

// RefundEscrow returns funds to the depositing side. Valid from funded or
// after an arbiter ruling; terminal.
func (e *Engine) RefundEscrow(ctx context.Context, id, actor string) (*Agreement, error) {
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	esc := a.Escrow
	if esc == nil {
		return nil, e.reject(ctx, id, ActionEscrowRefunded, actor, &NotFoundError{Kind: "escrow", ID: id})
	}
	if esc.State != EscrowFunded && esc.State != EscrowArbiterRuled {
		return nil, e.reject(ctx, id, ActionEscrowRefunded, actor, &ConflictError{
			Op:          "refund",
			Status:      a.Status,
			EscrowState: esc.State,
			Reason:      "escrow is not refundable",
		})
	}
	esc.State = EscrowRefunded
	esc.UpdatedAt = e.now()
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryEscrow, ActionEscrowRefunded, actor, nil)
	e.emit(newAgreementEvent(EventTypeEscrowRefunded, a))
	return a.Clone(), nil
}

// MarkDisputed transitions the aggregate into the disputed pair of states on
// behalf of the dispute manager: agreement status disputed, escrow state
// disputed when an escrow is funded. The manager owns the preconditions on
// the dispute record itself.
func (e *Engine) MarkDisputed(ctx context.Context, id, disputeID, actor string) (*Agreement, error) {
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusSigned {
		return nil, e.reject(ctx, id, ActionDisputeRaised, actor, &ConflictError{
			Op:     "raiseDispute",
			Status: a.Status,
			Reason: "disputes require a signed agreement",
		})
	}
	if a.ActiveDisputeID != "" {
		return nil, e.reject(ctx, id, ActionDisputeRaised, actor, &ConflictError{
			Op:     "raiseDispute",
			Status: a.Status,
			Reason: "a dispute is already open",
		})
	}
	a.Status = StatusDisputed
	a.ActiveDisputeID = disputeID
	if a.Escrow != nil && a.Escrow.State == EscrowFunded {
		a.Escrow.State = EscrowDisputed
		a.Escrow.UpdatedAt = e.now()
	}
	if err := e.store(a); err != nil {
		return nil, err
	}
	e.record(ctx, id, audit.CategoryDispute, ActionDisputeRaised, actor, map[string]string{
		"disputeId": disputeID,
	})
	e.emit(newAgreementEvent(EventTypeEscrowDisputed, a))
	return a.Clone(), nil
}

// Resolution is the binding outcome the dispute manager applies to the
// aggregate. Exactly one of ReleaseTo or SplitPercentage drives the escrow;
// with neither, the escrow (if disputed) is refunded.
type Resolution struct {
	DisputeID       string
	Summary         string
	ReleaseTo       string
	SplitPercentage int
	ResolvedBy      string
}

// ApplyResolution moves a disputed aggregate to resolved. A disputed escrow
// first passes through arbiter_ruled and then settles terminally according to
// the resolution.
func (e *Engine) ApplyResolution(ctx context.Context, id string, res Resolution) (*Agreement, error) {
	unlock := e.lock(id)
	defer unlock()

	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusDisputed || a.ActiveDisputeID != res.DisputeID {
		return nil, e.reject(ctx, id, ActionDisputeResolved, res.ResolvedBy, &ConflictError{
			Op:     "resolveDispute",
			Status: a.Status,
			Reason: "no matching open dispute on this agreement",
		})
	}
	now := e.now()
	escrowAction := ""
	escrowEvent := ""
	escrowDetails := map[string]string{}
	if esc := a.Escrow; esc != nil && esc.State == EscrowDisputed {
		// A ruled escrow passes through arbiter_ruled and settles terminally
		// in the same resolution.
		esc.State = EscrowArbiterRuled
		switch {
		case res.SplitPercentage > 0:
			esc.State = EscrowSplit
			esc.SplitPercentage = res.SplitPercentage
			escrowAction, escrowEvent = ActionEscrowSplit, EventTypeEscrowSplit
			escrowDetails["splitPercentage"] = strconv.Itoa(res.SplitPercentage)
		case NormalizeEmail(res.ReleaseTo) != "":
			esc.State = EscrowReleased
			esc.ReleasedTo = NormalizeEmail(res.ReleaseTo)
			escrowAction, escrowEvent = ActionEscrowRuled, EventTypeEscrowReleased
			escrowDetails["outcome"] = "release"
			escrowDetails["releasedTo"] = esc.ReleasedTo
		default:
			esc.State = EscrowRefunded
			escrowAction, escrowEvent = ActionEscrowRuled, EventTypeEscrowRefunded
			escrowDetails["outcome"] = "refund"
		}
		esc.UpdatedAt = now
	}
	a.Status = StatusResolved
	a.ActiveDisputeID = ""
	if err := e.store(a); err != nil {
		return nil, err
	}
	if escrowAction != "" {
		e.record(ctx, id, audit.CategoryEscrow, escrowAction, res.ResolvedBy, escrowDetails)
		e.emit(newAgreementEvent(escrowEvent, a))
	}
	e.record(ctx, id, audit.CategoryDispute, ActionDisputeResolved, res.ResolvedBy, map[string]string{
		"disputeId": res.DisputeID,
		"summary":   res.Summary,
	})
	e.emit(newAgreementEvent(EventTypeDisputeResolved, a))
	return a.Clone(), nil
}

func acceptedEmails(esc *Escrow) []string {
	out := make([]string, 0, len(esc.Acceptances))
	for _, a := range esc.Acceptances {
		out = append(out, a.PartyEmail)
	}
	return out
}
