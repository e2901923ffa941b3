package agreement

import "strconv"

// Event types emitted by the engine. The gateway fans these out to webhook
// subscribers; emission is fire-and-forget and never blocks a transition.
const (
	EventTypeCreated           = "agreement.created"
	EventTypeUpdated           = "agreement.updated"
	EventTypeSent              = "agreement.sent"
	EventTypeSignatureRecorded = "agreement.signature_recorded"
	EventTypeSigned            = "agreement.signed"
	EventTypeCancelled         = "agreement.cancelled"
	EventTypeDeleted           = "agreement.deleted"
	EventTypeExpired           = "agreement.expired"
	EventTypeEscrowPrepared    = "escrow.prepared"
	EventTypeEscrowAccepted    = "escrow.accepted"
	EventTypeEscrowFunded      = "escrow.funded"
	EventTypeEscrowReleased    = "escrow.released"
	EventTypeEscrowRefunded    = "escrow.refunded"
	EventTypeEscrowDisputed    = "escrow.disputed"
	EventTypeEscrowSplit       = "escrow.split"
	EventTypeDisputeRaised     = "dispute.raised"
	EventTypeDisputeResponded  = "dispute.responded"
	EventTypeDisputeResolved   = "dispute.resolved"
)

// Event is the canonical notification payload.
type Event struct {
	Type        string
	AggregateID string
	Attributes  map[string]string
}

// Emitter receives engine events.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

func newAgreementEvent(eventType string, a *Agreement) Event {
	attrs := make(map[string]string)
	if a == nil {
		return Event{Type: eventType, Attributes: attrs}
	}
	attrs["status"] = string(a.Status)
	attrs["version"] = strconv.Itoa(a.Version)
	attrs["contentHash"] = a.ContentHash
	if a.Escrow != nil {
		attrs["escrowState"] = string(a.Escrow.State)
		if a.Escrow.ExternalReference != "" {
			attrs["externalReference"] = a.Escrow.ExternalReference
		}
	}
	if a.ActiveDisputeID != "" {
		attrs["disputeId"] = a.ActiveDisputeID
	}
	return Event{Type: eventType, AggregateID: a.ID, Attributes: attrs}
}
