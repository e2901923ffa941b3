// Package dispute runs the dispute-resolution process over agreement
// aggregates: raising while the agreement is signed, collecting responses,
// and applying a single binding resolution to both the agreement and its
// escrow.
package dispute

import (
	"time"
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Evidence is one submitted supporting item.
type Evidence struct {
	SubmittedBy string    `json:"submittedBy"`
	Description string    `json:"description"`
	URI         string    `json:"uri,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Response is one party's reply within an open dispute. Responses never
// change dispute state.
type Response struct {
	From            string     `json:"from"`
	Message         string     `json:"message"`
	Evidence        []Evidence `json:"evidence,omitempty"`
	CounterProposal string     `json:"counterProposal,omitempty"`
	RespondedAt     time.Time  `json:"respondedAt"`
}

// Dispute is the cross-cutting process record. It is never deleted, only
// resolved.
type Dispute struct {
	ID                 string     `json:"id"`
	AgreementID        string     `json:"agreementId"`
	RaisedBy           string     `json:"raisedBy"`
	Category           string     `json:"category"`
	Evidence           []Evidence `json:"evidence,omitempty"`
	Responses          []Response `json:"responses,omitempty"`
	ProposedResolution string     `json:"proposedResolution,omitempty"`
	Deadline           time.Time  `json:"deadline"`
	Status             Status     `json:"status"`
	Resolution         string     `json:"resolution,omitempty"`
	ReleaseTo          string     `json:"releaseTo,omitempty"`
	SplitPercentage    int        `json:"splitPercentage,omitempty"`
	ResolvedBy         string     `json:"resolvedBy,omitempty"`
	RaisedAt           time.Time  `json:"raisedAt"`
	ResolvedAt         time.Time  `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy safe for callers to mutate.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Evidence = append([]Evidence(nil), d.Evidence...)
	clone.Responses = make([]Response, len(d.Responses))
	for i, r := range d.Responses {
		r.Evidence = append([]Evidence(nil), r.Evidence...)
		clone.Responses[i] = r
	}
	return &clone
}

// State is the dispute record store.
type State interface {
	DisputePut(*Dispute) error
	DisputeGet(id string) (*Dispute, bool)
}
