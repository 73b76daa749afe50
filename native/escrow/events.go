package escrow

import (
	"encoding/hex"
	"strconv"

	"workledger/core/types"
)

const (
	EventTypeProjectCreated     = "escrow.project_created"
	EventTypeProjectFunded      = "escrow.project_funded"
	EventTypeProjectCancelled   = "escrow.project_cancelled"
	EventTypeMilestoneSubmitted = "escrow.milestone_submitted"
	EventTypeMilestoneApproved  = "escrow.milestone_approved"
	EventTypeMilestoneRejected  = "escrow.milestone_rejected"
	EventTypeMilestonePaid      = "escrow.milestone_paid"
	EventTypeMilestoneDisputed  = "escrow.milestone_disputed"
	EventTypeMilestoneRefunded  = "escrow.milestone_refunded"
)

// NewProjectCreatedEvent returns the canonical event payload for a newly
// created project. The advisory market rate is attached when the oracle
// collaborator produced one; "unavailable" records a degraded oracle.
func NewProjectCreatedEvent(p *Project, advisoryRate string) *types.Event {
	evt := newProjectEvent(EventTypeProjectCreated, p)
	if advisoryRate != "" {
		evt.Attributes["rateWRK"] = advisoryRate
	}
	return evt
}

// NewProjectFundedEvent returns the canonical event payload emitted when the
// full budget reaches the escrow vault.
func NewProjectFundedEvent(p *Project) *types.Event {
	return newProjectEvent(EventTypeProjectFunded, p)
}

// NewProjectCancelledEvent returns the canonical event payload emitted when a
// project is abandoned before work was submitted.
func NewProjectCancelledEvent(p *Project) *types.Event {
	return newProjectEvent(EventTypeProjectCancelled, p)
}

// NewMilestoneSubmittedEvent records a deliverable submission.
func NewMilestoneSubmittedEvent(p *Project, index uint64, ms *Milestone) *types.Event {
	evt := newMilestoneEvent(EventTypeMilestoneSubmitted, p, index, ms)
	if ms != nil {
		evt.Attributes["deliverable"] = ms.Deliverable
		evt.Attributes["attempt"] = strconv.FormatUint(uint64(ms.Attempts), 10)
	}
	return evt
}

// NewMilestoneApprovedEvent records client approval prior to payout.
func NewMilestoneApprovedEvent(p *Project, index uint64, ms *Milestone) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneApproved, p, index, ms)
}

// NewMilestoneRejectedEvent records a declined deliverable.
func NewMilestoneRejectedEvent(p *Project, index uint64, ms *Milestone) *types.Event {
	evt := newMilestoneEvent(EventTypeMilestoneRejected, p, index, ms)
	if ms != nil && ms.Feedback != "" {
		evt.Attributes["feedback"] = ms.Feedback
	}
	return evt
}

// NewMilestonePaidEvent records an irrevocable payout entitlement. routed
// indicates the amount was reserved inside a payment channel rather than
// transferred directly.
func NewMilestonePaidEvent(p *Project, index uint64, ms *Milestone, routed bool) *types.Event {
	evt := newMilestoneEvent(EventTypeMilestonePaid, p, index, ms)
	evt.Attributes["routed"] = strconv.FormatBool(routed)
	if ms != nil && ms.PaidAmount != nil {
		evt.Attributes["paidAmount"] = ms.PaidAmount.String()
	}
	return evt
}

// NewMilestoneDisputedEvent records escalation to the dispute layer.
func NewMilestoneDisputedEvent(p *Project, index uint64, ms *Milestone) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneDisputed, p, index, ms)
}

// NewMilestoneRefundedEvent records an arbitrated refund to the client.
func NewMilestoneRefundedEvent(p *Project, index uint64, ms *Milestone) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneRefunded, p, index, ms)
}

func newProjectEvent(eventType string, p *Project) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(p.ID[:])
	attrs["client"] = hex.EncodeToString(p.Client[:])
	attrs["freelancer"] = hex.EncodeToString(p.Freelancer[:])
	if p.TotalBudget != nil {
		attrs["totalBudget"] = p.TotalBudget.String()
	}
	if p.PaidAmount != nil {
		attrs["paidAmount"] = p.PaidAmount.String()
	}
	attrs["status"] = strconv.FormatUint(uint64(p.Status), 10)
	attrs["milestones"] = strconv.Itoa(len(p.Milestones))
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newMilestoneEvent(eventType string, p *Project, index uint64, ms *Milestone) *types.Event {
	evt := newProjectEvent(eventType, p)
	evt.Attributes["milestone"] = strconv.FormatUint(index, 10)
	if ms != nil {
		evt.Attributes["milestoneStatus"] = strconv.FormatUint(uint64(ms.Status), 10)
		if ms.Amount != nil {
			evt.Attributes["amount"] = ms.Amount.String()
		}
	}
	return evt
}
