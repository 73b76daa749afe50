package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ProjectStatus represents the lifecycle of a milestone project.
type ProjectStatus uint8

const (
	// ProjectCreated marks projects that have been created but not funded.
	ProjectCreated ProjectStatus = iota
	// ProjectFunded marks projects whose full budget sits in the escrow vault.
	ProjectFunded
	// ProjectActive marks funded projects with at least one submitted
	// deliverable.
	ProjectActive
	// ProjectDisputed marks projects with at least one milestone under
	// arbitration.
	ProjectDisputed
	// ProjectCompleted marks projects whose milestones have all reached a
	// terminal state.
	ProjectCompleted
	// ProjectCancelled marks projects abandoned before any deliverable was
	// submitted. Cancelled projects accept no further transitions.
	ProjectCancelled
)

// MilestoneStatus represents the state of an individual milestone.
type MilestoneStatus uint8

const (
	// MilestonePending indicates the milestone is awaiting a deliverable.
	MilestonePending MilestoneStatus = iota
	// MilestoneSubmitted indicates a deliverable reference has been recorded
	// and the client has not yet reviewed it.
	MilestoneSubmitted
	// MilestoneUnderReview indicates the client has started reviewing the
	// deliverable.
	MilestoneUnderReview
	// MilestoneApproved indicates the client accepted the deliverable but the
	// payout has not been realised yet.
	MilestoneApproved
	// MilestoneRejected indicates the client declined the deliverable. The
	// freelancer may resubmit or either party may escalate to a dispute.
	MilestoneRejected
	// MilestonePaid indicates the payout entitlement is irrevocable. Terminal.
	MilestonePaid
	// MilestoneDisputed indicates the milestone is frozen pending arbitration.
	MilestoneDisputed
	// MilestoneRefunded indicates arbitration returned the milestone amount to
	// the client. Terminal.
	MilestoneRefunded
)

// Terminal reports whether no further transition is possible from the status.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestonePaid || s == MilestoneRefunded
}

// Valid reports whether the status value is within the supported range.
func (s MilestoneStatus) Valid() bool {
	return s <= MilestoneRefunded
}

// Valid reports whether the status value is within the supported range.
func (s ProjectStatus) Valid() bool {
	return s <= ProjectCancelled
}

func (s ProjectStatus) String() string {
	switch s {
	case ProjectCreated:
		return "created"
	case ProjectFunded:
		return "funded"
	case ProjectActive:
		return "active"
	case ProjectDisputed:
		return "disputed"
	case ProjectCompleted:
		return "completed"
	case ProjectCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "pending"
	case MilestoneSubmitted:
		return "submitted"
	case MilestoneUnderReview:
		return "under_review"
	case MilestoneApproved:
		return "approved"
	case MilestoneRejected:
		return "rejected"
	case MilestonePaid:
		return "paid"
	case MilestoneDisputed:
		return "disputed"
	case MilestoneRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ErrInvalidMilestone describes malformed milestone definitions.
var ErrInvalidMilestone = errors.New("escrow: invalid milestone")

// Milestone captures a single fixed-amount unit of work within a project.
// Description and Deliverable hold content addresses; the payloads live with
// the external storage collaborator and no transition depends on them being
// fetchable.
type Milestone struct {
	Description string
	Amount      *big.Int
	Deadline    int64
	Status      MilestoneStatus
	Deliverable string
	Validator   [20]byte
	SubmittedAt int64
	PaidAt      int64
	PaidAmount  *big.Int
	Attempts    uint32
	Feedback    string
}

// Clone returns a deep copy of the milestone so callers cannot mutate shared
// state.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	if m.PaidAmount != nil {
		clone.PaidAmount = new(big.Int).Set(m.PaidAmount)
	}
	return &clone
}

// Validate ensures the milestone definition is sane prior to persistence.
// Deadlines are advisory and only checked for presence, never enforced as a
// transition gate.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrInvalidMilestone)
	}
	if strings.TrimSpace(m.Description) == "" {
		return fmt.Errorf("%w: description reference required", ErrInvalidMilestone)
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidMilestone)
	}
	if m.Deadline <= 0 {
		return fmt.Errorf("%w: deadline must be > 0", ErrInvalidMilestone)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: status out of range", ErrInvalidMilestone)
	}
	return nil
}

// Project aggregates an immutable milestone schedule between a client and a
// freelancer. The milestone ordering is fixed at creation; individual
// milestones are independently payable once approved.
type Project struct {
	ID          [32]byte
	Client      [20]byte
	Freelancer  [20]byte
	TotalBudget *big.Int
	PaidAmount  *big.Int
	Status      ProjectStatus
	Channel     [32]byte
	CreatedAt   int64
	UpdatedAt   int64
	Milestones  []*Milestone
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if p.TotalBudget != nil {
		clone.TotalBudget = new(big.Int).Set(p.TotalBudget)
	}
	if p.PaidAmount != nil {
		clone.PaidAmount = new(big.Int).Set(p.PaidAmount)
	}
	if len(p.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(p.Milestones))
		for i, ms := range p.Milestones {
			clone.Milestones[i] = ms.Clone()
		}
	}
	return &clone
}

// Milestone returns the milestone at the supplied index.
func (p *Project) Milestone(index uint64) (*Milestone, error) {
	if p == nil {
		return nil, ErrProjectNotFound
	}
	if index >= uint64(len(p.Milestones)) {
		return nil, ErrMilestoneNotFound
	}
	ms := p.Milestones[index]
	if ms == nil {
		return nil, ErrMilestoneNotFound
	}
	return ms, nil
}

// HasChannel reports whether a payment channel is associated with the project.
// The reference is weak: the channel outlives the project and is owned by the
// channel engine.
func (p *Project) HasChannel() bool {
	return p != nil && p.Channel != ([32]byte{})
}

// Settled reports whether every milestone has reached a terminal state.
func (p *Project) Settled() bool {
	if p == nil || len(p.Milestones) == 0 {
		return false
	}
	for _, ms := range p.Milestones {
		if ms == nil || !ms.Status.Terminal() {
			return false
		}
	}
	return true
}

// SanitizeProject validates and deep-copies the supplied project, guaranteeing
// canonical amounts and a consistent budget partition. The function does not
// mutate the original value.
func SanitizeProject(p *Project) (*Project, error) {
	if p == nil {
		return nil, errors.New("escrow: nil project")
	}
	clone := p.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid project status: %d", clone.Status)
	}
	if clone.TotalBudget == nil || clone.TotalBudget.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: total budget must be positive")
	}
	if clone.PaidAmount == nil {
		clone.PaidAmount = big.NewInt(0)
	}
	if clone.PaidAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: paid amount must be non-negative")
	}
	if clone.PaidAmount.Cmp(clone.TotalBudget) > 0 {
		return nil, fmt.Errorf("escrow: paid amount exceeds budget")
	}
	if len(clone.Milestones) == 0 {
		return nil, ErrEmptyMilestoneList
	}
	sum := big.NewInt(0)
	for _, ms := range clone.Milestones {
		if err := ms.Validate(); err != nil {
			return nil, err
		}
		sum.Add(sum, ms.Amount)
	}
	if sum.Cmp(clone.TotalBudget) != 0 {
		return nil, ErrInvalidBudgetPartition
	}
	return clone, nil
}
