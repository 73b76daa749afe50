package escrow

import "errors"

var (
	// ErrProjectNotFound marks lookups for unknown project identifiers.
	ErrProjectNotFound = errors.New("escrow: project not found")
	// ErrMilestoneNotFound marks milestone indexes outside the schedule.
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	// ErrEmptyMilestoneList rejects project definitions without milestones.
	ErrEmptyMilestoneList = errors.New("escrow: milestone list must not be empty")
	// ErrInvalidBudgetPartition rejects schedules whose amounts do not sum to
	// the total budget.
	ErrInvalidBudgetPartition = errors.New("escrow: milestone amounts must sum to total budget")
	// ErrNotClient marks calls restricted to the project client.
	ErrNotClient = errors.New("escrow: caller is not the project client")
	// ErrNotFreelancer marks calls restricted to the project freelancer.
	ErrNotFreelancer = errors.New("escrow: caller is not the project freelancer")
	// ErrNotParty marks calls restricted to either project principal.
	ErrNotParty = errors.New("escrow: caller is not a project party")
	// ErrInvalidMilestoneState rejects transitions requested from the wrong
	// milestone status.
	ErrInvalidMilestoneState = errors.New("escrow: invalid milestone state for transition")
	// ErrInvalidProjectState rejects transitions requested from the wrong
	// project status.
	ErrInvalidProjectState = errors.New("escrow: invalid project state for transition")
	// ErrAlreadyPaid rejects repeated payout attempts for a settled milestone.
	ErrAlreadyPaid = errors.New("escrow: milestone already paid")
	// ErrBudgetExceeded marks payouts that would push paidAmount past the
	// total budget. Indicates a caller bug or an attack; never clamped.
	ErrBudgetExceeded = errors.New("escrow: payout would exceed project budget")
	// ErrProjectNotFunded rejects payouts against an unfunded project.
	ErrProjectNotFunded = errors.New("escrow: project not funded")
	// ErrMilestoneNotDisputed rejects resolutions for milestones outside
	// arbitration.
	ErrMilestoneNotDisputed = errors.New("escrow: milestone not disputed")
	// ErrInvalidSplit rejects split resolutions outside the 0-10000 bps range.
	ErrInvalidSplit = errors.New("escrow: split ratio out of range")
)
