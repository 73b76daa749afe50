package dispute

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"workledger/core/events"
	"workledger/core/types"
)

var (
	// ErrNotAssignedValidator rejects resolutions from anyone other than the
	// assigned arbiter or an admin fallback.
	ErrNotAssignedValidator = errors.New("dispute: caller is not the assigned validator")
	// ErrNoValidatorAssigned marks resolutions attempted before assignment.
	ErrNoValidatorAssigned = errors.New("dispute: no validator assigned")
	// ErrInvalidOutcome rejects malformed resolution payloads.
	ErrInvalidOutcome = errors.New("dispute: invalid outcome")
)

// RoleArbiterAdmin may resolve any dispute as a fallback when the assigned
// validator is unresponsive.
const RoleArbiterAdmin = "ROLE_ARBITER_ADMIN"

// Outcome enumerates the arbitrated terminal states of a disputed milestone.
type Outcome uint8

const (
	// OutcomeUnspecified prevents zero-value resolutions from slipping
	// through.
	OutcomeUnspecified Outcome = iota
	// OutcomeApproveAndPay pays the full milestone amount to the freelancer.
	OutcomeApproveAndPay
	// OutcomeRejectAndRefund returns the full milestone amount to the client.
	OutcomeRejectAndRefund
	// OutcomeSplit divides the milestone amount by an explicit basis-point
	// ratio. There is no default split; the ratio is a required parameter.
	OutcomeSplit
)

// Resolution carries the arbitrated verdict for a disputed milestone.
type Resolution struct {
	Outcome       Outcome
	FreelancerBps uint32
	Rationale     string
}

// freelancerShare maps the outcome to the basis points paid to the
// freelancer.
func (r Resolution) freelancerShare() (uint32, error) {
	switch r.Outcome {
	case OutcomeApproveAndPay:
		return 10_000, nil
	case OutcomeRejectAndRefund:
		return 0, nil
	case OutcomeSplit:
		if r.FreelancerBps > 10_000 {
			return 0, fmt.Errorf("%w: split bps %d out of range", ErrInvalidOutcome, r.FreelancerBps)
		}
		return r.FreelancerBps, nil
	default:
		return 0, ErrInvalidOutcome
	}
}

// EntropySource abstracts the external randomness collaborator. The resolved
// value must be unpredictable to either party before assignment and is
// injected so tests can replay selections deterministically.
type EntropySource interface {
	RequestRandom() ([32]byte, error)
}

// arbitratedEscrow is the slice of the escrow engine the dispute layer
// re-enters to settle contested milestones.
type arbitratedEscrow interface {
	SetMilestoneValidator(id [32]byte, index uint64, validator [20]byte) error
	MilestoneValidator(id [32]byte, index uint64) ([20]byte, error)
	ResolveMilestone(id [32]byte, index uint64, freelancerBps uint32) error
	ProjectParties(id [32]byte) (client, freelancer [20]byte, err error)
	MilestoneAmount(id [32]byte, index uint64) (*big.Int, error)
}

// disputeRecorder receives the dispute trail so chronic disputers stay
// visible. Failures never block a resolution.
type disputeRecorder interface {
	RecordDispute(client, freelancer [20]byte, projectID [32]byte, milestone uint64, freelancerBps uint32, amount *big.Int) error
}

type disputeEvent struct {
	evt *types.Event
}

func (e disputeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e disputeEvent) Event() *types.Event { return e.evt }

const (
	EventTypeValidatorAssigned = "dispute.validator_assigned"
	EventTypeResolved          = "dispute.resolved"
)

// Engine implements validator assignment and arbitration for disputed
// milestones. It is a thin authorization layer: the terminal state transition
// itself happens inside the escrow engine.
type Engine struct {
	registry   *Registry
	entropy    EntropySource
	escrow     arbitratedEscrow
	reputation disputeRecorder
	roles      roleChecker
	emitter    events.Emitter
}

// NewEngine wires the dispute layer against its collaborators. registry,
// entropy and escrow are required; reputation and roles are optional.
func NewEngine(registry *Registry, entropy EntropySource, escrow arbitratedEscrow) *Engine {
	return &Engine{
		registry: registry,
		entropy:  entropy,
		escrow:   escrow,
		emitter:  events.NoopEmitter{},
	}
}

// SetReputation configures the dispute-outcome sink.
func (e *Engine) SetReputation(rec disputeRecorder) { e.reputation = rec }

// SetRoles configures the role table used for the admin fallback.
func (e *Engine) SetRoles(roles roleChecker) { e.roles = roles }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(disputeEvent{evt: evt})
}

// Assign selects a validator for the disputed milestone: keccak256 of the
// entropy value, project id and milestone index picks an index into the
// sorted pool. Selection is unpredictable before the entropy resolves and
// reproducible given the same entropy input.
func (e *Engine) Assign(projectID [32]byte, milestone uint64) ([20]byte, error) {
	if e == nil || e.registry == nil || e.escrow == nil {
		return [20]byte{}, errors.New("dispute: engine not configured")
	}
	if e.registry.Len() == 0 {
		return [20]byte{}, ErrEmptyValidatorPool
	}
	if e.entropy == nil {
		return [20]byte{}, errors.New("dispute: entropy source not configured")
	}
	entropy, err := e.entropy.RequestRandom()
	if err != nil {
		return [20]byte{}, fmt.Errorf("dispute: request entropy: %w", err)
	}
	var indexBytes [8]byte
	binary.BigEndian.PutUint64(indexBytes[:], milestone)
	digest := ethcrypto.Keccak256(entropy[:], projectID[:], indexBytes[:])
	pool := e.registry.Members()
	pick := new(big.Int).SetBytes(digest)
	pick.Mod(pick, big.NewInt(int64(len(pool))))
	validator := pool[pick.Int64()]
	if err := e.escrow.SetMilestoneValidator(projectID, milestone, validator); err != nil {
		return [20]byte{}, err
	}
	e.emit(&types.Event{
		Type: EventTypeValidatorAssigned,
		Attributes: map[string]string{
			"projectId": hex.EncodeToString(projectID[:]),
			"milestone": strconv.FormatUint(milestone, 10),
			"validator": hex.EncodeToString(validator[:]),
		},
	})
	return validator, nil
}

// Resolve settles a disputed milestone per the arbitrated outcome. Only the
// assigned validator may resolve, with an admin-role fallback. The dispute
// trail is recorded for both parties; recording failures never block the
// resolution.
func (e *Engine) Resolve(projectID [32]byte, milestone uint64, caller [20]byte, res Resolution) error {
	if e == nil || e.escrow == nil {
		return errors.New("dispute: engine not configured")
	}
	share, err := res.freelancerShare()
	if err != nil {
		return err
	}
	assigned, err := e.escrow.MilestoneValidator(projectID, milestone)
	if err != nil {
		return err
	}
	if assigned == ([20]byte{}) {
		return ErrNoValidatorAssigned
	}
	if caller != assigned {
		if e.roles == nil || !e.roles.HasRole(RoleArbiterAdmin, caller[:]) {
			return ErrNotAssignedValidator
		}
	}
	amount, err := e.escrow.MilestoneAmount(projectID, milestone)
	if err != nil {
		return err
	}
	if err := e.escrow.ResolveMilestone(projectID, milestone, share); err != nil {
		return err
	}
	if e.reputation != nil {
		client, freelancer, perr := e.escrow.ProjectParties(projectID)
		if perr == nil {
			// best effort; the resolution is already final
			_ = e.reputation.RecordDispute(client, freelancer, projectID, milestone, share, amount)
		}
	}
	attrs := map[string]string{
		"projectId":     hex.EncodeToString(projectID[:]),
		"milestone":     strconv.FormatUint(milestone, 10),
		"validator":     hex.EncodeToString(caller[:]),
		"freelancerBps": strconv.FormatUint(uint64(share), 10),
	}
	if rationale := strings.TrimSpace(res.Rationale); rationale != "" {
		attrs["rationale"] = rationale
	}
	e.emit(&types.Event{Type: EventTypeResolved, Attributes: attrs})
	return nil
}
