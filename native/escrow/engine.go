package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"workledger/core/events"
	"workledger/core/types"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
)

type engineState interface {
	ProjectPut(*Project) error
	ProjectGet(id [32]byte) (*Project, bool)
	EscrowVaultAddress() [20]byte
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// ChannelRouter reserves a payout inside an open payment channel. The escrow
// engine treats a successful reservation as an irrevocable entitlement: the
// milestone flips to Paid once the reservation is recorded, not once cash
// settles on-chain.
type ChannelRouter interface {
	ReservePayout(channelID [32]byte, from [20]byte, recipient [20]byte, amount *big.Int) error
}

// RateSource provides advisory market quotes. Quotes never gate a transition;
// an unavailable source degrades to an "advisory data unavailable" marker on
// the emitted event.
type RateSource interface {
	Quote(symbol string) (*big.Rat, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the project/milestone business logic with external state, the
// optional channel payment rail and event emitters. All mutating calls are
// expected to be serialized by the caller per project id.
type Engine struct {
	state   engineState
	emitter events.Emitter
	router  ChannelRouter
	rates   RateSource
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRouter configures the channel payment rail. A nil router disables
// channel-routed payouts; milestones settle through direct vault transfers.
func (e *Engine) SetRouter(router ChannelRouter) { e.router = router }

// SetRateSource configures the advisory market-rate oracle.
func (e *Engine) SetRateSource(rates RateSource) { e.rates = rates }

// SetNowFunc overrides the ledger clock. Primarily intended for tests to
// provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) emitTyped(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadProject(id [32]byte) (*Project, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	project, ok := e.state.ProjectGet(id)
	if !ok {
		return nil, ErrProjectNotFound
	}
	return project, nil
}

func (e *Engine) storeProject(p *Project) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.ProjectPut(p)
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = fromAcc.Normalize()
	toAcc = toAcc.Normalize()
	if fromAcc.BalanceWRK.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	fromAcc.BalanceWRK = new(big.Int).Sub(fromAcc.BalanceWRK, amt)
	toAcc.BalanceWRK = new(big.Int).Add(toAcc.BalanceWRK, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// DeriveProjectID computes the deterministic project identifier for the
// supplied principals and creation salt.
func DeriveProjectID(client, freelancer [20]byte, salt [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(client[:], freelancer[:], salt[:])
}

// CreateProject validates and persists a new project definition. Milestone
// amounts must partition the total budget exactly. Re-submitting an identical
// definition returns the stored project so retries stay idempotent.
func (e *Engine) CreateProject(client, freelancer [20]byte, totalBudget *big.Int, milestones []*Milestone, salt [32]byte) (*Project, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if client == freelancer {
		return nil, fmt.Errorf("escrow: client and freelancer must differ")
	}
	if len(milestones) == 0 {
		return nil, ErrEmptyMilestoneList
	}
	budget := cloneBigInt(totalBudget)
	if budget.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: total budget must be positive")
	}
	now := e.now()
	schedule := make([]*Milestone, len(milestones))
	sum := big.NewInt(0)
	for i, ms := range milestones {
		if err := ms.Validate(); err != nil {
			return nil, err
		}
		clone := ms.Clone()
		clone.Status = MilestonePending
		clone.Deliverable = ""
		clone.Attempts = 0
		clone.PaidAmount = big.NewInt(0)
		schedule[i] = clone
		sum.Add(sum, clone.Amount)
	}
	if sum.Cmp(budget) != 0 {
		return nil, ErrInvalidBudgetPartition
	}
	id := DeriveProjectID(client, freelancer, salt)
	if existing, ok := e.state.ProjectGet(id); ok {
		if existing.Client != client || existing.Freelancer != freelancer || existing.TotalBudget.Cmp(budget) != 0 || len(existing.Milestones) != len(schedule) {
			return nil, fmt.Errorf("escrow: identifier already exists with different definition")
		}
		return existing, nil
	}
	project := &Project{
		ID:          id,
		Client:      client,
		Freelancer:  freelancer,
		TotalBudget: budget,
		PaidAmount:  big.NewInt(0),
		Status:      ProjectCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		Milestones:  schedule,
	}
	if err := e.storeProject(project); err != nil {
		return nil, err
	}
	e.emit(NewProjectCreatedEvent(project, e.advisoryRate()))
	return project.Clone(), nil
}

// advisoryRate resolves the market quote attribute attached to creation
// events. Oracle failures degrade to an "unavailable" marker and never block.
func (e *Engine) advisoryRate() string {
	if e == nil || e.rates == nil {
		return ""
	}
	quote, err := e.rates.Quote("WRK")
	if err != nil || quote == nil {
		return "unavailable"
	}
	return quote.FloatString(8)
}

// Fund moves the full project budget from the client into the escrow vault.
// The operation is idempotent.
func (e *Engine) Fund(id [32]byte, from [20]byte) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if project.Status == ProjectFunded || project.Status == ProjectActive {
		return nil
	}
	if project.Status != ProjectCreated {
		return fmt.Errorf("%w: cannot fund in status %d", ErrInvalidProjectState, project.Status)
	}
	if project.Client != from {
		return ErrNotClient
	}
	if err := e.transfer(project.Client, e.state.EscrowVaultAddress(), project.TotalBudget); err != nil {
		return err
	}
	project.Status = ProjectFunded
	project.UpdatedAt = e.now()
	if err := e.storeProject(project); err != nil {
		return err
	}
	e.emit(NewProjectFundedEvent(project))
	return nil
}

// AttachChannel associates an open payment channel with the project so that
// approved payouts route through the channel instead of direct transfers. Only
// the client may choose the payment rail.
func (e *Engine) AttachChannel(id [32]byte, caller [20]byte, channelID [32]byte) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if caller != project.Client {
		return ErrNotClient
	}
	if channelID == ([32]byte{}) {
		return fmt.Errorf("escrow: channel id required")
	}
	project.Channel = channelID
	project.UpdatedAt = e.now()
	return e.storeProject(project)
}

// SubmitDeliverable records the deliverable content address for a pending or
// rejected milestone and moves it to Submitted.
func (e *Engine) SubmitDeliverable(id [32]byte, caller [20]byte, index uint64, deliverable string) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if caller != project.Freelancer {
		return ErrNotFreelancer
	}
	if project.Status != ProjectFunded && project.Status != ProjectActive {
		return fmt.Errorf("%w: project must be funded", ErrInvalidProjectState)
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return err
	}
	if ms.Status != MilestonePending && ms.Status != MilestoneRejected {
		return fmt.Errorf("%w: milestone %d in status %d", ErrInvalidMilestoneState, index, ms.Status)
	}
	ref := strings.TrimSpace(deliverable)
	if ref == "" {
		return fmt.Errorf("escrow: deliverable reference required")
	}
	now := e.now()
	ms.Status = MilestoneSubmitted
	ms.Deliverable = ref
	ms.SubmittedAt = now
	ms.Attempts++
	if project.Status == ProjectFunded {
		project.Status = ProjectActive
	}
	project.UpdatedAt = now
	if err := e.storeProject(project); err != nil {
		return err
	}
	e.emit(NewMilestoneSubmittedEvent(project, index, ms))
	return nil
}

// BeginReview marks a submitted milestone as under client review.
func (e *Engine) BeginReview(id [32]byte, caller [20]byte, index uint64) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if caller != project.Client {
		return ErrNotClient
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return err
	}
	if ms.Status != MilestoneSubmitted {
		return fmt.Errorf("%w: milestone %d in status %d", ErrInvalidMilestoneState, index, ms.Status)
	}
	ms.Status = MilestoneUnderReview
	project.UpdatedAt = e.now()
	return e.storeProject(project)
}

// ApproveMilestone accepts a submitted deliverable and immediately realises
// the payout. Approving an already paid milestone fails with ErrAlreadyPaid
// and leaves balances untouched.
func (e *Engine) ApproveMilestone(id [32]byte, caller [20]byte, index uint64) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if caller != project.Client {
		return ErrNotClient
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return err
	}
	if ms.Status == MilestonePaid {
		return ErrAlreadyPaid
	}
	if ms.Status != MilestoneSubmitted && ms.Status != MilestoneUnderReview {
		return fmt.Errorf("%w: milestone %d in status %d", ErrInvalidMilestoneState, index, ms.Status)
	}
	ms.Status = MilestoneApproved
	e.emit(NewMilestoneApprovedEvent(project, index, ms))
	if err := e.payMilestone(project, ms, index, ms.Amount); err != nil {
		return err
	}
	return e.storeProject(project)
}

// payMilestone realises the payout for an approved or arbitrated milestone.
// The share is paid to the freelancer; callers pass ms.Amount for a full
// payout. The milestone flips to Paid exactly once.
func (e *Engine) payMilestone(project *Project, ms *Milestone, index uint64, share *big.Int) error {
	if project.Status != ProjectFunded && project.Status != ProjectActive && project.Status != ProjectDisputed {
		return ErrProjectNotFunded
	}
	if ms.Status == MilestonePaid {
		return ErrAlreadyPaid
	}
	amount := cloneBigInt(share)
	if amount.Sign() < 0 {
		return fmt.Errorf("escrow: negative payout")
	}
	paid := cloneBigInt(project.PaidAmount)
	paid.Add(paid, amount)
	if paid.Cmp(project.TotalBudget) > 0 {
		return ErrBudgetExceeded
	}
	vault := e.state.EscrowVaultAddress()
	routed := false
	if amount.Sign() > 0 {
		if project.HasChannel() && e.router != nil {
			if err := e.router.ReservePayout(project.Channel, vault, project.Freelancer, amount); err == nil {
				routed = true
			}
		}
		if !routed {
			if err := e.transfer(vault, project.Freelancer, amount); err != nil {
				return err
			}
		}
	}
	now := e.now()
	ms.Status = MilestonePaid
	ms.PaidAt = now
	ms.PaidAmount = amount
	project.PaidAmount = paid
	project.UpdatedAt = now
	if project.Settled() {
		project.Status = ProjectCompleted
	}
	e.emit(NewMilestonePaidEvent(project, index, ms, routed))
	e.emitTyped(events.PaymentCompleted{
		ProjectID:  project.ID,
		Milestone:  index,
		Client:     project.Client,
		Freelancer: project.Freelancer,
		Amount:     cloneBigInt(amount),
		Routed:     routed,
	})
	return nil
}

// RejectMilestone declines a submitted deliverable. The freelancer may
// resubmit, or either party may escalate to a dispute.
func (e *Engine) RejectMilestone(id [32]byte, caller [20]byte, index uint64, feedback string) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if caller != project.Client {
		return ErrNotClient
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return err
	}
	if ms.Status != MilestoneSubmitted && ms.Status != MilestoneUnderReview {
		return fmt.Errorf("%w: milestone %d in status %d", ErrInvalidMilestoneState, index, ms.Status)
	}
	ms.Status = MilestoneRejected
	ms.Feedback = strings.TrimSpace(feedback)
	project.UpdatedAt = e.now()
	if err := e.storeProject(project); err != nil {
		return err
	}
	e.emit(NewMilestoneRejectedEvent(project, index, ms))
	return nil
}

// DisputeMilestone freezes a contested milestone pending arbitration. Either
// project party may escalate a submitted, rejected or approved-but-unpaid
// milestone.
func (e *Engine) DisputeMilestone(id [32]byte, caller [20]byte, index uint64) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if caller != project.Client && caller != project.Freelancer {
		return ErrNotParty
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return err
	}
	switch ms.Status {
	case MilestoneSubmitted, MilestoneUnderReview, MilestoneRejected, MilestoneApproved:
	case MilestoneDisputed:
		return nil
	default:
		return fmt.Errorf("%w: milestone %d in status %d", ErrInvalidMilestoneState, index, ms.Status)
	}
	ms.Status = MilestoneDisputed
	project.Status = ProjectDisputed
	project.UpdatedAt = e.now()
	if err := e.storeProject(project); err != nil {
		return err
	}
	e.emit(NewMilestoneDisputedEvent(project, index, ms))
	return nil
}

// SetMilestoneValidator records the arbiter assigned to a disputed milestone.
// Invoked by the dispute layer after validator selection.
func (e *Engine) SetMilestoneValidator(id [32]byte, index uint64, validator [20]byte) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return err
	}
	if ms.Status != MilestoneDisputed {
		return ErrMilestoneNotDisputed
	}
	ms.Validator = validator
	project.UpdatedAt = e.now()
	return e.storeProject(project)
}

// MilestoneValidator returns the arbiter recorded for the milestone.
func (e *Engine) MilestoneValidator(id [32]byte, index uint64) ([20]byte, error) {
	project, err := e.loadProject(id)
	if err != nil {
		return [20]byte{}, err
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return [20]byte{}, err
	}
	return ms.Validator, nil
}

// MilestoneAmount returns the fixed amount of the milestone at index.
func (e *Engine) MilestoneAmount(id [32]byte, index uint64) (*big.Int, error) {
	project, err := e.loadProject(id)
	if err != nil {
		return nil, err
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(ms.Amount), nil
}

// ResolveMilestone settles a disputed milestone according to the arbitrated
// outcome. freelancerBps is the share paid to the freelancer in basis points;
// 10000 pays the full amount, 0 refunds everything to the client, anything in
// between splits. Authorization is enforced by the dispute layer.
func (e *Engine) ResolveMilestone(id [32]byte, index uint64, freelancerBps uint32) error {
	if freelancerBps > 10_000 {
		return ErrInvalidSplit
	}
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	ms, err := project.Milestone(index)
	if err != nil {
		return err
	}
	if ms.Status != MilestoneDisputed {
		return ErrMilestoneNotDisputed
	}
	total := cloneBigInt(ms.Amount)
	share := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(freelancerBps)))
	share.Div(share, big.NewInt(10_000))
	remainder := new(big.Int).Sub(total, share)
	vault := e.state.EscrowVaultAddress()
	if freelancerBps == 0 {
		if err := e.transfer(vault, project.Client, total); err != nil {
			return err
		}
		now := e.now()
		ms.Status = MilestoneRefunded
		ms.PaidAmount = big.NewInt(0)
		project.UpdatedAt = now
		if project.Settled() {
			project.Status = ProjectCompleted
		} else {
			project.Status = ProjectActive
		}
		if err := e.storeProject(project); err != nil {
			return err
		}
		e.emit(NewMilestoneRefundedEvent(project, index, ms))
		return nil
	}
	if err := e.payMilestone(project, ms, index, share); err != nil {
		return err
	}
	if remainder.Sign() > 0 {
		if err := e.transfer(vault, project.Client, remainder); err != nil {
			return err
		}
	}
	if !project.Settled() && project.Status == ProjectDisputed {
		project.Status = ProjectActive
	}
	return e.storeProject(project)
}

// CancelProject abandons a project before any deliverable was submitted and
// returns escrowed funds to the client. Terminal.
func (e *Engine) CancelProject(id [32]byte, caller [20]byte) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if project.Status == ProjectCancelled {
		return nil
	}
	if caller != project.Client {
		return ErrNotClient
	}
	if project.Status != ProjectCreated && project.Status != ProjectFunded {
		return fmt.Errorf("%w: cannot cancel in status %d", ErrInvalidProjectState, project.Status)
	}
	for _, ms := range project.Milestones {
		if ms != nil && ms.Status != MilestonePending {
			return fmt.Errorf("%w: work already submitted", ErrInvalidProjectState)
		}
	}
	if project.Status == ProjectFunded {
		if err := e.transfer(e.state.EscrowVaultAddress(), project.Client, project.TotalBudget); err != nil {
			return err
		}
	}
	project.Status = ProjectCancelled
	project.UpdatedAt = e.now()
	if err := e.storeProject(project); err != nil {
		return err
	}
	e.emit(NewProjectCancelledEvent(project))
	return nil
}

// Project returns a defensive copy of the stored project.
func (e *Engine) Project(id [32]byte) (*Project, error) {
	project, err := e.loadProject(id)
	if err != nil {
		return nil, err
	}
	return project.Clone(), nil
}

// ProjectParties returns the client and freelancer without exposing the whole
// record. Used by the dispute layer to record reputation inputs.
func (e *Engine) ProjectParties(id [32]byte) (client, freelancer [20]byte, err error) {
	project, err := e.loadProject(id)
	if err != nil {
		return [20]byte{}, [20]byte{}, err
	}
	return project.Client, project.Freelancer, nil
}
