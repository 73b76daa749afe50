package core

import (
	"math/big"

	"workledger/core/types"
	"workledger/native/channel"
	"workledger/native/dispute"
	"workledger/native/escrow"
	"workledger/native/reputation"
)

// Escrow operations. Each mutating call holds the node mutex for its full
// read-modify-write sequence.

func (n *Node) CreateProject(client, freelancer [20]byte, totalBudget *big.Int, milestones []*escrow.Milestone, salt [32]byte) (*escrow.Project, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.CreateProject(client, freelancer, totalBudget, milestones, salt)
}

func (n *Node) FundProject(id [32]byte, from [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.Fund(id, from)
}

func (n *Node) AttachChannel(id [32]byte, caller [20]byte, channelID [32]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.AttachChannel(id, caller, channelID)
}

func (n *Node) SubmitDeliverable(id [32]byte, caller [20]byte, index uint64, deliverable string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.SubmitDeliverable(id, caller, index, deliverable)
}

func (n *Node) BeginReview(id [32]byte, caller [20]byte, index uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.BeginReview(id, caller, index)
}

func (n *Node) ApproveMilestone(id [32]byte, caller [20]byte, index uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.ApproveMilestone(id, caller, index)
}

func (n *Node) RejectMilestone(id [32]byte, caller [20]byte, index uint64, feedback string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.RejectMilestone(id, caller, index, feedback)
}

func (n *Node) DisputeMilestone(id [32]byte, caller [20]byte, index uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.DisputeMilestone(id, caller, index)
}

func (n *Node) CancelProject(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.CancelProject(id, caller)
}

func (n *Node) Project(id [32]byte) (*escrow.Project, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.escrow.Project(id)
}

// Channel operations.

func (n *Node) OpenChannel(participants [][20]byte, deposits []*big.Int, salt [32]byte) (*channel.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.Open(participants, deposits, salt)
}

func (n *Node) ChannelDeposit(id [32]byte, caller [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.Deposit(id, caller, amount)
}

func (n *Node) UpdateChannelState(state *channel.SignedState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.UpdateState(state)
}

func (n *Node) StartStream(id [32]byte, caller [20]byte, recipient [20]byte, ratePerSecond *big.Int, duration int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.StartStream(id, caller, recipient, ratePerSecond, duration)
}

func (n *Node) StopStream(id [32]byte, caller [20]byte, streamIndex int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.StopStream(id, caller, streamIndex)
}

func (n *Node) InitiateSettlement(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.InitiateSettlement(id, caller)
}

func (n *Node) ChallengeChannel(state *channel.SignedState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.Challenge(state)
}

func (n *Node) SettleChannel(id [32]byte, final *channel.SignedState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.Settle(id, final)
}

func (n *Node) Channel(id [32]byte) (*channel.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.Channel(id)
}

// Dispute operations.

func (n *Node) AssignValidator(projectID [32]byte, milestone uint64) ([20]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dispute.Assign(projectID, milestone)
}

func (n *Node) ResolveDispute(projectID [32]byte, milestone uint64, caller [20]byte, res dispute.Resolution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dispute.Resolve(projectID, milestone, caller, res)
}

func (n *Node) RegisterValidator(validator [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.validators.Register(validator)
}

func (n *Node) RemoveValidator(validator [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.validators.Remove(validator)
}

func (n *Node) Validators() [][20]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.validators.Members()
}

// Reputation and account queries.

func (n *Node) Reputation(subject [20]byte) (*reputation.Record, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reputation.Get(subject)
}

func (n *Node) Account(addr [20]byte) (*types.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.GetAccount(addr[:])
}

// Credit mints balance for an address. Reserved for genesis allocations and
// local development networks.
func (n *Node) Credit(addr [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Credit(addr[:], amount)
}

// GrantRole assigns a role to the provided address.
func (n *Node) GrantRole(role string, addr [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.SetRole(role, addr[:])
}
