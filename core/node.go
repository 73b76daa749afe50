package core

import (
	"log/slog"
	"math/big"
	"sync"

	"workledger/core/events"
	"workledger/core/state"
	"workledger/core/types"
	"workledger/native/channel"
	"workledger/native/dispute"
	"workledger/native/escrow"
	"workledger/native/oracle"
	"workledger/native/reputation"
	"workledger/observability/metrics"
	"workledger/storage"
)

// maxRecentEvents bounds the in-memory event log served over RPC.
const maxRecentEvents = 256

// Options configures a node at construction time.
type Options struct {
	ChallengePeriodSeconds int64
	ValidatorPoolFile      string
	Entropy                dispute.EntropySource
	Logger                 *slog.Logger
}

// Node is the central controller, wiring the state manager and the native
// engines together. Every mutating operation is serialized behind a single
// mutex so that engine read-modify-write sequences observe a consistent
// ledger.
type Node struct {
	mu     sync.Mutex
	logger *slog.Logger

	state      *state.Manager
	escrow     *escrow.Engine
	channel    *channel.Engine
	dispute    *dispute.Engine
	validators *dispute.Registry
	reputation *reputation.Ledger
	repSink    *reputation.Sink
	rates      *oracle.StaticSource

	recent []*types.Event
}

// NewNode assembles a node over the provided database.
func NewNode(db storage.Database, opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	manager := state.NewManager(db)

	node := &Node{
		logger: logger,
		state:  manager,
		rates:  oracle.NewStaticSource(),
	}

	channelEngine := channel.NewEngine()
	channelEngine.SetState(manager)
	if opts.ChallengePeriodSeconds > 0 {
		channelEngine.SetChallengePeriod(opts.ChallengePeriodSeconds)
	}
	channelEngine.SetEmitter(node)
	node.channel = channelEngine

	escrowEngine := escrow.NewEngine()
	escrowEngine.SetState(manager)
	escrowEngine.SetRouter(channelEngine)
	escrowEngine.SetRateSource(node.rates)
	escrowEngine.SetEmitter(node)
	node.escrow = escrowEngine

	node.reputation = reputation.NewLedger(manager)
	node.repSink = reputation.NewSink(node.reputation, logger)

	registry := dispute.NewRegistry(manager)
	if opts.ValidatorPoolFile != "" {
		if err := registry.LoadPool(opts.ValidatorPoolFile); err != nil {
			return nil, err
		}
	}
	node.validators = registry

	entropy := opts.Entropy
	if entropy == nil {
		entropy = dispute.RandSource{}
	}
	disputeEngine := dispute.NewEngine(registry, entropy, escrowEngine)
	disputeEngine.SetRoles(manager)
	disputeEngine.SetReputation(node.reputation)
	disputeEngine.SetEmitter(node)
	node.dispute = disputeEngine

	return node, nil
}

// State exposes the underlying state manager for genesis seeding and tests.
func (n *Node) State() *state.Manager { return n.state }

// Rates exposes the advisory exchange rate source.
func (n *Node) Rates() *oracle.StaticSource { return n.rates }

// attributed is satisfied by engine events carrying a structured payload.
type attributed interface {
	Event() *types.Event
}

// Emit receives every engine event, feeds the reputation sink, updates
// metrics and appends the structured payload to the recent-event log.
func (n *Node) Emit(evt events.Event) {
	n.repSink.Emit(evt)
	payload, ok := evt.(attributed)
	if !ok {
		return
	}
	record := payload.Event()
	if record == nil {
		return
	}
	n.observe(record)
	n.recent = append(n.recent, record)
	if len(n.recent) > maxRecentEvents {
		n.recent = n.recent[len(n.recent)-maxRecentEvents:]
	}
}

func (n *Node) observe(record *types.Event) {
	ledger := metrics.Ledger()
	switch record.Type {
	case "escrow.milestone_submitted":
		ledger.MilestoneTransition("submitted")
	case "escrow.milestone_approved":
		ledger.MilestoneTransition("approved")
	case "escrow.milestone_rejected":
		ledger.MilestoneTransition("rejected")
	case "escrow.milestone_disputed":
		ledger.MilestoneTransition("disputed")
	case "escrow.milestone_refunded":
		ledger.MilestoneTransition("refunded")
	case "escrow.milestone_paid":
		ledger.MilestoneTransition("paid")
		ledger.Payout(attrAmount(record, "amount"))
	case "channel.opened":
		ledger.ChannelOpened()
	case "channel.state_updated":
		ledger.ChannelUpdate()
	case "channel.settled":
		ledger.ChannelSettled(attrAmount(record, "totalBalances"))
	case "dispute.resolved":
		ledger.DisputeResolved(record.Attributes["outcome"])
	}
}

func attrAmount(record *types.Event, key string) *big.Int {
	raw, ok := record.Attributes[key]
	if !ok {
		return nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return amount
}

// RecentEvents returns a copy of the most recent engine events, newest last.
func (n *Node) RecentEvents() []*types.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*types.Event, len(n.recent))
	copy(out, n.recent)
	return out
}
