package metrics

import (
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks escrow, channel and dispute activity across the
// marketplace engines.
type LedgerMetrics struct {
	milestoneTransitions *prometheus.CounterVec
	payouts              prometheus.Counter
	payoutValue          prometheus.Counter
	channelUpdates       prometheus.Counter
	openChannels         prometheus.Gauge
	settledValue         prometheus.Counter
	disputes             *prometheus.CounterVec
}

type rpcMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics

	rpcOnce     sync.Once
	rpcRegistry *rpcMetrics
)

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			milestoneTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workledger",
				Subsystem: "escrow",
				Name:      "milestone_transitions_total",
				Help:      "Milestone state transitions segmented by resulting status.",
			}, []string{"status"}),
			payouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "workledger",
				Subsystem: "escrow",
				Name:      "payouts_total",
				Help:      "Count of milestone payouts released from escrow.",
			}),
			payoutValue: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "workledger",
				Subsystem: "escrow",
				Name:      "payout_value_wei_total",
				Help:      "Cumulative WRK value released from escrow in base units.",
			}),
			channelUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "workledger",
				Subsystem: "channel",
				Name:      "state_updates_total",
				Help:      "Count of accepted off-ledger channel state updates.",
			}),
			openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "workledger",
				Subsystem: "channel",
				Name:      "open_total",
				Help:      "Number of channels currently open or settling.",
			}),
			settledValue: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "workledger",
				Subsystem: "channel",
				Name:      "settled_value_wei_total",
				Help:      "Cumulative WRK value distributed by channel settlement.",
			}),
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workledger",
				Subsystem: "dispute",
				Name:      "resolutions_total",
				Help:      "Dispute resolutions segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.milestoneTransitions,
			ledgerRegistry.payouts,
			ledgerRegistry.payoutValue,
			ledgerRegistry.channelUpdates,
			ledgerRegistry.openChannels,
			ledgerRegistry.settledValue,
			ledgerRegistry.disputes,
		)
	})
	return ledgerRegistry
}

// MilestoneTransition records a milestone entering the provided status.
func (m *LedgerMetrics) MilestoneTransition(status string) {
	if m == nil {
		return
	}
	m.milestoneTransitions.WithLabelValues(status).Inc()
}

// Payout records a released milestone payment.
func (m *LedgerMetrics) Payout(amount *big.Int) {
	if m == nil {
		return
	}
	m.payouts.Inc()
	addBig(m.payoutValue, amount)
}

// ChannelUpdate records an accepted signed state update.
func (m *LedgerMetrics) ChannelUpdate() {
	if m == nil {
		return
	}
	m.channelUpdates.Inc()
}

// ChannelOpened moves the open-channel gauge up.
func (m *LedgerMetrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

// ChannelSettled moves the open-channel gauge down and records the settled
// value.
func (m *LedgerMetrics) ChannelSettled(total *big.Int) {
	if m == nil {
		return
	}
	m.openChannels.Dec()
	addBig(m.settledValue, total)
}

// DisputeResolved records a dispute resolution outcome label.
func (m *LedgerMetrics) DisputeResolved(outcome string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(outcome).Inc()
}

// addBig adds a non-negative big.Int to a counter, saturating at float64
// precision. Counter deltas in practice fit well inside the mantissa.
func addBig(counter prometheus.Counter, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	counter.Add(value)
}

// RPC returns the lazily-initialised RPC metrics registry.
func RPC() *rpcMetrics {
	rpcOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workledger",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workledger",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "workledger",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.errors, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records the outcome of an RPC request.
func (m *rpcMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}
