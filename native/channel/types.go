package channel

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Status represents the lifecycle of a payment channel.
type Status uint8

const (
	// StatusOpen accepts deposits, signed state updates and streams.
	StatusOpen Status = iota
	// StatusSettling marks a participant-initiated settlement awaiting the
	// challenge period.
	StatusSettling
	// StatusDisputed marks a settling channel overridden by a valid
	// higher-nonce challenge.
	StatusDisputed
	// StatusSettled is terminal; the channel is immutable and funds have been
	// distributed.
	StatusSettled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool { return s <= StatusSettled }

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSettling:
		return "settling"
	case StatusDisputed:
		return "disputed"
	case StatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Stream accrues funds to a recipient proportionally to elapsed time. Streams
// are an accounting convention layered on top of signed state: the accrued
// amount is reflected in the channel's next state update, never transferred
// on its own.
type Stream struct {
	Recipient     [20]byte
	RatePerSecond *big.Int
	StartTime     int64
	Duration      int64
	StoppedAt     int64
	Active        bool
}

// Clone returns a deep copy of the stream.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	clone := *s
	if s.RatePerSecond != nil {
		clone.RatePerSecond = new(big.Int).Set(s.RatePerSecond)
	}
	return &clone
}

// Accrued returns the amount earned by the stream recipient at ledger time
// now: min(rate*(now-start), rate*duration), frozen at the stop time when the
// stream was stopped early.
func (s *Stream) Accrued(now int64) *big.Int {
	if s == nil || s.RatePerSecond == nil || s.RatePerSecond.Sign() <= 0 {
		return big.NewInt(0)
	}
	end := s.StartTime + s.Duration
	at := now
	if !s.Active && s.StoppedAt > 0 && s.StoppedAt < at {
		at = s.StoppedAt
	}
	if at > end {
		at = end
	}
	if at <= s.StartTime {
		return big.NewInt(0)
	}
	elapsed := big.NewInt(at - s.StartTime)
	return new(big.Int).Mul(s.RatePerSecond, elapsed)
}

// Channel anchors a multi-party off-chain payment construct. The latest
// accepted (balances, nonce) pair is authoritative; arbitrarily many logical
// payments collapse into a single committed state update.
type Channel struct {
	ID                 [32]byte
	Participants       [][20]byte
	Deposits           []*big.Int
	Balances           []*big.Int
	Nonce              uint64
	Status             Status
	ChallengePeriod    int64
	SettlementDeadline int64
	CreatedAt          int64
	UpdatedAt          int64
	Streams            []*Stream
}

// Clone returns a deep copy of the channel.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	clone := *c
	if len(c.Participants) > 0 {
		clone.Participants = make([][20]byte, len(c.Participants))
		copy(clone.Participants, c.Participants)
	}
	clone.Deposits = cloneAmounts(c.Deposits)
	clone.Balances = cloneAmounts(c.Balances)
	if len(c.Streams) > 0 {
		clone.Streams = make([]*Stream, len(c.Streams))
		for i, st := range c.Streams {
			clone.Streams[i] = st.Clone()
		}
	}
	return &clone
}

func cloneAmounts(in []*big.Int) []*big.Int {
	if len(in) == 0 {
		return nil
	}
	out := make([]*big.Int, len(in))
	for i, v := range in {
		if v == nil {
			out[i] = big.NewInt(0)
			continue
		}
		out[i] = new(big.Int).Set(v)
	}
	return out
}

// ParticipantIndex returns the position of addr in the participant list, or
// -1 when addr is not a member.
func (c *Channel) ParticipantIndex(addr [20]byte) int {
	if c == nil {
		return -1
	}
	for i, p := range c.Participants {
		if p == addr {
			return i
		}
	}
	return -1
}

// TotalDeposits sums the per-participant collateral.
func (c *Channel) TotalDeposits() *big.Int {
	total := big.NewInt(0)
	if c == nil {
		return total
	}
	for _, d := range c.Deposits {
		if d != nil {
			total.Add(total, d)
		}
	}
	return total
}

// TotalBalances sums the currently allocated balances.
func (c *Channel) TotalBalances() *big.Int {
	total := big.NewInt(0)
	if c == nil {
		return total
	}
	for _, b := range c.Balances {
		if b != nil {
			total.Add(total, b)
		}
	}
	return total
}

// DeriveChannelID computes the deterministic channel identifier from the
// ordered participant list and a caller-supplied salt. Distinct openings must
// use distinct salts; identical inputs are treated as the same channel.
func DeriveChannelID(participants [][20]byte, salt [32]byte) [32]byte {
	parts := make([][]byte, 0, len(participants)+2)
	parts = append(parts, []byte("workledger/channel"))
	for i := range participants {
		parts = append(parts, participants[i][:])
	}
	parts = append(parts, salt[:])
	return ethcrypto.Keccak256Hash(parts...)
}

// SanitizeChannel validates and deep-copies the supplied channel so stored
// instances always carry consistent participant, deposit and balance vectors.
func SanitizeChannel(c *Channel) (*Channel, error) {
	if c == nil {
		return nil, errors.New("channel: nil channel")
	}
	clone := c.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("channel: invalid status %d", clone.Status)
	}
	if len(clone.Participants) < 2 {
		return nil, fmt.Errorf("channel: at least two participants required")
	}
	if len(clone.Deposits) != len(clone.Participants) || len(clone.Balances) != len(clone.Participants) {
		return nil, fmt.Errorf("channel: vector length mismatch")
	}
	seen := make(map[[20]byte]struct{}, len(clone.Participants))
	for _, p := range clone.Participants {
		if _, dup := seen[p]; dup {
			return nil, ErrDuplicateParticipant
		}
		seen[p] = struct{}{}
	}
	for i := range clone.Deposits {
		if clone.Deposits[i] == nil {
			clone.Deposits[i] = big.NewInt(0)
		}
		if clone.Balances[i] == nil {
			clone.Balances[i] = big.NewInt(0)
		}
		if clone.Deposits[i].Sign() < 0 || clone.Balances[i].Sign() < 0 {
			return nil, fmt.Errorf("channel: negative amount")
		}
	}
	if clone.TotalBalances().Cmp(clone.TotalDeposits()) > 0 {
		return nil, ErrBalanceConservation
	}
	return clone, nil
}
