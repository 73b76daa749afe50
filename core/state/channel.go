package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"workledger/native/channel"
)

type storedStream struct {
	Recipient     [20]byte
	RatePerSecond *big.Int
	StartTime     uint64
	Duration      uint64
	StoppedAt     uint64
	Active        bool
}

type storedChannel struct {
	ID                 [32]byte
	Participants       [][20]byte
	Deposits           []*big.Int
	Balances           []*big.Int
	Nonce              uint64
	Status             uint8
	ChallengePeriod    uint64
	SettlementDeadline uint64
	CreatedAt          uint64
	UpdatedAt          uint64
	Streams            []storedStream
}

func toStoredChannel(c *channel.Channel) storedChannel {
	stored := storedChannel{
		ID:                 c.ID,
		Participants:       c.Participants,
		Deposits:           c.Deposits,
		Balances:           c.Balances,
		Nonce:              c.Nonce,
		Status:             uint8(c.Status),
		ChallengePeriod:    uint64(c.ChallengePeriod),
		SettlementDeadline: uint64(c.SettlementDeadline),
		CreatedAt:          uint64(c.CreatedAt),
		UpdatedAt:          uint64(c.UpdatedAt),
		Streams:            make([]storedStream, len(c.Streams)),
	}
	for i, stream := range c.Streams {
		stored.Streams[i] = storedStream{
			Recipient:     stream.Recipient,
			RatePerSecond: stream.RatePerSecond,
			StartTime:     uint64(stream.StartTime),
			Duration:      uint64(stream.Duration),
			StoppedAt:     uint64(stream.StoppedAt),
			Active:        stream.Active,
		}
	}
	return stored
}

func (s storedChannel) toChannel() *channel.Channel {
	c := &channel.Channel{
		ID:                 s.ID,
		Participants:       s.Participants,
		Deposits:           s.Deposits,
		Balances:           s.Balances,
		Nonce:              s.Nonce,
		Status:             channel.Status(s.Status),
		ChallengePeriod:    int64(s.ChallengePeriod),
		SettlementDeadline: int64(s.SettlementDeadline),
		CreatedAt:          int64(s.CreatedAt),
		UpdatedAt:          int64(s.UpdatedAt),
		Streams:            make([]*channel.Stream, len(s.Streams)),
	}
	for i, stored := range s.Streams {
		c.Streams[i] = &channel.Stream{
			Recipient:     stored.Recipient,
			RatePerSecond: stored.RatePerSecond,
			StartTime:     int64(stored.StartTime),
			Duration:      int64(stored.Duration),
			StoppedAt:     int64(stored.StoppedAt),
			Active:        stored.Active,
		}
	}
	return c
}

// ChannelPut sanitizes and persists the provided channel.
func (m *Manager) ChannelPut(c *channel.Channel) error {
	sanitized, err := channel.SanitizeChannel(c)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredChannel(sanitized))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(channelKey(sanitized.ID), encoded)
}

// ChannelGet loads a channel by identifier. The boolean reports whether the
// channel exists; corrupt records are treated as missing.
func (m *Manager) ChannelGet(id [32]byte) (*channel.Channel, bool) {
	m.mu.Lock()
	data, ok, err := m.get(channelKey(id))
	m.mu.Unlock()
	if err != nil || !ok || len(data) == 0 {
		return nil, false
	}
	var stored storedChannel
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false
	}
	return stored.toChannel().Clone(), true
}
