package channel

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"workledger/core/types"
)

const (
	EventTypeOpened              = "channel.opened"
	EventTypeDeposited           = "channel.deposited"
	EventTypeStateUpdated        = "channel.state_updated"
	EventTypeStreamStarted       = "channel.stream_started"
	EventTypeStreamStopped       = "channel.stream_stopped"
	EventTypeSettlementInitiated = "channel.settlement_initiated"
	EventTypeChallenged          = "channel.challenged"
	EventTypeSettled             = "channel.settled"
)

// NewOpenedEvent returns the canonical payload for a channel opening.
func NewOpenedEvent(c *Channel) *types.Event {
	evt := newChannelEvent(EventTypeOpened, c)
	if c != nil {
		evt.Attributes["participants"] = strconv.Itoa(len(c.Participants))
	}
	return evt
}

// NewDepositedEvent records additional collateral for one participant.
func NewDepositedEvent(c *Channel, participant [20]byte, amount *big.Int) *types.Event {
	evt := newChannelEvent(EventTypeDeposited, c)
	evt.Attributes["participant"] = hex.EncodeToString(participant[:])
	if amount != nil {
		evt.Attributes["amount"] = amount.String()
	}
	return evt
}

// NewStateUpdatedEvent records an accepted signed-state commit.
func NewStateUpdatedEvent(c *Channel) *types.Event {
	return newChannelEvent(EventTypeStateUpdated, c)
}

// NewStreamStartedEvent records the start of a time-proportional accrual.
func NewStreamStartedEvent(c *Channel, index int, s *Stream) *types.Event {
	evt := newChannelEvent(EventTypeStreamStarted, c)
	evt.Attributes["stream"] = strconv.Itoa(index)
	if s != nil {
		evt.Attributes["recipient"] = hex.EncodeToString(s.Recipient[:])
		if s.RatePerSecond != nil {
			evt.Attributes["rate"] = s.RatePerSecond.String()
		}
		evt.Attributes["duration"] = strconv.FormatInt(s.Duration, 10)
	}
	return evt
}

// NewStreamStoppedEvent records a frozen stream with its accrued amount.
func NewStreamStoppedEvent(c *Channel, index int, s *Stream, now int64) *types.Event {
	evt := newChannelEvent(EventTypeStreamStopped, c)
	evt.Attributes["stream"] = strconv.Itoa(index)
	if s != nil {
		evt.Attributes["accrued"] = s.Accrued(now).String()
	}
	return evt
}

// NewSettlementInitiatedEvent records the opening of the challenge window.
func NewSettlementInitiatedEvent(c *Channel) *types.Event {
	evt := newChannelEvent(EventTypeSettlementInitiated, c)
	if c != nil {
		evt.Attributes["settlementDeadline"] = strconv.FormatInt(c.SettlementDeadline, 10)
	}
	return evt
}

// NewChallengedEvent records a successful higher-nonce override.
func NewChallengedEvent(c *Channel) *types.Event {
	return newChannelEvent(EventTypeChallenged, c)
}

// NewSettledEvent records terminal distribution of the final balances.
func NewSettledEvent(c *Channel) *types.Event {
	return newChannelEvent(EventTypeSettled, c)
}

func newChannelEvent(eventType string, c *Channel) *types.Event {
	attrs := make(map[string]string)
	if c == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(c.ID[:])
	attrs["nonce"] = strconv.FormatUint(c.Nonce, 10)
	attrs["status"] = strconv.FormatUint(uint64(c.Status), 10)
	attrs["totalDeposits"] = c.TotalDeposits().String()
	attrs["totalBalances"] = c.TotalBalances().String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
