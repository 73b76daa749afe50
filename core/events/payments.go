package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"workledger/core/types"
)

const (
	// TypeTransfer is emitted for native WRK balance movements.
	TypeTransfer = "transfer.native"
	// TypePaymentCompleted is emitted once a milestone payout becomes
	// irrevocable, either through a direct vault transfer or a channel
	// reservation.
	TypePaymentCompleted = "payment.completed"
)

type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	return &types.Event{
		Type: TypeTransfer,
		Attributes: map[string]string{
			"from":   hex.EncodeToString(e.From[:]),
			"to":     hex.EncodeToString(e.To[:]),
			"amount": formatAmount(e.Amount),
		},
	}
}

// PaymentCompleted is consumed by the reputation sink. The core emits it on
// every milestone Paid transition and never waits on the subscriber.
type PaymentCompleted struct {
	ProjectID  [32]byte
	Milestone  uint64
	Client     [20]byte
	Freelancer [20]byte
	Amount     *big.Int
	Routed     bool
}

func (PaymentCompleted) EventType() string { return TypePaymentCompleted }

func (e PaymentCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypePaymentCompleted,
		Attributes: map[string]string{
			"projectId":  hex.EncodeToString(e.ProjectID[:]),
			"milestone":  strconv.FormatUint(e.Milestone, 10),
			"client":     hex.EncodeToString(e.Client[:]),
			"freelancer": hex.EncodeToString(e.Freelancer[:]),
			"amount":     formatAmount(e.Amount),
			"routed":     strconv.FormatBool(e.Routed),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
