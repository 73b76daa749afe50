package reputation

import (
	"log/slog"

	"workledger/core/events"
)

// DefaultQualityScore is recorded when the review collaborator supplied no
// score alongside a payout.
const DefaultQualityScore uint8 = 80

// Sink subscribes to core events and mirrors milestone payouts into the
// reputation ledger. It satisfies events.Emitter so it can be fanned in with
// the other subscribers; failures are logged and dropped, never propagated
// back into the settlement path.
type Sink struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewSink wraps the ledger in an event subscriber.
func NewSink(ledger *Ledger, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{ledger: ledger, logger: logger}
}

// Emit implements the events.Emitter interface.
func (s *Sink) Emit(evt events.Event) {
	if s == nil || s.ledger == nil {
		return
	}
	completed, ok := evt.(events.PaymentCompleted)
	if !ok {
		return
	}
	err := s.ledger.RecordCompletion(completed.Freelancer, completed.Client, completed.ProjectID, completed.Amount, DefaultQualityScore)
	if err != nil {
		s.logger.Warn("reputation record dropped", "err", err)
	}
}
