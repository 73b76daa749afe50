package channel

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"workledger/core/events"
	"workledger/core/types"
)

// DefaultChallengePeriod is the settlement challenge window in seconds when
// the daemon does not configure one.
const DefaultChallengePeriod int64 = 86_400

var errNilState = errors.New("channel engine: state not configured")

type engineState interface {
	ChannelPut(*Channel) error
	ChannelGet(id [32]byte) (*Channel, bool)
	ChannelVaultAddress() [20]byte
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type channelEvent struct {
	evt *types.Event
}

func (e channelEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e channelEvent) Event() *types.Event { return e.evt }

// Engine owns the channel lifecycle: open, signed state commits, streams,
// settlement and challenge handling. Mutations must be serialized per channel
// id by the caller; the engine re-validates nonce and signatures at commit
// time and never trusts pre-validated state.
type Engine struct {
	state           engineState
	emitter         events.Emitter
	verifier        Verifier
	challengePeriod int64
	nowFn           func() int64
}

// NewEngine creates a channel engine with the secp256k1 verifier and the
// default challenge period.
func NewEngine() *Engine {
	return &Engine{
		emitter:         events.NoopEmitter{},
		verifier:        SecpVerifier{},
		challengePeriod: DefaultChallengePeriod,
		nowFn:           func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVerifier swaps the signature scheme. Passing nil restores the secp256k1
// verifier.
func (e *Engine) SetVerifier(v Verifier) {
	if v == nil {
		e.verifier = SecpVerifier{}
		return
	}
	e.verifier = v
}

// SetChallengePeriod overrides the settlement challenge window in seconds.
func (e *Engine) SetChallengePeriod(seconds int64) {
	if seconds <= 0 {
		e.challengePeriod = DefaultChallengePeriod
		return
	}
	e.challengePeriod = seconds
}

// SetNowFunc overrides the ledger clock. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine.
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
	e.emitter.Emit(channelEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadChannel(id [32]byte) (*Channel, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ch, ok := e.state.ChannelGet(id)
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

func (e *Engine) storeChannel(ch *Channel) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.ChannelPut(ch)
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("channel: negative transfer amount")
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
	if fromAcc.BalanceWRK.Cmp(amount) < 0 {
		return fmt.Errorf("channel: insufficient balance")
	}
	fromAcc.BalanceWRK = new(big.Int).Sub(fromAcc.BalanceWRK, amount)
	toAcc.BalanceWRK = new(big.Int).Add(toAcc.BalanceWRK, amount)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// Open creates a channel and escrows every participant's initial deposit in
// the channel vault atomically with the call. Re-opening with identical
// parameters returns the stored channel.
func (e *Engine) Open(participants [][20]byte, initialDeposits []*big.Int, salt [32]byte) (*Channel, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if len(participants) < 2 {
		return nil, fmt.Errorf("channel: at least two participants required")
	}
	if len(initialDeposits) != len(participants) {
		return nil, fmt.Errorf("%w: one deposit per participant required", ErrInsufficientDeposit)
	}
	seen := make(map[[20]byte]struct{}, len(participants))
	for _, p := range participants {
		if _, dup := seen[p]; dup {
			return nil, ErrDuplicateParticipant
		}
		seen[p] = struct{}{}
	}
	for _, d := range initialDeposits {
		if d != nil && d.Sign() < 0 {
			return nil, ErrInsufficientDeposit
		}
	}
	id := DeriveChannelID(participants, salt)
	if existing, ok := e.state.ChannelGet(id); ok {
		if len(existing.Participants) != len(participants) {
			return nil, fmt.Errorf("channel: identifier already exists with different definition")
		}
		for i := range participants {
			if existing.Participants[i] != participants[i] {
				return nil, fmt.Errorf("channel: identifier already exists with different definition")
			}
		}
		return existing, nil
	}
	now := e.now()
	vault := e.state.ChannelVaultAddress()
	ch := &Channel{
		ID:              id,
		Participants:    append([][20]byte(nil), participants...),
		Deposits:        make([]*big.Int, len(participants)),
		Balances:        make([]*big.Int, len(participants)),
		Nonce:           0,
		Status:          StatusOpen,
		ChallengePeriod: e.challengePeriod,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, d := range initialDeposits {
		amount := big.NewInt(0)
		if d != nil {
			amount = new(big.Int).Set(d)
		}
		if amount.Sign() > 0 {
			if err := e.transfer(participants[i], vault, amount); err != nil {
				return nil, err
			}
		}
		ch.Deposits[i] = amount
		ch.Balances[i] = new(big.Int).Set(amount)
	}
	if err := e.storeChannel(ch); err != nil {
		return nil, err
	}
	e.emit(NewOpenedEvent(ch))
	return ch.Clone(), nil
}

// Deposit escrows additional collateral for the calling participant. Allowed
// only while the channel is open.
func (e *Engine) Deposit(id [32]byte, caller [20]byte, amount *big.Int) error {
	ch, err := e.loadChannel(id)
	if err != nil {
		return err
	}
	if ch.Status != StatusOpen {
		return ErrChannelNotOpen
	}
	idx := ch.ParticipantIndex(caller)
	if idx < 0 {
		return ErrNotParticipant
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInsufficientDeposit
	}
	if err := e.transfer(caller, e.state.ChannelVaultAddress(), amount); err != nil {
		return err
	}
	ch.Deposits[idx] = new(big.Int).Add(ch.Deposits[idx], amount)
	ch.Balances[idx] = new(big.Int).Add(ch.Balances[idx], amount)
	ch.UpdatedAt = e.now()
	if err := e.storeChannel(ch); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(ch, caller, amount))
	return nil
}

// ReservePayout credits an externally funded payout to a participant's
// balance while the channel is open. The escrow engine uses this as the
// channel-routed payment rail: funds move from the escrow vault into the
// channel vault and the recipient's deposit and balance grow by the same
// amount, preserving conservation.
func (e *Engine) ReservePayout(id [32]byte, from [20]byte, recipient [20]byte, amount *big.Int) error {
	ch, err := e.loadChannel(id)
	if err != nil {
		return err
	}
	if ch.Status != StatusOpen {
		return ErrChannelNotOpen
	}
	idx := ch.ParticipantIndex(recipient)
	if idx < 0 {
		return ErrNotParticipant
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("channel: payout amount must be positive")
	}
	if err := e.transfer(from, e.state.ChannelVaultAddress(), amount); err != nil {
		return err
	}
	ch.Deposits[idx] = new(big.Int).Add(ch.Deposits[idx], amount)
	ch.Balances[idx] = new(big.Int).Add(ch.Balances[idx], amount)
	ch.UpdatedAt = e.now()
	if err := e.storeChannel(ch); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(ch, recipient, amount))
	return nil
}

// UpdateState commits a fully signed off-chain state. The nonce must strictly
// increase the stored one; equal nonces are rejected as conflicts so a
// replayed or duplicated update can never silently overwrite. Balances must
// conserve against total deposits and every participant must have signed the
// canonical digest.
func (e *Engine) UpdateState(state *SignedState) error {
	if state == nil {
		return ErrInvalidState
	}
	ch, err := e.loadChannel(state.ChannelID)
	if err != nil {
		return err
	}
	if ch.Status == StatusSettled {
		return ErrChannelSettled
	}
	if ch.Status != StatusOpen {
		return ErrChannelNotOpen
	}
	return e.commitState(ch, state)
}

func (e *Engine) commitState(ch *Channel, state *SignedState) error {
	if state.Nonce <= ch.Nonce {
		return fmt.Errorf("%w: nonce %d <= stored %d", ErrStaleNonce, state.Nonce, ch.Nonce)
	}
	if len(state.Balances) != len(ch.Participants) {
		return fmt.Errorf("%w: balance vector length mismatch", ErrInvalidState)
	}
	total := big.NewInt(0)
	for i, b := range state.Balances {
		if b == nil || b.Sign() < 0 {
			return fmt.Errorf("%w: negative balance at %d", ErrInvalidState, i)
		}
		total.Add(total, b)
	}
	if total.Cmp(ch.TotalDeposits()) > 0 {
		return ErrBalanceConservation
	}
	digest, err := state.Digest()
	if err != nil {
		return err
	}
	if err := verifyAll(e.verifier, ch.Participants, digest, state.Signatures); err != nil {
		return err
	}
	ch.Nonce = state.Nonce
	ch.Balances = cloneAmounts(state.Balances)
	ch.UpdatedAt = e.now()
	if err := e.storeChannel(ch); err != nil {
		return err
	}
	e.emit(NewStateUpdatedEvent(ch))
	return nil
}

// StartStream begins time-proportional accrual to a participant. Returns the
// stream index used for later stops.
func (e *Engine) StartStream(id [32]byte, caller [20]byte, recipient [20]byte, ratePerSecond *big.Int, duration int64) (int, error) {
	ch, err := e.loadChannel(id)
	if err != nil {
		return 0, err
	}
	if ch.Status != StatusOpen {
		return 0, ErrChannelNotOpen
	}
	if ch.ParticipantIndex(caller) < 0 {
		return 0, ErrNotParticipant
	}
	if ch.ParticipantIndex(recipient) < 0 {
		return 0, ErrNotParticipant
	}
	if ratePerSecond == nil || ratePerSecond.Sign() <= 0 {
		return 0, fmt.Errorf("channel: stream rate must be positive")
	}
	if duration <= 0 {
		return 0, fmt.Errorf("channel: stream duration must be positive")
	}
	now := e.now()
	stream := &Stream{
		Recipient:     recipient,
		RatePerSecond: new(big.Int).Set(ratePerSecond),
		StartTime:     now,
		Duration:      duration,
		Active:        true,
	}
	ch.Streams = append(ch.Streams, stream)
	ch.UpdatedAt = now
	if err := e.storeChannel(ch); err != nil {
		return 0, err
	}
	index := len(ch.Streams) - 1
	e.emit(NewStreamStartedEvent(ch, index, stream))
	return index, nil
}

// StopStream freezes a stream's accrual at the current ledger time. The
// accrued amount is reflected by the channel's next state update; stopping
// moves no funds by itself.
func (e *Engine) StopStream(id [32]byte, caller [20]byte, streamIndex int) error {
	ch, err := e.loadChannel(id)
	if err != nil {
		return err
	}
	if ch.Status != StatusOpen {
		return ErrChannelNotOpen
	}
	if ch.ParticipantIndex(caller) < 0 {
		return ErrNotParticipant
	}
	if streamIndex < 0 || streamIndex >= len(ch.Streams) {
		return ErrStreamNotFound
	}
	stream := ch.Streams[streamIndex]
	if stream == nil {
		return ErrStreamNotFound
	}
	if !stream.Active {
		return nil
	}
	now := e.now()
	stream.Active = false
	stream.StoppedAt = now
	ch.UpdatedAt = now
	if err := e.storeChannel(ch); err != nil {
		return err
	}
	e.emit(NewStreamStoppedEvent(ch, streamIndex, stream, now))
	return nil
}

// InitiateSettlement starts the non-cooperative exit: the channel freezes for
// new updates and the challenge window opens.
func (e *Engine) InitiateSettlement(id [32]byte, caller [20]byte) error {
	ch, err := e.loadChannel(id)
	if err != nil {
		return err
	}
	if ch.Status != StatusOpen {
		return ErrChannelNotOpen
	}
	if ch.ParticipantIndex(caller) < 0 {
		return ErrNotParticipant
	}
	now := e.now()
	period := ch.ChallengePeriod
	if period <= 0 {
		period = e.challengePeriod
	}
	ch.Status = StatusSettling
	ch.SettlementDeadline = now + period
	ch.UpdatedAt = now
	if err := e.storeChannel(ch); err != nil {
		return err
	}
	e.emit(NewSettlementInitiatedEvent(ch))
	return nil
}

// Challenge overrides a fraudulent settlement attempt with a fully signed
// higher-nonce state. Valid only during the challenge window; the adopted
// state becomes the settlement baseline and the channel moves to Disputed.
func (e *Engine) Challenge(state *SignedState) error {
	if state == nil {
		return ErrInvalidState
	}
	ch, err := e.loadChannel(state.ChannelID)
	if err != nil {
		return err
	}
	if ch.Status != StatusSettling {
		return ErrNotSettling
	}
	if e.now() >= ch.SettlementDeadline {
		return fmt.Errorf("channel: challenge window closed")
	}
	if err := e.commitState(ch, state); err != nil {
		return err
	}
	// commitState persisted the adopted balances; flip status in a second
	// write so the event order stays update-then-challenge.
	ch.Status = StatusDisputed
	if err := e.storeChannel(ch); err != nil {
		return err
	}
	e.emit(NewChallengedEvent(ch))
	return nil
}

// Settle finalises the channel and distributes balances to participants.
//
// Cooperative fast path: a fully signed final state with a nonce at or above
// the stored one settles immediately from Open or Settling.
//
// Non-cooperative path: passing nil settles the stored state, allowed only
// once the challenge window elapsed (Settling) or after a successful
// challenge resolved the baseline (Disputed).
func (e *Engine) Settle(id [32]byte, final *SignedState) error {
	ch, err := e.loadChannel(id)
	if err != nil {
		return err
	}
	if ch.Status == StatusSettled {
		return ErrChannelSettled
	}
	if final != nil {
		if final.ChannelID != id {
			return fmt.Errorf("%w: channel id mismatch", ErrInvalidState)
		}
		if final.Nonce < ch.Nonce {
			return fmt.Errorf("%w: nonce %d < stored %d", ErrStaleNonce, final.Nonce, ch.Nonce)
		}
		if len(final.Balances) != len(ch.Participants) {
			return fmt.Errorf("%w: balance vector length mismatch", ErrInvalidState)
		}
		digest, err := final.Digest()
		if err != nil {
			return err
		}
		if err := verifyAll(e.verifier, ch.Participants, digest, final.Signatures); err != nil {
			return err
		}
		ch.Nonce = final.Nonce
		ch.Balances = cloneAmounts(final.Balances)
	} else {
		switch ch.Status {
		case StatusSettling:
			if e.now() < ch.SettlementDeadline {
				return ErrChallengePeriodNotElapsed
			}
		case StatusDisputed:
			// challenge already corrected the baseline state
		default:
			return ErrNotSettling
		}
	}
	total := big.NewInt(0)
	for _, b := range ch.Balances {
		if b == nil || b.Sign() < 0 {
			return ErrFinalBalanceConservation
		}
		total.Add(total, b)
	}
	if total.Cmp(ch.TotalDeposits()) > 0 {
		return ErrFinalBalanceConservation
	}
	vault := e.state.ChannelVaultAddress()
	for i, p := range ch.Participants {
		if err := e.transfer(vault, p, ch.Balances[i]); err != nil {
			return err
		}
	}
	ch.Status = StatusSettled
	ch.SettlementDeadline = 0
	ch.UpdatedAt = e.now()
	if err := e.storeChannel(ch); err != nil {
		return err
	}
	e.emit(NewSettledEvent(ch))
	return nil
}

// Channel returns a defensive copy of the stored channel.
func (e *Engine) Channel(id [32]byte) (*Channel, error) {
	ch, err := e.loadChannel(id)
	if err != nil {
		return nil, err
	}
	return ch.Clone(), nil
}
