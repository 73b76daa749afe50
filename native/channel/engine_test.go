package channel

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"workledger/core/types"
	"workledger/crypto"
)

type mockState struct {
	channels map[[32]byte]*Channel
	accounts map[[20]byte]*types.Account
	vault    [20]byte
}

func newMockState() *mockState {
	return &mockState{
		channels: make(map[[32]byte]*Channel),
		accounts: make(map[[20]byte]*types.Account),
		vault:    newTestAddress(0xCC),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) ChannelPut(c *Channel) error {
	sanitized, err := SanitizeChannel(c)
	if err != nil {
		return err
	}
	m.channels[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) ChannelGet(id [32]byte) (*Channel, bool) {
	c, ok := m.channels[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (m *mockState) ChannelVaultAddress() [20]byte { return m.vault }

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return &types.Account{BalanceWRK: big.NewInt(0)}, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) setBalance(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{BalanceWRK: big.NewInt(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.BalanceWRK)
}

type testClock struct {
	now int64
}

func (c *testClock) Now() int64      { return c.now }
func (c *testClock) Advance(d int64) { c.now += d }

type party struct {
	key  *crypto.PrivateKey
	addr [20]byte
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return party{key: key, addr: key.PubKey().RawAddress()}
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *testClock) {
	t.Helper()
	state := newMockState()
	clock := &testClock{now: 1_700_000_000}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(clock.Now)
	return engine, state, clock
}

func openTestChannel(t *testing.T, engine *Engine, state *mockState, a, b party) *Channel {
	t.Helper()
	state.setBalance(a.addr, 1_000)
	state.setBalance(b.addr, 1_000)
	ch, err := engine.Open(
		[][20]byte{a.addr, b.addr},
		[]*big.Int{big.NewInt(500), big.NewInt(300)},
		[32]byte{0x01},
	)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	return ch
}

func signedState(t *testing.T, id [32]byte, nonce uint64, balances []int64, signers ...party) *SignedState {
	t.Helper()
	amounts := make([]*big.Int, len(balances))
	for i, b := range balances {
		amounts[i] = big.NewInt(b)
	}
	state := &SignedState{ChannelID: id, Nonce: nonce, Balances: amounts}
	for _, signer := range signers {
		if err := state.Sign(signer.key); err != nil {
			t.Fatalf("sign state: %v", err)
		}
	}
	return state
}

func TestOpenEscrowsDeposits(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	if got := state.balance(state.vault); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("vault balance = %s, want 800", got)
	}
	if got := state.balance(a.addr); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("a balance = %s, want 500", got)
	}
	if ch.Status != StatusOpen {
		t.Fatalf("status = %v, want open", ch.Status)
	}
	if got := ch.TotalBalances(); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("total balances = %s, want 800", got)
	}

	// reopening with identical parameters returns the stored channel
	again, err := engine.Open(
		[][20]byte{a.addr, b.addr},
		[]*big.Int{big.NewInt(500), big.NewInt(300)},
		[32]byte{0x01},
	)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.ID != ch.ID {
		t.Fatalf("reopen produced a different id")
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("vault balance after reopen = %s, want 800", got)
	}
}

func TestOpenRejectsDuplicates(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a := newParty(t)
	state.setBalance(a.addr, 1_000)
	_, err := engine.Open([][20]byte{a.addr, a.addr}, []*big.Int{big.NewInt(1), big.NewInt(1)}, [32]byte{})
	if !errors.Is(err, ErrDuplicateParticipant) {
		t.Fatalf("expected ErrDuplicateParticipant, got %v", err)
	}
}

func TestUpdateStateRejectsReplay(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	first := signedState(t, ch.ID, 1, []int64{600, 200}, a, b)
	if err := engine.UpdateState(first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// replaying the same nonce is a conflict even with different balances
	replay := signedState(t, ch.ID, 1, []int64{700, 100}, a, b)
	if err := engine.UpdateState(replay); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("expected ErrStaleNonce, got %v", err)
	}

	second := signedState(t, ch.ID, 2, []int64{400, 400}, b, a)
	if err := engine.UpdateState(second); err != nil {
		t.Fatalf("second update (signatures reordered): %v", err)
	}

	stored, _ := engine.Channel(ch.ID)
	if stored.Nonce != 2 {
		t.Fatalf("nonce = %d, want 2", stored.Nonce)
	}
	if stored.Balances[0].Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("balance[0] = %s, want 400", stored.Balances[0])
	}
}

func TestUpdateStateRequiresAllSignatures(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	partial := signedState(t, ch.ID, 1, []int64{600, 200}, a)
	if err := engine.UpdateState(partial); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	outsider := newParty(t)
	forged := signedState(t, ch.ID, 1, []int64{600, 200}, a, outsider)
	if err := engine.UpdateState(forged); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for forged signer, got %v", err)
	}
}

func TestUpdateStateEnforcesConservation(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	inflated := signedState(t, ch.ID, 1, []int64{600, 300}, a, b)
	if err := engine.UpdateState(inflated); !errors.Is(err, ErrBalanceConservation) {
		t.Fatalf("expected ErrBalanceConservation, got %v", err)
	}
}

func TestNonCooperativeSettlementWaitsForWindow(t *testing.T) {
	engine, state, clock := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	update := signedState(t, ch.ID, 1, []int64{600, 200}, a, b)
	if err := engine.UpdateState(update); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := engine.InitiateSettlement(ch.ID, a.addr); err != nil {
		t.Fatalf("initiate settlement: %v", err)
	}
	if err := engine.Settle(ch.ID, nil); !errors.Is(err, ErrChallengePeriodNotElapsed) {
		t.Fatalf("expected ErrChallengePeriodNotElapsed, got %v", err)
	}
	clock.Advance(DefaultChallengePeriod - 1)
	if err := engine.Settle(ch.ID, nil); !errors.Is(err, ErrChallengePeriodNotElapsed) {
		t.Fatalf("one second early: expected ErrChallengePeriodNotElapsed, got %v", err)
	}
	clock.Advance(1)
	if err := engine.Settle(ch.ID, nil); err != nil {
		t.Fatalf("settle after window: %v", err)
	}

	if got := state.balance(a.addr); got.Cmp(big.NewInt(1_100)) != 0 {
		t.Fatalf("a balance = %s, want 1100", got)
	}
	if got := state.balance(b.addr); got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("b balance = %s, want 900", got)
	}
	if got := state.balance(state.vault); got.Sign() != 0 {
		t.Fatalf("vault balance = %s, want 0", got)
	}
	stored, _ := engine.Channel(ch.ID)
	if stored.Status != StatusSettled {
		t.Fatalf("status = %v, want settled", stored.Status)
	}
	if err := engine.Settle(ch.ID, nil); !errors.Is(err, ErrChannelSettled) {
		t.Fatalf("expected ErrChannelSettled, got %v", err)
	}
}

func TestChallengeOverridesStaleSettlement(t *testing.T) {
	engine, state, clock := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	honest := signedState(t, ch.ID, 2, []int64{300, 500}, a, b)
	stale := signedState(t, ch.ID, 1, []int64{700, 100}, a, b)
	if err := engine.UpdateState(stale); err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if err := engine.InitiateSettlement(ch.ID, a.addr); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	clock.Advance(10)
	if err := engine.Challenge(honest); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	stored, _ := engine.Channel(ch.ID)
	if stored.Status != StatusDisputed {
		t.Fatalf("status = %v, want disputed", stored.Status)
	}
	if stored.Nonce != 2 {
		t.Fatalf("nonce = %d, want 2", stored.Nonce)
	}

	// a disputed channel settles immediately on the corrected baseline
	if err := engine.Settle(ch.ID, nil); err != nil {
		t.Fatalf("settle after challenge: %v", err)
	}
	if got := state.balance(b.addr); got.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("b balance = %s, want 1200", got)
	}
}

func TestChallengeClosesWithWindow(t *testing.T) {
	engine, state, clock := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	if err := engine.InitiateSettlement(ch.ID, b.addr); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	clock.Advance(DefaultChallengePeriod)
	late := signedState(t, ch.ID, 1, []int64{400, 400}, a, b)
	if err := engine.Challenge(late); err == nil {
		t.Fatalf("expected late challenge to fail")
	}
}

func TestCooperativeSettlementSkipsWindow(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	final := signedState(t, ch.ID, 5, []int64{200, 600}, a, b)
	if err := engine.Settle(ch.ID, final); err != nil {
		t.Fatalf("cooperative settle: %v", err)
	}
	if got := state.balance(a.addr); got.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("a balance = %s, want 700", got)
	}
	if got := state.balance(b.addr); got.Cmp(big.NewInt(1_300)) != 0 {
		t.Fatalf("b balance = %s, want 1300", got)
	}
}

func TestDepositGrowsCapacity(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	if err := engine.Deposit(ch.ID, b.addr, big.NewInt(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	stored, _ := engine.Channel(ch.ID)
	if got := stored.TotalDeposits(); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("total deposits = %s, want 1000", got)
	}

	outsider := newParty(t)
	state.setBalance(outsider.addr, 100)
	if err := engine.Deposit(ch.ID, outsider.addr, big.NewInt(50)); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestReservePayoutPreservesConservation(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	payer := newTestAddress(0xEE)
	state.setBalance(payer, 400)
	if err := engine.ReservePayout(ch.ID, payer, b.addr, big.NewInt(400)); err != nil {
		t.Fatalf("reserve payout: %v", err)
	}
	stored, _ := engine.Channel(ch.ID)
	if got := stored.TotalDeposits(); got.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("total deposits = %s, want 1200", got)
	}
	if got := stored.TotalBalances(); got.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("total balances = %s, want 1200", got)
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("vault balance = %s, want 1200", got)
	}
}

func TestStreamsAccrueAndFreeze(t *testing.T) {
	engine, state, clock := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	index, err := engine.StartStream(ch.ID, a.addr, b.addr, big.NewInt(2), 100)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	start := clock.Now()

	clock.Advance(30)
	stored, _ := engine.Channel(ch.ID)
	if got := stored.Streams[index].Accrued(clock.Now()); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("accrued at +30s = %s, want 60", got)
	}

	// accrual caps at the stream duration
	if got := stored.Streams[index].Accrued(start + 1_000); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("capped accrual = %s, want 200", got)
	}

	clock.Advance(20)
	if err := engine.StopStream(ch.ID, a.addr, index); err != nil {
		t.Fatalf("stop stream: %v", err)
	}
	// stopping twice is a no-op
	if err := engine.StopStream(ch.ID, a.addr, index); err != nil {
		t.Fatalf("repeat stop: %v", err)
	}

	stored, _ = engine.Channel(ch.ID)
	frozen := stored.Streams[index]
	if frozen.Active {
		t.Fatalf("stream still active after stop")
	}
	if got := frozen.Accrued(clock.Now() + 500); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("frozen accrual = %s, want 100", got)
	}
}

func TestUpdatesRejectedAfterSettlementStarts(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	a, b := newParty(t), newParty(t)
	ch := openTestChannel(t, engine, state, a, b)

	if err := engine.InitiateSettlement(ch.ID, a.addr); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	update := signedState(t, ch.ID, 1, []int64{600, 200}, a, b)
	if err := engine.UpdateState(update); !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("expected ErrChannelNotOpen, got %v", err)
	}
	if _, err := engine.StartStream(ch.ID, a.addr, b.addr, big.NewInt(1), 10); !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("expected ErrChannelNotOpen for stream, got %v", err)
	}
}
