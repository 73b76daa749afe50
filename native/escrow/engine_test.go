package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"workledger/core/events"
	"workledger/core/types"
)

type mockState struct {
	projects map[[32]byte]*Project
	accounts map[[20]byte]*types.Account
	vault    [20]byte
}

func newMockState() *mockState {
	return &mockState{
		projects: make(map[[32]byte]*Project),
		accounts: make(map[[20]byte]*types.Account),
		vault:    newTestAddress(0xEE),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) ProjectPut(p *Project) error {
	sanitized, err := SanitizeProject(p)
	if err != nil {
		return err
	}
	m.projects[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) ProjectGet(id [32]byte) (*Project, bool) {
	p, ok := m.projects[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (m *mockState) EscrowVaultAddress() [20]byte { return m.vault }

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

type eventRecorder struct {
	seen []events.Event
}

func (r *eventRecorder) Emit(evt events.Event) { r.seen = append(r.seen, evt) }

func (r *eventRecorder) typesSeen() []string {
	out := make([]string, 0, len(r.seen))
	for _, evt := range r.seen {
		out = append(out, evt.EventType())
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *eventRecorder) {
	t.Helper()
	state := newMockState()
	recorder := &eventRecorder{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(recorder)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, state, recorder
}

func twoMilestones() []*Milestone {
	return []*Milestone{
		{Description: "design", Amount: big.NewInt(400), Deadline: 1_700_100_000},
		{Description: "implementation", Amount: big.NewInt(600), Deadline: 1_700_200_000},
	}
}

func createFundedProject(t *testing.T, engine *Engine, state *mockState, client, freelancer [20]byte) *Project {
	t.Helper()
	state.setBalance(client, 1_000)
	project, err := engine.CreateProject(client, freelancer, big.NewInt(1_000), twoMilestones(), [32]byte{0x01})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := engine.Fund(project.ID, client); err != nil {
		t.Fatalf("fund project: %v", err)
	}
	return project
}

func TestCreateProjectValidatesPartition(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)

	badSplit := []*Milestone{
		{Description: "a", Amount: big.NewInt(300), Deadline: 1},
		{Description: "b", Amount: big.NewInt(600), Deadline: 2},
	}
	if _, err := engine.CreateProject(client, freelancer, big.NewInt(1_000), badSplit, [32]byte{}); !errors.Is(err, ErrInvalidBudgetPartition) {
		t.Fatalf("expected ErrInvalidBudgetPartition, got %v", err)
	}
	if _, err := engine.CreateProject(client, freelancer, big.NewInt(1_000), nil, [32]byte{}); !errors.Is(err, ErrEmptyMilestoneList) {
		t.Fatalf("expected ErrEmptyMilestoneList, got %v", err)
	}
}

func TestCreateProjectIdempotent(t *testing.T) {
	engine, _, recorder := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)

	first, err := engine.CreateProject(client, freelancer, big.NewInt(1_000), twoMilestones(), [32]byte{0x07})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	second, err := engine.CreateProject(client, freelancer, big.NewInt(1_000), twoMilestones(), [32]byte{0x07})
	if err != nil {
		t.Fatalf("retry create project: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("retry produced a different project id")
	}
	if got := len(recorder.seen); got != 1 {
		t.Fatalf("expected a single creation event, got %d", got)
	}
}

func TestFundMovesBudgetToVault(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if got := state.balance(state.vault); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("vault balance = %s, want 1000", got)
	}
	if got := state.balance(client); got.Sign() != 0 {
		t.Fatalf("client balance = %s, want 0", got)
	}
	// funding twice is a no-op
	if err := engine.Fund(project.ID, client); err != nil {
		t.Fatalf("refund attempt: %v", err)
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("vault balance after duplicate fund = %s, want 1000", got)
	}
}

func TestMilestoneLifecyclePaysFreelancer(t *testing.T) {
	engine, state, recorder := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "ipfs://deliverable-0"); err != nil {
		t.Fatalf("submit deliverable: %v", err)
	}
	if err := engine.BeginReview(project.ID, client, 0); err != nil {
		t.Fatalf("begin review: %v", err)
	}
	if err := engine.ApproveMilestone(project.ID, client, 0); err != nil {
		t.Fatalf("approve milestone: %v", err)
	}

	if got := state.balance(freelancer); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("freelancer balance = %s, want 400", got)
	}
	stored, err := engine.Project(project.ID)
	if err != nil {
		t.Fatalf("load project: %v", err)
	}
	if stored.Milestones[0].Status != MilestonePaid {
		t.Fatalf("milestone status = %v, want paid", stored.Milestones[0].Status)
	}
	if stored.PaidAmount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("paid amount = %s, want 400", stored.PaidAmount)
	}
	if stored.Status != ProjectActive {
		t.Fatalf("project status = %v, want active", stored.Status)
	}

	if err := engine.SubmitDeliverable(project.ID, freelancer, 1, "ipfs://deliverable-1"); err != nil {
		t.Fatalf("submit second deliverable: %v", err)
	}
	if err := engine.ApproveMilestone(project.ID, client, 1); err != nil {
		t.Fatalf("approve second milestone: %v", err)
	}
	stored, _ = engine.Project(project.ID)
	if stored.Status != ProjectCompleted {
		t.Fatalf("project status = %v, want completed", stored.Status)
	}
	if got := state.balance(freelancer); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("freelancer balance = %s, want 1000", got)
	}
	if got := state.balance(state.vault); got.Sign() != 0 {
		t.Fatalf("vault balance = %s, want 0", got)
	}

	sawPaid := false
	for _, evtType := range recorder.typesSeen() {
		if evtType == EventTypeMilestonePaid {
			sawPaid = true
		}
	}
	if !sawPaid {
		t.Fatalf("expected a milestone_paid event, saw %v", recorder.typesSeen())
	}
}

func TestApproveTwiceFailsWithoutDoublePay(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "cid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.ApproveMilestone(project.ID, client, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := engine.ApproveMilestone(project.ID, client, 0); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
	if got := state.balance(freelancer); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("freelancer balance = %s, want 400 after duplicate approve", got)
	}
}

func TestOnlyPartiesCanAct(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.SubmitDeliverable(project.ID, client, 0, "cid"); !errors.Is(err, ErrNotFreelancer) {
		t.Fatalf("expected ErrNotFreelancer, got %v", err)
	}
	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "cid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.ApproveMilestone(project.ID, freelancer, 0); !errors.Is(err, ErrNotClient) {
		t.Fatalf("expected ErrNotClient, got %v", err)
	}
	if err := engine.DisputeMilestone(project.ID, stranger, 0); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

func TestRejectAndResubmitCountsAttempts(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "v1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.RejectMilestone(project.ID, client, 0, "needs rework"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "v2"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	stored, _ := engine.Project(project.ID)
	ms := stored.Milestones[0]
	if ms.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", ms.Attempts)
	}
	if ms.Deliverable != "v2" {
		t.Fatalf("deliverable = %q, want v2", ms.Deliverable)
	}
	if ms.Feedback != "needs rework" {
		t.Fatalf("feedback = %q", ms.Feedback)
	}
}

func TestDisputeAndResolveSplit(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "cid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.DisputeMilestone(project.ID, freelancer, 0); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	// disputes are idempotent
	if err := engine.DisputeMilestone(project.ID, client, 0); err != nil {
		t.Fatalf("repeat dispute: %v", err)
	}
	stored, _ := engine.Project(project.ID)
	if stored.Status != ProjectDisputed {
		t.Fatalf("project status = %v, want disputed", stored.Status)
	}

	// 70/30 in the freelancer's favour
	if err := engine.ResolveMilestone(project.ID, 0, 7_000); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := state.balance(freelancer); got.Cmp(big.NewInt(280)) != 0 {
		t.Fatalf("freelancer balance = %s, want 280", got)
	}
	if got := state.balance(client); got.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("client balance = %s, want 120", got)
	}
	stored, _ = engine.Project(project.ID)
	if stored.Milestones[0].Status != MilestonePaid {
		t.Fatalf("milestone status = %v, want paid", stored.Milestones[0].Status)
	}
	if stored.Status != ProjectActive {
		t.Fatalf("project status = %v, want active", stored.Status)
	}
}

func TestResolveFullRefund(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "cid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.DisputeMilestone(project.ID, client, 0); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := engine.ResolveMilestone(project.ID, 0, 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := state.balance(client); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("client balance = %s, want 400", got)
	}
	if got := state.balance(freelancer); got.Sign() != 0 {
		t.Fatalf("freelancer balance = %s, want 0", got)
	}
	stored, _ := engine.Project(project.ID)
	if stored.Milestones[0].Status != MilestoneRefunded {
		t.Fatalf("milestone status = %v, want refunded", stored.Milestones[0].Status)
	}
}

func TestResolveRejectsBadSplit(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "cid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.ResolveMilestone(project.ID, 0, 5_000); !errors.Is(err, ErrMilestoneNotDisputed) {
		t.Fatalf("expected ErrMilestoneNotDisputed, got %v", err)
	}
	if err := engine.DisputeMilestone(project.ID, client, 0); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := engine.ResolveMilestone(project.ID, 0, 10_001); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
}

func TestCancelRefundsClient(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.CancelProject(project.ID, freelancer); !errors.Is(err, ErrNotClient) {
		t.Fatalf("expected ErrNotClient, got %v", err)
	}
	if err := engine.CancelProject(project.ID, client); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := state.balance(client); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("client balance = %s, want full refund", got)
	}
	stored, _ := engine.Project(project.ID)
	if stored.Status != ProjectCancelled {
		t.Fatalf("project status = %v, want cancelled", stored.Status)
	}
	// cancellation is terminal but repeatable
	if err := engine.CancelProject(project.ID, client); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}

func TestCancelBlockedAfterSubmission(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "cid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.CancelProject(project.ID, client); !errors.Is(err, ErrInvalidProjectState) {
		t.Fatalf("expected ErrInvalidProjectState, got %v", err)
	}
}

type stubRouter struct {
	reservations int
	fail         bool
}

func (r *stubRouter) ReservePayout(channelID [32]byte, from, recipient [20]byte, amount *big.Int) error {
	if r.fail {
		return errors.New("channel unavailable")
	}
	r.reservations++
	return nil
}

func TestApprovedPayoutRoutesThroughChannel(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	router := &stubRouter{}
	engine.SetRouter(router)
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.AttachChannel(project.ID, client, [32]byte{0xCA}); err != nil {
		t.Fatalf("attach channel: %v", err)
	}
	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "cid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.ApproveMilestone(project.ID, client, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if router.reservations != 1 {
		t.Fatalf("reservations = %d, want 1", router.reservations)
	}
	// routed payouts leave the freelancer ledger account untouched
	if got := state.balance(freelancer); got.Sign() != 0 {
		t.Fatalf("freelancer balance = %s, want 0 when routed", got)
	}
}

func TestChannelFailureFallsBackToDirectTransfer(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	engine.SetRouter(&stubRouter{fail: true})
	project := createFundedProject(t, engine, state, client, freelancer)

	if err := engine.AttachChannel(project.ID, client, [32]byte{0xCA}); err != nil {
		t.Fatalf("attach channel: %v", err)
	}
	if err := engine.SubmitDeliverable(project.ID, freelancer, 0, "cid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.ApproveMilestone(project.ID, client, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := state.balance(freelancer); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("freelancer balance = %s, want 400 via fallback", got)
	}
}
