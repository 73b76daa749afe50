package reputation

import (
	"math/big"
	"testing"

	"workledger/core/events"
)

type mapStore struct {
	records map[string]storedRecord
	putErr  error
}

func newMapStore() *mapStore {
	return &mapStore{records: make(map[string]storedRecord)}
}

func (m *mapStore) KVGet(key []byte, out interface{}) (bool, error) {
	stored, ok := m.records[string(key)]
	if !ok {
		return false, nil
	}
	target, valid := out.(*storedRecord)
	if !valid {
		return false, nil
	}
	*target = stored
	if stored.TotalEarned != nil {
		target.TotalEarned = new(big.Int).Set(stored.TotalEarned)
	}
	return true, nil
}

func (m *mapStore) KVPut(key []byte, value interface{}) error {
	if m.putErr != nil {
		return m.putErr
	}
	stored, ok := value.(*storedRecord)
	if !ok {
		return nil
	}
	copied := *stored
	if stored.TotalEarned != nil {
		copied.TotalEarned = new(big.Int).Set(stored.TotalEarned)
	}
	m.records[string(key)] = copied
	return nil
}

func testSubject(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestLedger() (*Ledger, *mapStore) {
	store := newMapStore()
	ledger := NewLedger(store)
	ledger.SetNowFunc(func() int64 { return 1_700_000_000 })
	return ledger, store
}

func TestRecordCompletionAccumulates(t *testing.T) {
	ledger, _ := newTestLedger()
	freelancer := testSubject(0x01)
	client := testSubject(0x02)
	projectID := [32]byte{0xAB}

	if err := ledger.RecordCompletion(freelancer, client, projectID, big.NewInt(400), 90); err != nil {
		t.Fatalf("record completion: %v", err)
	}
	if err := ledger.RecordCompletion(freelancer, client, projectID, big.NewInt(600), 70); err != nil {
		t.Fatalf("record second completion: %v", err)
	}

	record, ok, err := ledger.Get(freelancer)
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if record.Completions != 2 {
		t.Fatalf("completions = %d, want 2", record.Completions)
	}
	if record.TotalEarned.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("total earned = %s, want 1000", record.TotalEarned)
	}
	if record.QualitySum != 160 {
		t.Fatalf("quality sum = %d, want 160", record.QualitySum)
	}
	if record.UpdatedAt != 1_700_000_000 {
		t.Fatalf("updated at = %d", record.UpdatedAt)
	}
}

func TestGetMissingSubject(t *testing.T) {
	ledger, _ := newTestLedger()
	if _, ok, err := ledger.Get(testSubject(0x0F)); err != nil || ok {
		t.Fatalf("expected missing record, got ok=%v err=%v", ok, err)
	}
}

func TestRecordDisputeAssignsLoss(t *testing.T) {
	ledger, _ := newTestLedger()
	freelancer := testSubject(0x01)
	client := testSubject(0x02)
	projectID := [32]byte{0xCD}

	// freelancer wins at 70%: client takes the loss, freelancer earns the share
	if err := ledger.RecordDispute(client, freelancer, projectID, 0, 7_000, big.NewInt(1_000)); err != nil {
		t.Fatalf("record dispute: %v", err)
	}
	fl, _, err := ledger.Get(freelancer)
	if err != nil {
		t.Fatalf("get freelancer: %v", err)
	}
	if fl.Disputes != 1 || fl.DisputesLost != 0 {
		t.Fatalf("freelancer disputes=%d lost=%d, want 1/0", fl.Disputes, fl.DisputesLost)
	}
	if fl.TotalEarned.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("freelancer earned = %s, want 700", fl.TotalEarned)
	}
	cl, _, err := ledger.Get(client)
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if cl.Disputes != 1 || cl.DisputesLost != 1 {
		t.Fatalf("client disputes=%d lost=%d, want 1/1", cl.Disputes, cl.DisputesLost)
	}

	// freelancer loses at 20%: the loss flips sides and nothing is earned
	if err := ledger.RecordDispute(client, freelancer, projectID, 1, 2_000, big.NewInt(1_000)); err != nil {
		t.Fatalf("record second dispute: %v", err)
	}
	fl, _, _ = ledger.Get(freelancer)
	if fl.Disputes != 2 || fl.DisputesLost != 1 {
		t.Fatalf("freelancer disputes=%d lost=%d, want 2/1", fl.Disputes, fl.DisputesLost)
	}
	if fl.TotalEarned.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("freelancer earned after loss = %s, want 700", fl.TotalEarned)
	}
}

func TestSinkMirrorsPayments(t *testing.T) {
	ledger, _ := newTestLedger()
	sink := NewSink(ledger, nil)
	freelancer := testSubject(0x01)
	client := testSubject(0x02)

	sink.Emit(events.PaymentCompleted{
		ProjectID:  [32]byte{0x01},
		Milestone:  0,
		Client:     client,
		Freelancer: freelancer,
		Amount:     big.NewInt(250),
	})

	record, ok, err := ledger.Get(freelancer)
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if record.Completions != 1 {
		t.Fatalf("completions = %d, want 1", record.Completions)
	}
	if record.TotalEarned.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("total earned = %s, want 250", record.TotalEarned)
	}
	if record.QualitySum != uint64(DefaultQualityScore) {
		t.Fatalf("quality sum = %d, want %d", record.QualitySum, DefaultQualityScore)
	}
}

func TestSinkIgnoresOtherEvents(t *testing.T) {
	ledger, store := newTestLedger()
	sink := NewSink(ledger, nil)
	sink.Emit(otherEvent{})
	if len(store.records) != 0 {
		t.Fatalf("unexpected writes: %d", len(store.records))
	}
}

type otherEvent struct{}

func (otherEvent) EventType() string { return "noise" }
