package reputation

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// storage abstracts the subset of state manager functionality required by the
// reputation ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var recordPrefix = []byte("reputation/record/")

func recordKey(subject [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", recordPrefix, subject))
}

type storedRecord struct {
	Subject      [20]byte
	Completions  uint64
	TotalEarned  *big.Int
	QualitySum   uint64
	Disputes     uint64
	DisputesLost uint64
	UpdatedAt    uint64
}

// Ledger persists reputation inputs. Every write is fire-and-forget from the
// caller's perspective: the settlement core never blocks on this ledger.
type Ledger struct {
	store storage
	nowFn func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage) *Ledger {
	return &Ledger{
		store: store,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock. Primarily leveraged in tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

func (l *Ledger) load(subject [20]byte) (*storedRecord, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("reputation: storage unavailable")
	}
	var stored storedRecord
	ok, err := l.store.KVGet(recordKey(subject), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		stored = storedRecord{Subject: subject, TotalEarned: big.NewInt(0)}
	}
	if stored.TotalEarned == nil {
		stored.TotalEarned = big.NewInt(0)
	}
	return &stored, nil
}

// RecordCompletion tallies a milestone payout for the freelancer. Quality
// scores arrive from the review collaborator on a 0-100 scale.
func (l *Ledger) RecordCompletion(freelancer, client [20]byte, projectID [32]byte, amount *big.Int, qualityScore uint8) error {
	stored, err := l.load(freelancer)
	if err != nil {
		return err
	}
	stored.Completions++
	if amount != nil && amount.Sign() > 0 {
		stored.TotalEarned = new(big.Int).Add(stored.TotalEarned, amount)
	}
	stored.QualitySum += uint64(qualityScore)
	stored.UpdatedAt = uint64(l.now())
	return l.store.KVPut(recordKey(freelancer), stored)
}

// RecordDispute tallies an arbitrated outcome for both parties. The losing
// side is inferred from the freelancer's share: below half the milestone
// counts against the freelancer, at or above counts against the client.
func (l *Ledger) RecordDispute(client, freelancer [20]byte, projectID [32]byte, milestone uint64, freelancerBps uint32, amount *big.Int) error {
	now := uint64(l.now())

	fl, err := l.load(freelancer)
	if err != nil {
		return err
	}
	fl.Disputes++
	if freelancerBps < 5_000 {
		fl.DisputesLost++
	} else if amount != nil && amount.Sign() > 0 {
		share := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(freelancerBps)))
		share.Div(share, big.NewInt(10_000))
		fl.TotalEarned = new(big.Int).Add(fl.TotalEarned, share)
	}
	fl.UpdatedAt = now
	if err := l.store.KVPut(recordKey(freelancer), fl); err != nil {
		return err
	}

	cl, err := l.load(client)
	if err != nil {
		return err
	}
	cl.Disputes++
	if freelancerBps >= 5_000 {
		cl.DisputesLost++
	}
	cl.UpdatedAt = now
	return l.store.KVPut(recordKey(client), cl)
}

// Get fetches the reputation record for a principal.
func (l *Ledger) Get(subject [20]byte) (*Record, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errors.New("reputation: storage unavailable")
	}
	var stored storedRecord
	ok, err := l.store.KVGet(recordKey(subject), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	record := &Record{
		Subject:      stored.Subject,
		Completions:  stored.Completions,
		TotalEarned:  stored.TotalEarned,
		QualitySum:   stored.QualitySum,
		Disputes:     stored.Disputes,
		DisputesLost: stored.DisputesLost,
		UpdatedAt:    int64(stored.UpdatedAt),
	}
	return record.normalize().Clone(), true, nil
}
