package reputation

import (
	"errors"
	"math/big"
)

// ErrRecordNotFound marks missing reputation records.
var ErrRecordNotFound = errors.New("reputation: record not found")

// Record accumulates the reputation inputs for a single principal. The
// marketplace's score arithmetic lives outside the core; this ledger only
// keeps the raw tallies visible, including dispute history so chronic
// disputers stand out.
type Record struct {
	Subject      [20]byte
	Completions  uint64
	TotalEarned  *big.Int
	QualitySum   uint64
	Disputes     uint64
	DisputesLost uint64
	UpdatedAt    int64
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.TotalEarned != nil {
		clone.TotalEarned = new(big.Int).Set(r.TotalEarned)
	}
	return &clone
}

func (r *Record) normalize() *Record {
	if r.TotalEarned == nil {
		r.TotalEarned = big.NewInt(0)
	}
	return r
}
