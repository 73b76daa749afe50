package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestQuoteRoundTrip(t *testing.T) {
	source := NewStaticSource()
	at := time.Unix(1_700_000_000, 0)
	source.Set("wrk-usd", big.NewRat(125, 100), at)

	rate, err := source.Quote("WRK-USD")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if rate.Cmp(big.NewRat(125, 100)) != 0 {
		t.Fatalf("rate = %s, want 5/4", rate)
	}

	// symbols are case and whitespace insensitive
	if _, err := source.Quote("  wrk-usd "); err != nil {
		t.Fatalf("normalized lookup: %v", err)
	}
}

func TestQuoteUnavailable(t *testing.T) {
	source := NewStaticSource()
	if _, err := source.Quote("EUR-USD"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Fatalf("expected ErrQuoteUnavailable, got %v", err)
	}
}

func TestQuoteReturnsCopy(t *testing.T) {
	source := NewStaticSource()
	source.Set("WRK-USD", big.NewRat(1, 1), time.Now())
	rate, err := source.Quote("WRK-USD")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	rate.SetInt64(99)
	again, _ := source.Quote("WRK-USD")
	if again.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("stored quote mutated through the returned copy")
	}
}
