package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// ErrQuoteUnavailable marks symbols the source has no quote for. Callers are
// expected to degrade to advisory-data-unavailable behaviour, never to abort
// a transition.
var ErrQuoteUnavailable = errors.New("oracle: quote unavailable")

// Quote carries an advisory market rate with its observation time.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
}

// StaticSource serves quotes from a fixed table. It stands in for the price
// feed collaborator when the daemon runs standalone and doubles as the test
// fixture.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticSource constructs an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[string]Quote)}
}

// Set records a quote for the symbol.
func (s *StaticSource) Set(symbol string, rate *big.Rat, at time.Time) {
	if s == nil || rate == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[normalizeSymbol(symbol)] = Quote{Rate: new(big.Rat).Set(rate), Timestamp: at}
}

// Quote returns the advisory rate for the symbol.
func (s *StaticSource) Quote(symbol string) (*big.Rat, error) {
	if s == nil {
		return nil, ErrQuoteUnavailable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	quote, ok := s.quotes[normalizeSymbol(symbol)]
	if !ok || quote.Rate == nil {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, symbol)
	}
	return new(big.Rat).Set(quote.Rate), nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
