package dispute

import (
	"crypto/rand"
	"fmt"
)

// RandSource draws entropy from the operating system. It stands in for the
// external randomness collaborator when the daemon runs standalone.
type RandSource struct{}

// RequestRandom implements the EntropySource interface.
func (RandSource) RequestRandom() ([32]byte, error) {
	var out [32]byte
	if _, err := rand.Read(out[:]); err != nil {
		return [32]byte{}, fmt.Errorf("dispute: read entropy: %w", err)
	}
	return out, nil
}

// FixedSource replays a known entropy value. Tests use it to make validator
// selection reproducible.
type FixedSource [32]byte

// RequestRandom implements the EntropySource interface.
func (s FixedSource) RequestRandom() ([32]byte, error) {
	return [32]byte(s), nil
}
