package channel

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"workledger/crypto"
)

// StateDomainV1 tags every signed channel state so digests can never collide
// with other signed payloads in the system.
const StateDomainV1 = "WORKLEDGER_CHANNEL_STATE_V1"

// SignedState is the off-chain-negotiated payload committed on-chain. The
// negotiation transport and retry policy are out of scope; the engine only
// re-validates the finished artifact at commit time.
type SignedState struct {
	ChannelID  [32]byte
	Nonce      uint64
	Balances   []*big.Int
	Signatures [][]byte
}

// Clone returns a deep copy of the signed state.
func (s *SignedState) Clone() *SignedState {
	if s == nil {
		return nil
	}
	clone := &SignedState{ChannelID: s.ChannelID, Nonce: s.Nonce}
	clone.Balances = cloneAmounts(s.Balances)
	if len(s.Signatures) > 0 {
		clone.Signatures = make([][]byte, len(s.Signatures))
		for i, sig := range s.Signatures {
			clone.Signatures[i] = append([]byte(nil), sig...)
		}
	}
	return clone
}

// StateDigest computes the canonical digest participants sign: the keccak256
// hash of the domain tag, the channel id, the nonce as 8 big-endian bytes and
// each balance as a 32-byte big-endian word in participant order. Signer and
// verifier must share this encoding; any deviation is an interoperability bug.
func StateDigest(channelID [32]byte, nonce uint64, balances []*big.Int) ([]byte, error) {
	buf := make([]byte, 0, len(StateDomainV1)+32+8+32*len(balances))
	buf = append(buf, StateDomainV1...)
	buf = append(buf, channelID[:]...)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf = append(buf, nonceBytes[:]...)
	for i, balance := range balances {
		if balance == nil {
			balance = big.NewInt(0)
		}
		if balance.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative balance at %d", ErrInvalidState, i)
		}
		if balance.BitLen() > 256 {
			return nil, fmt.Errorf("%w: balance at %d overflows 32 bytes", ErrInvalidState, i)
		}
		var word [32]byte
		balance.FillBytes(word[:])
		buf = append(buf, word[:]...)
	}
	return ethcrypto.Keccak256(buf), nil
}

// Digest returns the canonical digest of the signed state.
func (s *SignedState) Digest() ([]byte, error) {
	if s == nil {
		return nil, ErrInvalidState
	}
	return StateDigest(s.ChannelID, s.Nonce, s.Balances)
}

// Sign appends the key holder's signature over the canonical digest.
func (s *SignedState) Sign(key *crypto.PrivateKey) error {
	digest, err := s.Digest()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	s.Signatures = append(s.Signatures, sig)
	return nil
}

// Verifier abstracts the signature scheme so the state machine stays
// independent of any particular chain's signing rules.
type Verifier interface {
	Verify(signer [20]byte, digest []byte, signature []byte) bool
}

// SecpVerifier verifies 65-byte [R || S || V] secp256k1 signatures by
// recovering the signer address from the digest.
type SecpVerifier struct{}

// Verify implements the Verifier interface.
func (SecpVerifier) Verify(signer [20]byte, digest []byte, signature []byte) bool {
	recovered, err := crypto.RecoverAddress(digest, signature)
	if err != nil {
		return false
	}
	return recovered == signer
}

// verifyAll checks that every participant produced a valid signature over the
// digest. Signatures may arrive in any order; each must match exactly one
// participant and every participant must be covered.
func verifyAll(v Verifier, participants [][20]byte, digest []byte, signatures [][]byte) error {
	if v == nil {
		return fmt.Errorf("channel: verifier not configured")
	}
	if len(signatures) != len(participants) {
		return ErrInvalidSignature
	}
	covered := make([]bool, len(participants))
	for _, sig := range signatures {
		matched := false
		for i, p := range participants {
			if covered[i] {
				continue
			}
			if v.Verify(p, digest, sig) {
				covered[i] = true
				matched = true
				break
			}
		}
		if !matched {
			return ErrInvalidSignature
		}
	}
	for _, ok := range covered {
		if !ok {
			return ErrInvalidSignature
		}
	}
	return nil
}
