package channel

import "errors"

var (
	// ErrChannelNotFound marks lookups for unknown channel identifiers.
	ErrChannelNotFound = errors.New("channel: not found")
	// ErrChannelNotOpen rejects mutations against channels past Open.
	ErrChannelNotOpen = errors.New("channel: not open")
	// ErrChannelSettled rejects any mutation of a settled channel.
	ErrChannelSettled = errors.New("channel: already settled")
	// ErrNotParticipant marks calls from addresses outside the channel.
	ErrNotParticipant = errors.New("channel: caller is not a participant")
	// ErrDuplicateParticipant rejects openings with repeated addresses.
	ErrDuplicateParticipant = errors.New("channel: duplicate participant")
	// ErrInsufficientDeposit rejects negative or mismatched deposits.
	ErrInsufficientDeposit = errors.New("channel: insufficient deposit")
	// ErrStaleNonce rejects state updates whose nonce does not strictly
	// increase the stored one. Equal nonces are a conflict, never a no-op.
	ErrStaleNonce = errors.New("channel: stale nonce")
	// ErrInvalidSignature rejects updates missing a valid signature from
	// every participant.
	ErrInvalidSignature = errors.New("channel: invalid signature")
	// ErrBalanceConservation rejects states whose balances exceed deposits.
	ErrBalanceConservation = errors.New("channel: balances exceed deposits")
	// ErrFinalBalanceConservation rejects settlement distributions exceeding
	// total deposits.
	ErrFinalBalanceConservation = errors.New("channel: final balances exceed deposits")
	// ErrChallengePeriodNotElapsed rejects non-cooperative settlement before
	// the deadline.
	ErrChallengePeriodNotElapsed = errors.New("channel: challenge period not elapsed")
	// ErrNotSettling rejects challenges outside the settling window.
	ErrNotSettling = errors.New("channel: not settling")
	// ErrStreamNotFound marks stream indexes outside the channel.
	ErrStreamNotFound = errors.New("channel: stream not found")
	// ErrInvalidState rejects malformed signed-state payloads.
	ErrInvalidState = errors.New("channel: invalid signed state")
)
