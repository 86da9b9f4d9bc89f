package pool

import "errors"

// Rejections of a contribute request. None of them change round state.
var (
	ErrUnauthorized          = errors.New("signature does not verify against authority")
	ErrBelowMinDifficulty    = errors.New("solution below minimum difficulty")
	ErrInvalidDigest         = errors.New("solution digest does not satisfy challenge")
	ErrNonceOutOfRange       = errors.New("nonce outside allocated range")
	ErrStaleRound            = errors.New("contribution does not belong to the live round")
	ErrDuplicateContribution = errors.New("solution already recorded this round")
)

// Operational failures.
var (
	ErrNoActiveRound       = errors.New("no active round")
	ErrSpaceExhausted      = errors.New("nonce space exhausted for round")
	ErrConfirmationTimeout = errors.New("transaction not confirmed")
	ErrUnknownMember       = errors.New("member not registered")
	ErrInsufficientBalance = errors.New("insufficient member balance")
)
