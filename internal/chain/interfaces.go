package chain

import (
	"context"
	"errors"

	"github.com/bardlex/orepool/internal/pool"
)

// ErrAccountNotFound is returned when a requested account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// RPC is the node API the pool relies on. *RPCClient implements it.
type RPC interface {
	StatusReader

	// GetLatestBlockhash returns a recent blockhash for transaction assembly.
	GetLatestBlockhash(ctx context.Context) ([32]byte, error)

	// SendTransaction submits a signed, serialized transaction.
	SendTransaction(ctx context.Context, raw []byte) (pool.Signature, error)

	// GetTransaction returns confirmed transaction metadata, nil if unavailable.
	GetTransaction(ctx context.Context, sig pool.Signature) (*TransactionMeta, error)

	// GetAccountData returns an account's raw data.
	GetAccountData(ctx context.Context, addr pool.Pubkey) ([]byte, error)

	// Health checks node liveness.
	Health(ctx context.Context) error
}

// StatusReader reads transaction statuses.
type StatusReader interface {
	GetSignatureStatus(ctx context.Context, sig pool.Signature) (*SignatureStatus, error)
}
