package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/retry"
)

var errPending = errors.New("transaction not yet confirmed")

// Confirmer polls a transaction's status on a fixed schedule until it
// reaches the configured commitment, fails on chain, or runs out of attempts.
type Confirmer struct {
	status     StatusReader
	attempts   int
	interval   time.Duration
	commitment string
	logger     *log.Logger
}

// NewConfirmer creates a Confirmer that checks at most attempts times,
// interval apart.
func NewConfirmer(status StatusReader, attempts int, interval time.Duration, commitment string, logger *log.Logger) *Confirmer {
	return &Confirmer{
		status:     status,
		attempts:   attempts,
		interval:   interval,
		commitment: commitment,
		logger:     logger.WithComponent("confirmer"),
	}
}

func (c *Confirmer) policy() *retry.Config {
	policy := retry.FixedConfig(c.attempts, c.interval)
	policy.RetryIf = func(err error) bool {
		var txErr *TransactionError
		return !errors.As(err, &txErr)
	}
	return policy
}

// Confirm waits for sig. Exhausting the attempts yields an error wrapping
// pool.ErrConfirmationTimeout; a transaction that landed with an error yields
// a *TransactionError immediately.
func (c *Confirmer) Confirm(ctx context.Context, sig pool.Signature) (*SignatureStatus, error) {
	check := 0
	status, err := retry.DoWithResult(ctx, c.policy(), func() (*SignatureStatus, error) {
		check++
		st, err := c.status.GetSignatureStatus(ctx, sig)
		if err != nil {
			c.logger.Debug("Confirmation check failed", "signature", sig.String(), "check", check, "error", err)
			return nil, err
		}
		if st == nil {
			return nil, errPending
		}
		if st.Failed() {
			return nil, &TransactionError{Signature: sig, Err: string(st.Err)}
		}
		if !st.Reached(c.commitment) {
			return nil, errPending
		}
		return st, nil
	})
	if err == nil {
		return status, nil
	}

	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return nil, txErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("%w: %s after %d checks: %w", pool.ErrConfirmationTimeout, sig, check, err)
}

// AwaitTransaction fetches the metadata of a confirmed transaction, polling on
// the same schedule while the node has not indexed it yet.
func (c *Confirmer) AwaitTransaction(ctx context.Context, rpc RPC, sig pool.Signature) (*TransactionMeta, error) {
	meta, err := retry.DoWithResult(ctx, c.policy(), func() (*TransactionMeta, error) {
		m, err := rpc.GetTransaction(ctx, sig)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, errPending
		}
		return m, nil
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: transaction %s not retrievable: %w", pool.ErrConfirmationTimeout, sig, err)
	}
	return meta, err
}
