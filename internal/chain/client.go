package chain

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
)

// Layout of the mining proof account: an 8-byte discriminator, the
// authority, the balance, then the current challenge.
const (
	proofChallengeOffset = 8 + 32 + 8
	proofMinSize         = proofChallengeOffset + 32
)

// Config configures a Client.
type Config struct {
	ProgramID       pool.Pubkey
	MiningProgramID pool.Pubkey
	Operator        ed25519.PrivateKey
	MinDifficulty   uint32
	Commitment      string
	ConfirmAttempts int
	ConfirmInterval time.Duration
}

// Client performs the pool's chain operations on behalf of the operator.
type Client struct {
	rpc       RPC
	confirmer *Confirmer
	cfg       Config
	operator  pool.Pubkey
	poolAddr  pool.Pubkey
	proofAddr pool.Pubkey
	logger    *log.Logger
}

// NewClient derives the pool and proof accounts of the operator and returns a
// client bound to them.
func NewClient(rpc RPC, cfg Config, logger *log.Logger) (*Client, error) {
	if len(cfg.Operator) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("operator key must be %d bytes", ed25519.PrivateKeySize)
	}
	var operator pool.Pubkey
	copy(operator[:], cfg.Operator.Public().(ed25519.PublicKey))

	poolAddr, _, err := program.PoolAddress(operator, cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive pool address: %w", err)
	}
	proofAddr, _, err := program.ProofAddress(poolAddr, cfg.MiningProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive proof address: %w", err)
	}

	return &Client{
		rpc:       rpc,
		confirmer: NewConfirmer(rpc, cfg.ConfirmAttempts, cfg.ConfirmInterval, cfg.Commitment, logger),
		cfg:       cfg,
		operator:  operator,
		poolAddr:  poolAddr,
		proofAddr: proofAddr,
		logger:    logger.WithComponent("chain"),
	}, nil
}

// Operator returns the operator's public key.
func (c *Client) Operator() pool.Pubkey { return c.operator }

// Pool returns the pool account address.
func (c *Client) Pool() pool.Pubkey { return c.poolAddr }

// Health checks the node.
func (c *Client) Health(ctx context.Context) error { return c.rpc.Health(ctx) }

// GetLatestChallenge reads the current challenge from the pool's proof
// account. RoundID and StartedAt are assigned by the aggregator on rotation.
func (c *Client) GetLatestChallenge(ctx context.Context) (pool.Challenge, error) {
	data, err := c.rpc.GetAccountData(ctx, c.proofAddr)
	if err != nil {
		return pool.Challenge{}, fmt.Errorf("read proof account: %w", err)
	}
	if len(data) < proofMinSize {
		return pool.Challenge{}, errors.New(errors.ErrorTypeChain, "get_latest_challenge", "proof account too short").
			WithContext("size", len(data)).
			WithContext("account", c.proofAddr.String())
	}

	ch := pool.Challenge{MinDifficulty: c.cfg.MinDifficulty}
	copy(ch.Target[:], data[proofChallengeOffset:proofMinSize])
	return ch, nil
}

// SubmitAttestation sends the round's Submit instruction and waits for
// confirmation.
func (c *Client) SubmitAttestation(ctx context.Context, batch pool.Pubkey, args program.SubmitArgs) (TransactionResult, error) {
	ix := program.Submit(c.cfg.ProgramID, c.operator, c.poolAddr, c.proofAddr, batch, args)
	return c.sendAndConfirm(ctx, ix)
}

// Register opens a member account for authority and returns the member id
// the program wrote as return data.
func (c *Client) Register(ctx context.Context, authority pool.Pubkey) (uint64, error) {
	memberAddr, bump, err := program.MemberAddress(authority, c.poolAddr, c.cfg.ProgramID)
	if err != nil {
		return 0, fmt.Errorf("derive member address: %w", err)
	}

	ix := program.Open(c.cfg.ProgramID, c.operator, authority, c.poolAddr, memberAddr, program.OpenArgs{MemberBump: bump})
	res, err := c.sendAndConfirm(ctx, ix)
	if err != nil {
		return 0, err
	}

	meta, err := c.confirmer.AwaitTransaction(ctx, c.rpc, res.Signature)
	if err != nil {
		return 0, err
	}
	id, err := program.DecodeMemberID(meta.ReturnData, c.cfg.ProgramID)
	if err != nil {
		return 0, fmt.Errorf("decode member id of %s: %w", res.Signature, err)
	}

	c.logger.Info("Member registered", "authority", authority.String(), "member_id", id, "signature", res.Signature.String())
	return id, nil
}

func (c *Client) sendAndConfirm(ctx context.Context, ixs ...program.Instruction) (TransactionResult, error) {
	start := time.Now()
	blockhash, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("fetch blockhash: %w", err)
	}

	msg, err := CompileMessage(c.operator, blockhash, ixs...)
	if err != nil {
		return TransactionResult{}, err
	}
	tx, err := SignTransaction(msg, c.cfg.Operator)
	if err != nil {
		return TransactionResult{}, err
	}

	sig, err := c.rpc.SendTransaction(ctx, tx.Serialize())
	if err != nil {
		return TransactionResult{}, fmt.Errorf("send transaction: %w", err)
	}
	if sig != tx.Signature() {
		c.logger.Warn("Node reported a different signature", "local", tx.Signature().String(), "remote", sig.String())
	}

	status, err := c.confirmer.Confirm(ctx, sig)
	if err != nil {
		return TransactionResult{Signature: sig}, err
	}
	c.logger.LogDuration("send_and_confirm", time.Since(start))
	return TransactionResult{Signature: sig, Slot: status.Slot, Status: status.ConfirmationStatus}, nil
}
