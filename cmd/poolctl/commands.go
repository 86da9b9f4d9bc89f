package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/urfave/cli"

	"github.com/bardlex/orepool/internal/database/postgres"
	"github.com/bardlex/orepool/internal/messaging"
	"github.com/bardlex/orepool/internal/notify"
	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
	"github.com/bardlex/orepool/internal/submission"
)

func cmdKeygen(_ *cli.Context) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	var authority pool.Pubkey
	copy(authority[:], pub)
	return printJSON(map[string]string{
		"seed":      hex.EncodeToString(priv.Seed()),
		"authority": authority.String(),
	})
}

// addresses are the program accounts derivable from the command line.
type addresses struct {
	Pool       string `json:"pool"`
	PoolBump   uint8  `json:"pool_bump"`
	Proof      string `json:"proof,omitempty"`
	Member     string `json:"member,omitempty"`
	MemberBump uint8  `json:"member_bump,omitempty"`
	Batch      string `json:"batch,omitempty"`
	BatchBump  uint8  `json:"batch_bump,omitempty"`
}

func deriveAddresses(programID, operator pool.Pubkey, miningProgramID, authority *pool.Pubkey, round *uint64) (addresses, error) {
	var out addresses
	poolAddr, bump, err := program.PoolAddress(operator, programID)
	if err != nil {
		return out, err
	}
	out.Pool, out.PoolBump = poolAddr.String(), bump

	if miningProgramID != nil {
		proof, _, err := program.ProofAddress(poolAddr, *miningProgramID)
		if err != nil {
			return out, err
		}
		out.Proof = proof.String()
	}
	if authority != nil {
		member, bump, err := program.MemberAddress(*authority, poolAddr, programID)
		if err != nil {
			return out, err
		}
		out.Member, out.MemberBump = member.String(), bump
	}
	if round != nil {
		batch, bump, err := program.BatchAddress(poolAddr, *round, programID)
		if err != nil {
			return out, err
		}
		out.Batch, out.BatchBump = batch.String(), bump
	}
	return out, nil
}

func cmdPDA(c *cli.Context) error {
	programID, err := requirePubkey(c, flagProgram)
	if err != nil {
		return err
	}
	operator, err := requirePubkey(c, flagOperator)
	if err != nil {
		return err
	}
	miningProgramID, err := optionalPubkey(c, flagOreProgram)
	if err != nil {
		return err
	}
	authority, err := optionalPubkey(c, flagAuthority)
	if err != nil {
		return err
	}
	var round *uint64
	if c.IsSet(flagRound) {
		r := c.Uint64(flagRound)
		round = &r
	}

	out, err := deriveAddresses(programID, operator, miningProgramID, authority, round)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdRegister(c *cli.Context) error {
	key, err := parseSeed(c.String(flagKey))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	m := &miner{key: key}
	member, err := newPoolClient(c.String(flagURL), requestTimeout).Register(ctx, m.authority())
	if err != nil {
		return err
	}
	return printJSON(member)
}

func cmdMine(c *cli.Context) error {
	key, err := parseSeed(c.String(flagKey))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	m := &miner{
		client: newPoolClient(c.String(flagURL), requestTimeout),
		key:    key,
		limit:  c.Uint64(flagLimit),
	}
	count := c.Int(flagCount)
	for i := 0; count == 0 || i < count; i++ {
		res, err := m.MineOnce(ctx)
		var apiErr *apiError
		switch {
		case ctx.Err() != nil:
			return nil
		case stderrors.As(err, &apiErr) && !retryable(apiErr):
			return err
		case err != nil:
			fmt.Fprintf(os.Stderr, "round skipped: %v\n", err)
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		if err := printJSON(res); err != nil {
			return err
		}
	}
	return nil
}

// retryable reports whether the next round may succeed where this one failed.
func retryable(err *apiError) bool {
	switch {
	case err.Status >= 500, err.Status == http.StatusTooManyRequests:
		return true
	default:
		return err.Body.Error == "stale_round" || err.Body.Error == "duplicate_contribution"
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func cmdWatch(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	sub, err := notify.NewSubscriber(c.String(flagEndpoint), newLogger(c))
	if err != nil {
		return err
	}
	defer sub.Close()

	err = sub.Listen(ctx, func(a notify.Announcement) error {
		return printJSON(a)
	})
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// auditTopics maps the audit command's topic names to kafka topics and
// empty events of their type.
var auditTopics = map[string]struct {
	topic    string
	newEvent func() messaging.Event
}{
	"contributions": {messaging.TopicContributions, func() messaging.Event { return &messaging.ContributionEvent{} }},
	"rounds":        {messaging.TopicRounds, func() messaging.Event { return &messaging.RoundEvent{} }},
	"rewards":       {messaging.TopicRewards, func() messaging.Event { return &messaging.RewardEvent{} }},
}

func cmdAudit(c *cli.Context) error {
	t, ok := auditTopics[c.String(flagTopic)]
	if !ok {
		return fmt.Errorf("unknown topic %q", c.String(flagTopic))
	}
	group := c.String(flagGroup)
	if group == "" {
		group = messaging.GroupAudit
	}

	ctx, cancel := signalContext()
	defer cancel()

	kafka := messaging.NewKafkaClient(splitList(c.String(flagBrokers)), newLogger(c))
	defer kafka.Close()

	err := kafka.StartConsumer(ctx, t.topic, group, t.newEvent,
		messaging.HandlerFunc(func(_ context.Context, key string, ev messaging.Event) error {
			return printJSON(map[string]any{"key": key, "event": ev})
		}))
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// proofResult reports whether one archived leaf hashes up to the attestation.
type proofResult struct {
	LeafIndex  int    `json:"leaf_index"`
	Nonce      uint64 `json:"nonce"`
	Difficulty uint32 `json:"difficulty"`
	Leaf       string `json:"leaf"`
	Verified   bool   `json:"verified"`
}

func verifyProofs(root [32]byte, proofs []postgres.ArchivedContribution) []proofResult {
	out := make([]proofResult, 0, len(proofs))
	for _, p := range proofs {
		branch := make([]chainhash.Hash, len(p.Branch))
		for i := range p.Branch {
			branch[i] = p.Branch[i]
		}
		out = append(out, proofResult{
			LeafIndex:  p.LeafIndex,
			Nonce:      p.Contribution.Solution.Nonce(),
			Difficulty: p.Contribution.Difficulty,
			Leaf:       hex.EncodeToString(p.Leaf[:]),
			Verified:   submission.VerifyBranch(p.Leaf, p.LeafIndex, branch, root),
		})
	}
	return out
}

func cmdProof(c *cli.Context) error {
	db, err := openLedger(c)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	rounds := postgres.NewRoundRepository(db.DB())
	roundID, memberID := c.Uint64(flagRound), c.Uint64(flagMember)
	root, err := rounds.Attestation(ctx, roundID)
	if err != nil {
		return err
	}
	proofs, err := rounds.ContributionProof(ctx, roundID, memberID)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		return fmt.Errorf("member %d has no contributions in round %d", memberID, roundID)
	}

	results := verifyProofs(root, proofs)
	if err := printJSON(map[string]any{
		"round_id":    roundID,
		"member_id":   memberID,
		"attestation": hex.EncodeToString(root[:]),
		"leaves":      results,
	}); err != nil {
		return err
	}
	for _, r := range results {
		if !r.Verified {
			return fmt.Errorf("leaf %d does not match the attestation", r.LeafIndex)
		}
	}
	return nil
}

// claimInstruction builds the claim a member signs to withdraw amount into
// the beneficiary token account.
func claimInstruction(programID, operator, miningProgramID, mint, authority, beneficiary pool.Pubkey, amount uint64) (program.Instruction, error) {
	poolAddr, _, err := program.PoolAddress(operator, programID)
	if err != nil {
		return program.Instruction{}, err
	}
	memberAddr, _, err := program.MemberAddress(authority, poolAddr, programID)
	if err != nil {
		return program.Instruction{}, err
	}
	proofAddr, _, err := program.ProofAddress(poolAddr, miningProgramID)
	if err != nil {
		return program.Instruction{}, err
	}
	treasury, _, err := program.TreasuryAddress(miningProgramID)
	if err != nil {
		return program.Instruction{}, err
	}
	treasuryTokens, err := program.AssociatedTokenAddress(treasury, mint)
	if err != nil {
		return program.Instruction{}, err
	}
	return program.Claim(programID, program.ClaimAccounts{
		Authority:      authority,
		Beneficiary:    beneficiary,
		Member:         memberAddr,
		Pool:           poolAddr,
		Proof:          proofAddr,
		Treasury:       treasury,
		TreasuryTokens: treasuryTokens,
		MiningProgram:  miningProgramID,
	}, program.ClaimArgs{Amount: amount}), nil
}

// ledger debits member balances.
type ledger interface {
	GetByAuthority(ctx context.Context, authority pool.Pubkey) (*pool.Member, error)
	Claim(ctx context.Context, memberID, amount uint64) (uint64, error)
}

// debitClaim debits the member registered for authority and returns its id
// and remaining balance.
func debitClaim(ctx context.Context, l ledger, authority pool.Pubkey, amount uint64) (uint64, uint64, error) {
	member, err := l.GetByAuthority(ctx, authority)
	if err != nil {
		return 0, 0, err
	}
	balance, err := l.Claim(ctx, member.ID, amount)
	if err != nil {
		return member.ID, 0, err
	}
	return member.ID, balance, nil
}

func cmdClaim(c *cli.Context) error {
	programID, err := requirePubkey(c, flagProgram)
	if err != nil {
		return err
	}
	operator, err := requirePubkey(c, flagOperator)
	if err != nil {
		return err
	}
	miningProgramID, err := requirePubkey(c, flagOreProgram)
	if err != nil {
		return err
	}
	mint, err := requirePubkey(c, flagMint)
	if err != nil {
		return err
	}
	authority, err := requirePubkey(c, flagAuthority)
	if err != nil {
		return err
	}
	var beneficiary pool.Pubkey
	if b, err := optionalPubkey(c, flagBeneficiary); err != nil {
		return err
	} else if b != nil {
		beneficiary = *b
	} else if beneficiary, err = program.AssociatedTokenAddress(authority, mint); err != nil {
		return err
	}
	amount := c.Uint64(flagAmount)
	if amount == 0 {
		return fmt.Errorf("--%s must be positive", flagAmount)
	}

	ix, err := claimInstruction(programID, operator, miningProgramID, mint, authority, beneficiary, amount)
	if err != nil {
		return err
	}
	extra := map[string]any{}
	if c.String(flagPostgres) != "" {
		db, err := openLedger(c)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := signalContext()
		defer cancel()
		memberID, balance, err := debitClaim(ctx, postgres.NewMemberRepository(db.DB()), authority, amount)
		if err != nil {
			return err
		}
		extra["member_id"] = memberID
		extra["balance"] = balance
	}
	return printInstruction(ix, extra)
}

// initializeInstruction builds the operator's pool initialize instruction.
func initializeInstruction(programID, operator, miner, miningProgramID pool.Pubkey) (program.Instruction, error) {
	poolAddr, bump, err := program.PoolAddress(operator, programID)
	if err != nil {
		return program.Instruction{}, err
	}
	proofAddr, _, err := program.ProofAddress(poolAddr, miningProgramID)
	if err != nil {
		return program.Instruction{}, err
	}
	return program.Initialize(programID, program.InitializeAccounts{
		Operator:      operator,
		Miner:         miner,
		Pool:          poolAddr,
		Proof:         proofAddr,
		MiningProgram: miningProgramID,
	}, program.InitializeArgs{PoolBump: bump}), nil
}

func cmdEncodeInitialize(c *cli.Context) error {
	programID, err := requirePubkey(c, flagProgram)
	if err != nil {
		return err
	}
	operator, err := requirePubkey(c, flagOperator)
	if err != nil {
		return err
	}
	miningProgramID, err := requirePubkey(c, flagOreProgram)
	if err != nil {
		return err
	}
	miner := operator
	if m, err := optionalPubkey(c, flagMiner); err != nil {
		return err
	} else if m != nil {
		miner = *m
	}

	ix, err := initializeInstruction(programID, operator, miner, miningProgramID)
	if err != nil {
		return err
	}
	return printInstruction(ix, nil)
}

func openLedger(c *cli.Context) (*postgres.Client, error) {
	url := c.String(flagPostgres)
	if url == "" {
		return nil, fmt.Errorf("--%s is required", flagPostgres)
	}
	return postgres.NewClient(&postgres.Config{URL: url, MaxOpenConns: 2, MaxIdleConns: 1, MaxLifetime: time.Minute})
}

func requirePubkey(c *cli.Context, name string) (pool.Pubkey, error) {
	pk, err := optionalPubkey(c, name)
	if err != nil {
		return pool.Pubkey{}, err
	}
	if pk == nil {
		return pool.Pubkey{}, fmt.Errorf("--%s is required", name)
	}
	return *pk, nil
}

func optionalPubkey(c *cli.Context, name string) (*pool.Pubkey, error) {
	s := c.String(name)
	if s == "" {
		return nil, nil
	}
	pk, err := pool.ParsePubkey(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &pk, nil
}

// submitInstruction builds the operator's Submit for a round's best solution.
func submitInstruction(programID, operator, miningProgramID pool.Pubkey, roundID uint64, attestation [32]byte, sol pool.Solution) (program.Instruction, error) {
	poolAddr, _, err := program.PoolAddress(operator, programID)
	if err != nil {
		return program.Instruction{}, err
	}
	proofAddr, _, err := program.ProofAddress(poolAddr, miningProgramID)
	if err != nil {
		return program.Instruction{}, err
	}
	batchAddr, bump, err := program.BatchAddress(poolAddr, roundID, programID)
	if err != nil {
		return program.Instruction{}, err
	}
	return program.Submit(programID, operator, poolAddr, proofAddr, batchAddr, program.SubmitArgs{
		Attestation: attestation,
		BatchBump:   bump,
		Digest:      sol.D,
		Nonce:       sol.N,
	}), nil
}

func cmdEncodeSubmit(c *cli.Context) error {
	programID, err := requirePubkey(c, flagProgram)
	if err != nil {
		return err
	}
	operator, err := requirePubkey(c, flagOperator)
	if err != nil {
		return err
	}
	miningProgramID, err := requirePubkey(c, flagOreProgram)
	if err != nil {
		return err
	}

	var attestation [32]byte
	if err := decodeHexFlag(c, flagAttestation, attestation[:]); err != nil {
		return err
	}
	var digest [16]byte
	if err := decodeHexFlag(c, flagDigest, digest[:]); err != nil {
		return err
	}
	sol := pool.NewSolution(digest, c.Uint64(flagNonce))

	ix, err := submitInstruction(programID, operator, miningProgramID, c.Uint64(flagRound), attestation, sol)
	if err != nil {
		return err
	}
	return printInstruction(ix, nil)
}

func cmdDecodeMember(c *cli.Context) error {
	programID, err := requirePubkey(c, flagProgram)
	if err != nil {
		return err
	}
	data := c.Args().First()
	if data == "" {
		return fmt.Errorf("usage: poolctl decode-member --%s ID BASE64", flagProgram)
	}
	id, err := program.DecodeMemberID(&program.ReturnData{ProgramID: programID, Data: data}, programID)
	if err != nil {
		return err
	}
	return printJSON(map[string]uint64{"member_id": id})
}

func printInstruction(ix program.Instruction, extra map[string]any) error {
	accounts := make([]string, len(ix.Accounts))
	for i, a := range ix.Accounts {
		accounts[i] = a.Pubkey.String()
	}
	out := map[string]any{
		"program":  ix.ProgramID.String(),
		"accounts": accounts,
		"data":     hex.EncodeToString(ix.Data),
	}
	for k, v := range extra {
		out[k] = v
	}
	return printJSON(out)
}

func decodeHexFlag(c *cli.Context, name string, dst []byte) error {
	raw, err := hex.DecodeString(c.String(name))
	if err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("--%s must be %d bytes, got %d", name, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
