// Package submission turns a drained round into the on-chain Submit payload
// and the per-member reward split.
package submission

import (
	"fmt"
	"math/big"
	"math/bits"
	"sort"

	"github.com/bardlex/orepool/internal/aggregator"
	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/program"
)

// Config configures a Builder.
type Config struct {
	ProgramID   pool.Pubkey
	Pool        pool.Pubkey
	RoundReward uint64
	FeeBps      uint64 // pool fee in basis points
}

// Plan is everything needed to submit a round and credit its contributors.
type Plan struct {
	RoundID      uint64
	Best         pool.Contribution
	Attestation  [32]byte
	BatchAddress pool.Pubkey
	Args         program.SubmitArgs
	Rewards      []pool.RewardDelta // sorted by member id
	Budget       uint64
	PoolFee      uint64
	TotalScore   *big.Int

	// Leaves are the contributions in attestation order; Branches[i] proves
	// LeafHashes[i] against Attestation.
	Leaves     []pool.Contribution
	LeafHashes [][32]byte
	Branches   [][][32]byte
}

// Builder builds submission plans from closed rounds.
type Builder struct {
	cfg Config
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.FeeBps > 10_000 {
		return nil, fmt.Errorf("fee of %d bps exceeds 100%%", cfg.FeeBps)
	}
	return &Builder{cfg: cfg}, nil
}

// Build returns the plan for round. ok is false when the round has no
// contributions, in which case nothing should be submitted.
func (b *Builder) Build(round *aggregator.ClosedRound) (plan *Plan, ok bool, err error) {
	if round == nil || round.Empty() {
		return nil, false, nil
	}
	best, found := round.BestContribution()
	if !found {
		return nil, false, fmt.Errorf("round %d has contributions but no best pointer", round.RoundID())
	}

	leaves, ordered := OrderedLeaves(round.Contributions)
	root := MerkleRoot(leaves)

	batch, bump, err := program.BatchAddress(b.cfg.Pool, round.RoundID(), b.cfg.ProgramID)
	if err != nil {
		return nil, false, fmt.Errorf("derive batch address: %w", err)
	}

	hi, lo := bits.Mul64(b.cfg.RoundReward, b.cfg.FeeBps)
	fee, _ := bits.Div64(hi, lo, 10_000)
	budget := b.cfg.RoundReward - fee
	total := new(big.Int)
	scores := round.ScoresByMember()
	for _, s := range scores {
		total.Add(total, s)
	}

	plan = &Plan{
		RoundID:      round.RoundID(),
		Best:         best,
		Attestation:  root,
		BatchAddress: batch,
		Args: program.SubmitArgs{
			Attestation: root,
			BatchBump:   bump,
			Digest:      best.Solution.D,
			Nonce:       best.Solution.N,
		},
		Rewards:    SplitRewards(round.RoundID(), budget, scores),
		Budget:     budget,
		PoolFee:    fee,
		TotalScore: total,
		Leaves:     ordered,
		LeafHashes: make([][32]byte, len(leaves)),
		Branches:   make([][][32]byte, len(leaves)),
	}
	for i := range leaves {
		plan.LeafHashes[i] = leaves[i]
		for _, h := range MerkleBranch(leaves, i) {
			plan.Branches[i] = append(plan.Branches[i], h)
		}
	}
	return plan, true, nil
}

// SplitRewards divides budget among members in proportion to their scores.
// Floors are taken first and the remainder goes one unit at a time to the
// largest fractional parts, ties to the lower member id, so the shares sum to
// budget exactly.
func SplitRewards(roundID, budget uint64, scores map[uint64]*big.Int) []pool.RewardDelta {
	total := new(big.Int)
	for _, s := range scores {
		total.Add(total, s)
	}
	if total.Sign() == 0 || budget == 0 {
		return nil
	}

	type share struct {
		memberID uint64
		amount   uint64
		rem      *big.Int
	}
	shares := make([]share, 0, len(scores))
	bigBudget := new(big.Int).SetUint64(budget)
	var distributed uint64
	for memberID, s := range scores {
		num := new(big.Int).Mul(bigBudget, s)
		q, r := new(big.Int).QuoRem(num, total, new(big.Int))
		amount := q.Uint64()
		distributed += amount
		shares = append(shares, share{memberID: memberID, amount: amount, rem: r})
	}

	sort.Slice(shares, func(i, j int) bool {
		if c := shares[i].rem.Cmp(shares[j].rem); c != 0 {
			return c > 0
		}
		return shares[i].memberID < shares[j].memberID
	})
	for i := uint64(0); i < budget-distributed; i++ {
		shares[i%uint64(len(shares))].amount++
	}

	out := make([]pool.RewardDelta, 0, len(shares))
	for _, s := range shares {
		if s.amount == 0 {
			continue
		}
		out = append(out, pool.RewardDelta{RoundID: roundID, MemberID: s.memberID, Amount: s.amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}
