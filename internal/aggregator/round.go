package aggregator

import (
	"math/big"
	"time"

	"github.com/bardlex/orepool/internal/pool"
)

// ClosedRound is the drained state of a round. It is owned by the caller and
// no longer shared with the Aggregator.
type ClosedRound struct {
	Challenge     pool.Challenge
	Contributions []pool.Contribution // in recording order
	Best          int                 // index into Contributions, -1 when empty
	TotalScore    *big.Int
	Allocations   int
	ClosedAt      time.Time
}

// RoundID returns the id of the drained round.
func (r *ClosedRound) RoundID() uint64 {
	return r.Challenge.RoundID
}

// Empty reports whether the round has no contributions.
func (r *ClosedRound) Empty() bool {
	return len(r.Contributions) == 0
}

// BestContribution returns the highest scoring contribution.
func (r *ClosedRound) BestContribution() (pool.Contribution, bool) {
	if r.Best < 0 || r.Best >= len(r.Contributions) {
		return pool.Contribution{}, false
	}
	return r.Contributions[r.Best], true
}

// ScoresByMember sums contribution scores per member.
func (r *ClosedRound) ScoresByMember() map[uint64]*big.Int {
	scores := make(map[uint64]*big.Int)
	for _, c := range r.Contributions {
		s, ok := scores[c.MemberID]
		if !ok {
			s = new(big.Int)
			scores[c.MemberID] = s
		}
		s.Add(s, c.Score())
	}
	return scores
}
