package validation

import (
	"math/big"

	"github.com/bardlex/orepool/internal/pool"
)

// Submission is a signed solution as received from a member.
type Submission struct {
	Authority pool.Pubkey
	Solution  pool.Solution
	Signature pool.Signature
}

// Result is the outcome of a successful validation.
type Result struct {
	Difficulty uint32
	Score      *big.Int
}
