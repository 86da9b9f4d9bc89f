// Package validation checks member contributions against a challenge snapshot.
// Validation is pure and runs outside the aggregator lock.
package validation

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/sha3"

	"github.com/bardlex/orepool/internal/pool"
)

// DigestVerifier is the proof-of-work function binding a solution to a target.
type DigestVerifier interface {
	Verify(target [32]byte, n [8]byte, d [16]byte) bool
}

// DigestFunc adapts a function to DigestVerifier.
type DigestFunc func(target [32]byte, n [8]byte, d [16]byte) bool

// Verify implements DigestVerifier.
func (f DigestFunc) Verify(target [32]byte, n [8]byte, d [16]byte) bool {
	return f(target, n, d)
}

// ChainhashDigest is the default verifier: d must equal the first 16 bytes of
// double-SHA256(target || n).
type ChainhashDigest struct{}

// Verify implements DigestVerifier.
func (ChainhashDigest) Verify(target [32]byte, n [8]byte, d [16]byte) bool {
	want := ExpectedDigest(target, n)
	return bytes.Equal(want[:], d[:])
}

// ExpectedDigest returns the digest ChainhashDigest accepts for nonce n.
func ExpectedDigest(target [32]byte, n [8]byte) [16]byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, target[:]...)
	buf = append(buf, n[:]...)

	var d [16]byte
	copy(d[:], chainhash.DoubleHashB(buf))
	return d
}

// SolutionHash returns keccak-256 of the solution's canonical bytes.
func SolutionHash(s pool.Solution) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(s.Bytes())

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Difficulty returns the number of leading zero bits of the solution hash.
func Difficulty(s pool.Solution) uint32 {
	return leadingZeroBits(SolutionHash(s))
}

func leadingZeroBits(h [32]byte) uint32 {
	var n uint32
	for _, b := range h {
		if b != 0 {
			return n + uint32(bits.LeadingZeros8(b))
		}
		n += 8
	}
	return n
}

// ContributionValidator checks signature, difficulty, digest and nonce range,
// in that order.
type ContributionValidator struct {
	digest DigestVerifier
}

// NewContributionValidator creates a validator. A nil verifier uses ChainhashDigest.
func NewContributionValidator(digest DigestVerifier) *ContributionValidator {
	if digest == nil {
		digest = ChainhashDigest{}
	}
	return &ContributionValidator{digest: digest}
}

// Validate checks sub against the challenge snapshot. allocated is the range
// assigned to the submitting member for the challenge's round; nil means the
// member holds no allocation.
func (v *ContributionValidator) Validate(ch pool.Challenge, sub Submission, allocated *pool.NonceRange) (Result, error) {
	if err := v.validateSignature(sub); err != nil {
		return Result{}, err
	}

	difficulty := Difficulty(sub.Solution)
	if difficulty < ch.MinDifficulty {
		return Result{}, fmt.Errorf("%w: %d < %d", pool.ErrBelowMinDifficulty, difficulty, ch.MinDifficulty)
	}

	if !v.digest.Verify(ch.Target, sub.Solution.N, sub.Solution.D) {
		return Result{}, pool.ErrInvalidDigest
	}

	if err := validateRange(ch, sub.Solution.Nonce(), allocated); err != nil {
		return Result{}, err
	}

	return Result{Difficulty: difficulty, Score: pool.Score(difficulty)}, nil
}

func (v *ContributionValidator) validateSignature(sub Submission) error {
	if !sub.Signature.Verify(sub.Authority, sub.Solution.Bytes()) {
		return pool.ErrUnauthorized
	}
	return nil
}

func validateRange(ch pool.Challenge, nonce uint64, allocated *pool.NonceRange) error {
	if allocated == nil {
		return fmt.Errorf("%w: no allocation for round %d", pool.ErrNonceOutOfRange, ch.RoundID)
	}
	if allocated.RoundID != ch.RoundID {
		return fmt.Errorf("%w: allocation belongs to round %d", pool.ErrNonceOutOfRange, allocated.RoundID)
	}
	if !allocated.Contains(nonce) {
		return fmt.Errorf("%w: %d not in [%d, %d)", pool.ErrNonceOutOfRange, nonce, allocated.Start, allocated.End)
	}
	return nil
}

// Search scans r for the first nonce whose solution reaches minDifficulty under
// ChainhashDigest. It gives up after limit nonces.
func Search(target [32]byte, r pool.NonceRange, minDifficulty uint32, limit uint64) (pool.Solution, uint32, bool) {
	for i, nonce := uint64(0), r.Start; i < limit && nonce < r.End; i, nonce = i+1, nonce+1 {
		sol := pool.NewSolution([16]byte{}, nonce)
		sol.D = ExpectedDigest(target, sol.N)
		if d := Difficulty(sol); d >= minDifficulty {
			return sol, d, true
		}
	}
	return pool.Solution{}, 0, false
}
