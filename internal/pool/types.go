// Package pool defines the domain types shared by the coordinator components.
package pool

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Pubkey is a 32-byte ed25519 public key or program address.
type Pubkey [32]byte

// ParsePubkey decodes a base58 public key.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw := base58.Decode(s)
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("invalid public key %q: decoded %d bytes", s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether p is all zeros.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Signature is a 64-byte ed25519 signature.
type Signature [64]byte

// ParseSignature decodes a base58 signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	raw := base58.Decode(s)
	if len(raw) != len(sig) {
		return sig, fmt.Errorf("invalid signature: decoded %d bytes", len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

func (s Signature) String() string {
	return base58.Encode(s[:])
}

// Verify checks s against message under authority.
func (s Signature) Verify(authority Pubkey, message []byte) bool {
	return ed25519.Verify(authority[:], message, s[:])
}

// Challenge is the proof-of-work target of one round. It is replaced, never
// mutated, on rotation.
type Challenge struct {
	Target        [32]byte
	MinDifficulty uint32
	RoundID       uint64
	StartedAt     time.Time
}

// SolutionSize is the length of a solution's canonical encoding.
const SolutionSize = 24

// Solution is a (digest, nonce) pair found by a member.
type Solution struct {
	D [16]byte
	N [8]byte
}

// NewSolution builds a solution from a digest and a numeric nonce.
func NewSolution(d [16]byte, nonce uint64) Solution {
	s := Solution{D: d}
	binary.LittleEndian.PutUint64(s.N[:], nonce)
	return s
}

// Bytes returns the canonical encoding d || n. Signatures are made over it.
func (s Solution) Bytes() []byte {
	out := make([]byte, 0, SolutionSize)
	out = append(out, s.D[:]...)
	return append(out, s.N[:]...)
}

// Nonce returns n as a little-endian integer.
func (s Solution) Nonce() uint64 {
	return binary.LittleEndian.Uint64(s.N[:])
}

// Key identifies the solution inside a round.
func (s Solution) Key() [SolutionSize]byte {
	var k [SolutionSize]byte
	copy(k[:], s.D[:])
	copy(k[16:], s.N[:])
	return k
}

// NonceRange is the half-open interval [Start, End) assigned to a member for a round.
type NonceRange struct {
	MemberID uint64
	RoundID  uint64
	Start    uint64
	End      uint64
}

// Contains reports whether nonce lies in the range.
func (r NonceRange) Contains(nonce uint64) bool {
	return nonce >= r.Start && nonce < r.End
}

// Overlaps reports whether r and o share at least one nonce.
func (r NonceRange) Overlaps(o NonceRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Size returns the number of nonces in the range.
func (r NonceRange) Size() uint64 {
	return r.End - r.Start
}

// Score returns 2^difficulty.
func Score(difficulty uint32) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(difficulty))
}

// Contribution is a validated solution recorded for a round.
type Contribution struct {
	MemberID   uint64
	Authority  Pubkey
	RoundID    uint64
	Solution   Solution
	Difficulty uint32
	ReceivedAt time.Time
}

// Score returns the contribution's score.
func (c Contribution) Score() *big.Int {
	return Score(c.Difficulty)
}

// Member is a registered pool participant.
type Member struct {
	ID           uint64
	Pool         Pubkey
	Authority    Pubkey
	Balance      uint64
	TotalBalance uint64
	CreatedAt    time.Time
}

// RewardDelta is the amount credited to a member for one round.
type RewardDelta struct {
	RoundID  uint64
	MemberID uint64
	Amount   uint64
}
