package program

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/bardlex/orepool/internal/pool"
)

const (
	maxSeeds      = 16
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

// Seeds of the pool program accounts.
var (
	SeedPool   = []byte("pool")
	SeedMember = []byte("member")
	SeedBatch  = []byte("batch")
	SeedProof  = []byte("proof")

	// SeedTreasury derives the treasury under the mining program.
	SeedTreasury = []byte("treasury")
)

// SystemProgramID is the all-zero system program address.
var SystemProgramID pool.Pubkey

// Well-known programs and sysvars referenced by pool instructions.
var (
	TokenProgramID           = mustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = mustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	SlotHashesSysvarID       = mustPubkey("SysvarS1otHashes111111111111111111111111111")
)

func mustPubkey(s string) pool.Pubkey {
	pk, err := pool.ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// ErrNoViableBump is returned when every bump seed yields an on-curve address.
var ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

var errOnCurve = errors.New("derived address lies on the ed25519 curve")

// CreateProgramAddress derives the address for seeds under programID. It
// fails when the result is a valid curve point, which could have a private key.
func CreateProgramAddress(seeds [][]byte, programID pool.Pubkey) (pool.Pubkey, error) {
	if len(seeds) > maxSeeds {
		return pool.Pubkey{}, fmt.Errorf("too many seeds: %d > %d", len(seeds), maxSeeds)
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > maxSeedLength {
			return pool.Pubkey{}, fmt.Errorf("seed of %d bytes exceeds %d", len(seed), maxSeedLength)
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var addr pool.Pubkey
	copy(addr[:], h.Sum(nil))
	if IsOnCurve(addr) {
		return pool.Pubkey{}, errOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bump seeds from 255 down for the first
// off-curve address.
func FindProgramAddress(seeds [][]byte, programID pool.Pubkey) (pool.Pubkey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, errOnCurve) {
			return pool.Pubkey{}, 0, err
		}
	}
	return pool.Pubkey{}, 0, ErrNoViableBump
}

// IsOnCurve reports whether b decodes to an ed25519 point.
func IsOnCurve(b pool.Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(b[:])
	return err == nil
}

// PoolAddress derives the pool account of an operator.
func PoolAddress(operator, programID pool.Pubkey) (pool.Pubkey, uint8, error) {
	return FindProgramAddress([][]byte{SeedPool, operator[:]}, programID)
}

// MemberAddress derives the member account of an authority in a pool.
func MemberAddress(authority, poolAddr, programID pool.Pubkey) (pool.Pubkey, uint8, error) {
	return FindProgramAddress([][]byte{SeedMember, authority[:], poolAddr[:]}, programID)
}

// BatchAddress derives the batch account holding a round's attestation.
func BatchAddress(poolAddr pool.Pubkey, roundID uint64, programID pool.Pubkey) (pool.Pubkey, uint8, error) {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], roundID)
	return FindProgramAddress([][]byte{SeedBatch, poolAddr[:], id[:]}, programID)
}

// ProofAddress derives the mining proof account owned by the pool under the
// mining program.
func ProofAddress(poolAddr, miningProgramID pool.Pubkey) (pool.Pubkey, uint8, error) {
	return FindProgramAddress([][]byte{SeedProof, poolAddr[:]}, miningProgramID)
}

// TreasuryAddress derives the mining program's treasury.
func TreasuryAddress(miningProgramID pool.Pubkey) (pool.Pubkey, uint8, error) {
	return FindProgramAddress([][]byte{SeedTreasury}, miningProgramID)
}

// AssociatedTokenAddress derives the canonical token account of owner for mint.
func AssociatedTokenAddress(owner, mint pool.Pubkey) (pool.Pubkey, error) {
	addr, _, err := FindProgramAddress([][]byte{owner[:], TokenProgramID[:], mint[:]}, AssociatedTokenProgramID)
	return addr, err
}
