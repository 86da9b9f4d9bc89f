package validation

import (
	"crypto/ed25519"
	"errors"
	"math"
	"testing"

	"github.com/bardlex/orepool/internal/pool"
)

type member struct {
	authority pool.Pubkey
	key       ed25519.PrivateKey
}

func newMember(t *testing.T) member {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	var pk pool.Pubkey
	copy(pk[:], pub)
	return member{authority: pk, key: priv}
}

func (m member) sign(sol pool.Solution) Submission {
	var sig pool.Signature
	copy(sig[:], ed25519.Sign(m.key, sol.Bytes()))
	return Submission{Authority: m.authority, Solution: sol, Signature: sig}
}

// findExact returns the first valid solution in [start, ...) with exactly the
// given difficulty.
func findExact(t *testing.T, target [32]byte, start uint64, difficulty uint32) pool.Solution {
	t.Helper()
	for nonce := start; nonce < start+1<<22; nonce++ {
		sol := pool.NewSolution([16]byte{}, nonce)
		sol.D = ExpectedDigest(target, sol.N)
		if Difficulty(sol) == difficulty {
			return sol
		}
	}
	t.Fatalf("no solution of difficulty %d found", difficulty)
	return pool.Solution{}
}

func testChallenge() pool.Challenge {
	ch := pool.Challenge{MinDifficulty: 10, RoundID: 1}
	copy(ch.Target[:], "challenge-one-target-bytes-32...")
	return ch
}

func fullRange(ch pool.Challenge) *pool.NonceRange {
	return &pool.NonceRange{RoundID: ch.RoundID, Start: 0, End: math.MaxUint64}
}

func TestLeadingZeroBits(t *testing.T) {
	tests := []struct {
		name string
		hash [32]byte
		want uint32
	}{
		{"none", [32]byte{0x80}, 0},
		{"one", [32]byte{0x40}, 1},
		{"byte and a half", [32]byte{0x00, 0x0f}, 12},
		{"all zero", [32]byte{}, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := leadingZeroBits(tt.hash); got != tt.want {
				t.Errorf("leadingZeroBits() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	ch := testChallenge()
	alice := newMember(t)
	mallory := newMember(t)
	v := NewContributionValidator(nil)

	good := findExact(t, ch.Target, 0, 12)
	weak := findExact(t, ch.Target, 0, 8)

	badDigest := good
	badDigest.D[0] ^= 0xff
	// re-mine a nonce whose bogus digest still clears the difficulty bar
	for n := uint64(0); ; n++ {
		candidate := pool.NewSolution(badDigest.D, n)
		if Difficulty(candidate) >= ch.MinDifficulty {
			badDigest = candidate
			break
		}
	}

	forged := alice.sign(good)
	forged.Authority = mallory.authority

	narrow := &pool.NonceRange{RoundID: ch.RoundID, Start: good.Nonce() + 1, End: good.Nonce() + 100}
	otherRound := &pool.NonceRange{RoundID: ch.RoundID + 1, Start: 0, End: math.MaxUint64}

	tests := []struct {
		name      string
		sub       Submission
		allocated *pool.NonceRange
		wantErr   error
		wantDiff  uint32
	}{
		{"valid", alice.sign(good), fullRange(ch), nil, 12},
		{"forged authority", forged, fullRange(ch), pool.ErrUnauthorized, 0},
		{"below minimum", alice.sign(weak), fullRange(ch), pool.ErrBelowMinDifficulty, 0},
		{"digest mismatch", alice.sign(badDigest), fullRange(ch), pool.ErrInvalidDigest, 0},
		{"outside range", alice.sign(good), narrow, pool.ErrNonceOutOfRange, 0},
		{"no allocation", alice.sign(good), nil, pool.ErrNonceOutOfRange, 0},
		{"allocation of another round", alice.sign(good), otherRound, pool.ErrNonceOutOfRange, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(ch, tt.sub, tt.allocated)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if res.Difficulty != tt.wantDiff {
				t.Errorf("Difficulty = %d, want %d", res.Difficulty, tt.wantDiff)
			}
			if res.Score.Int64() != 1<<tt.wantDiff {
				t.Errorf("Score = %v, want %d", res.Score, 1<<tt.wantDiff)
			}
		})
	}
}

func TestValidate_SignatureCheckedFirst(t *testing.T) {
	ch := testChallenge()
	alice := newMember(t)
	weak := findExact(t, ch.Target, 0, 3)

	sub := alice.sign(weak)
	sub.Signature[0] ^= 1

	_, err := NewContributionValidator(nil).Validate(ch, sub, nil)
	if !errors.Is(err, pool.ErrUnauthorized) {
		t.Errorf("Validate() error = %v, want ErrUnauthorized before any other check", err)
	}
}

func TestValidate_CustomDigest(t *testing.T) {
	ch := testChallenge()
	ch.MinDifficulty = 0
	alice := newMember(t)

	calls := 0
	v := NewContributionValidator(DigestFunc(func(target [32]byte, n [8]byte, d [16]byte) bool {
		calls++
		return target == ch.Target && d[0] == 0x42
	}))

	sol := pool.NewSolution([16]byte{0x42}, 5)
	if _, err := v.Validate(ch, alice.sign(sol), fullRange(ch)); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("digest verifier called %d times, want 1", calls)
	}
}

func TestSearch(t *testing.T) {
	ch := testChallenge()
	r := pool.NonceRange{Start: 1 << 40, End: 1<<40 + 1<<20}

	sol, d, ok := Search(ch.Target, r, 8, 1<<20)
	if !ok {
		t.Fatal("Search() found nothing")
	}
	if d < 8 || Difficulty(sol) != d {
		t.Errorf("Search() difficulty = %d", d)
	}
	if !r.Contains(sol.Nonce()) {
		t.Errorf("Search() nonce %d outside range", sol.Nonce())
	}
	if !(ChainhashDigest{}).Verify(ch.Target, sol.N, sol.D) {
		t.Error("Search() produced an invalid digest")
	}

	if _, _, ok := Search(ch.Target, pool.NonceRange{Start: 0, End: 4}, 64, 4); ok {
		t.Error("Search() should give up on a tiny range")
	}
}
