package submission

import (
	"encoding/binary"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/orepool/internal/pool"
)

// Leaf hashes one contribution into the attestation tree:
// double-SHA256(authority || member_id LE || d || n || difficulty LE).
func Leaf(c pool.Contribution) chainhash.Hash {
	buf := make([]byte, 0, 32+8+pool.SolutionSize+4)
	buf = append(buf, c.Authority[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, c.MemberID)
	buf = append(buf, c.Solution.Bytes()...)
	buf = binary.LittleEndian.AppendUint32(buf, c.Difficulty)
	return chainhash.DoubleHashH(buf)
}

// OrderedLeaves returns the leaves of contributions sorted by member id, then
// nonce, so the attestation does not depend on arrival order.
func OrderedLeaves(contributions []pool.Contribution) ([]chainhash.Hash, []pool.Contribution) {
	sorted := make([]pool.Contribution, len(contributions))
	copy(sorted, contributions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].MemberID != sorted[j].MemberID {
			return sorted[i].MemberID < sorted[j].MemberID
		}
		return sorted[i].Solution.Nonce() < sorted[j].Solution.Nonce()
	})

	leaves := make([]chainhash.Hash, len(sorted))
	for i, c := range sorted {
		leaves[i] = Leaf(c)
	}
	return leaves, sorted
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

func nextLevel(level []chainhash.Hash) []chainhash.Hash {
	next := make([]chainhash.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(level[i], right))
	}
	return next
}

// MerkleRoot computes the root of leaves. An odd node is paired with itself.
func MerkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}
	level := leaves
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// MerkleBranch returns the sibling path of leaves[index] up to the root.
func MerkleBranch(leaves []chainhash.Hash, index int) []chainhash.Hash {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	var branch []chainhash.Hash
	level := leaves
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index
		}
		branch = append(branch, level[sibling])
		level = nextLevel(level)
		index /= 2
	}
	return branch
}

// VerifyBranch checks that leaf at index hashes up to root through branch.
func VerifyBranch(leaf chainhash.Hash, index int, branch []chainhash.Hash, root chainhash.Hash) bool {
	h := leaf
	for _, sibling := range branch {
		if index%2 == 0 {
			h = hashPair(h, sibling)
		} else {
			h = hashPair(sibling, h)
		}
		index /= 2
	}
	return h == root
}
