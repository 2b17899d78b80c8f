package attestation

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SortedPairHash hashes two nodes in ascending byte order.
func SortedPairHash(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// VerifyProof checks that leaf is included in the tree with the given root.
func VerifyProof(proof []common.Hash, root, leaf common.Hash) bool {
	h := leaf
	for _, sibling := range proof {
		h = SortedPairHash(h, sibling)
	}
	return h == root
}

// MerkleTree is a binary tree over sorted, de-duplicated leaves. Pairs are hashed in sorted
// order and an odd node at the end of a level is carried up unchanged.
type MerkleTree struct {
	levels [][]common.Hash
}

// NewMerkleTree builds a tree from the given leaves.
func NewMerkleTree(leaves []common.Hash) *MerkleTree {
	sorted := make([]common.Hash, 0, len(leaves))
	seen := make(map[common.Hash]struct{}, len(leaves))
	for _, l := range leaves {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		sorted = append(sorted, l)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	t := &MerkleTree{levels: [][]common.Hash{sorted}}
	for level := sorted; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, SortedPairHash(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the tree root, or the zero hash for an empty tree.
func (t *MerkleTree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return common.Hash{}
	}
	return top[0]
}

// Leaves returns the sorted leaves.
func (t *MerkleTree) Leaves() []common.Hash {
	return append([]common.Hash(nil), t.levels[0]...)
}

// Proof returns the Merkle path for leaf, or false if the leaf is not in the tree.
func (t *MerkleTree) Proof(leaf common.Hash) ([]common.Hash, bool) {
	idx := -1
	for i, l := range t.levels[0] {
		if l == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	var proof []common.Hash
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		idx /= 2
	}
	return proof, true
}
