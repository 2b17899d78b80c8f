package attestation

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Prover attests arbitrary responses by committing one voting round per proof into a
// MemoryRootStore. It stands in for the attestation network in tests and local runs.
type Prover struct {
	mu       sync.Mutex
	roots    *MemoryRootStore
	sourceID common.Hash
	round    uint64
	padding  int
}

// NewProver creates a prover committing into roots for the given source chain.
func NewProver(roots *MemoryRootStore, sourceID common.Hash) *Prover {
	return &Prover{roots: roots, sourceID: sourceID, padding: 3}
}

func (p *Prover) nextHeader(attType common.Hash, lowestUsedTimestamp uint64) Header {
	p.round++
	return Header{
		AttestationType:     attType,
		SourceID:            p.sourceID,
		VotingRound:         p.round,
		LowestUsedTimestamp: lowestUsedTimestamp,
	}
}

// commit builds a round tree containing leaf plus deterministic filler leaves and returns the path.
func (p *Prover) commit(round uint64, leaf common.Hash) ([]common.Hash, error) {
	leaves := []common.Hash{leaf}
	for i := 0; i < p.padding; i++ {
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[:8], round)
		binary.BigEndian.PutUint64(buf[8:], uint64(i))
		leaves = append(leaves, crypto.Keccak256Hash(buf[:]))
	}
	tree := NewMerkleTree(leaves)
	proof, ok := tree.Proof(leaf)
	if !ok {
		return nil, fmt.Errorf("leaf missing from round %d", round)
	}
	p.roots.Commit(round, tree.Root())
	return proof, nil
}

// ProvePayment fills in the header and Merkle proof of p.
func (p *Prover) ProvePayment(pm *Payment) (*Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := *pm
	out.Header = p.nextHeader(TypePayment, pm.BlockTimestamp)
	leaf, err := out.Hash()
	if err != nil {
		return nil, err
	}
	if out.MerkleProof, err = p.commit(out.VotingRound, leaf); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProveBalanceDecreasingTransaction fills in the header and Merkle proof of b.
func (p *Prover) ProveBalanceDecreasingTransaction(b *BalanceDecreasingTransaction) (*BalanceDecreasingTransaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := *b
	out.Header = p.nextHeader(TypeBalanceDecreasingTransaction, 0)
	leaf, err := out.Hash()
	if err != nil {
		return nil, err
	}
	if out.MerkleProof, err = p.commit(out.VotingRound, leaf); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProveReferencedPaymentNonexistence fills in the header and Merkle proof of r.
func (p *Prover) ProveReferencedPaymentNonexistence(r *ReferencedPaymentNonexistence) (*ReferencedPaymentNonexistence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := *r
	out.Header = p.nextHeader(TypeReferencedPaymentNonexistence, r.DeadlineTimestamp)
	leaf, err := out.Hash()
	if err != nil {
		return nil, err
	}
	if out.MerkleProof, err = p.commit(out.VotingRound, leaf); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProveConfirmedBlockHeightExists fills in the header and Merkle proof of c.
func (p *Prover) ProveConfirmedBlockHeightExists(c *ConfirmedBlockHeightExists) (*ConfirmedBlockHeightExists, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := *c
	out.Header = p.nextHeader(TypeConfirmedBlockHeightExists, c.BlockTimestamp)
	leaf, err := out.Hash()
	if err != nil {
		return nil, err
	}
	if out.MerkleProof, err = p.commit(out.VotingRound, leaf); err != nil {
		return nil, err
	}
	return &out, nil
}
