package attestation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidChain is returned when a proof's source id differs from the expected chain.
	ErrInvalidChain = errors.New("invalid chain")
	// ErrNotProved is returned when the leaf does not resolve to the committed round root.
	ErrNotProved = errors.New("not proved")
	// ErrRootNotFound is returned by root stores for rounds without a committed root.
	ErrRootNotFound = errors.New("merkle root not found")
)

// RootStore returns the Merkle root committed for a voting round.
type RootStore interface {
	MerkleRoot(ctx context.Context, votingRound uint64) (common.Hash, error)
}

// MemoryRootStore keeps committed roots in memory.
type MemoryRootStore struct {
	mu    sync.RWMutex
	roots map[uint64]common.Hash
}

// NewMemoryRootStore creates an empty root store.
func NewMemoryRootStore() *MemoryRootStore {
	return &MemoryRootStore{roots: make(map[uint64]common.Hash)}
}

// Commit publishes the root of a voting round.
func (s *MemoryRootStore) Commit(votingRound uint64, root common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[votingRound] = root
}

// MerkleRoot implements RootStore.
func (s *MemoryRootStore) MerkleRoot(_ context.Context, votingRound uint64) (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.roots[votingRound]
	if !ok {
		return common.Hash{}, fmt.Errorf("round %d: %w", votingRound, ErrRootNotFound)
	}
	return root, nil
}

// Verifier checks proofs for one underlying chain.
type Verifier struct {
	roots    RootStore
	sourceID common.Hash
}

// NewVerifier creates a verifier accepting proofs for sourceID.
func NewVerifier(roots RootStore, sourceID common.Hash) *Verifier {
	return &Verifier{roots: roots, sourceID: sourceID}
}

// SourceID returns the chain id the verifier accepts.
func (v *Verifier) SourceID() common.Hash {
	return v.sourceID
}

// VerifyPayment verifies a Payment proof.
func (v *Verifier) VerifyPayment(ctx context.Context, p *Payment) error {
	return v.verify(ctx, p.Header, TypePayment, p.MerkleProof, p.Hash)
}

// VerifyBalanceDecreasingTransaction verifies a BalanceDecreasingTransaction proof.
func (v *Verifier) VerifyBalanceDecreasingTransaction(ctx context.Context, b *BalanceDecreasingTransaction) error {
	return v.verify(ctx, b.Header, TypeBalanceDecreasingTransaction, b.MerkleProof, b.Hash)
}

// VerifyReferencedPaymentNonexistence verifies a ReferencedPaymentNonexistence proof.
func (v *Verifier) VerifyReferencedPaymentNonexistence(ctx context.Context, r *ReferencedPaymentNonexistence) error {
	return v.verify(ctx, r.Header, TypeReferencedPaymentNonexistence, r.MerkleProof, r.Hash)
}

// VerifyConfirmedBlockHeightExists verifies a ConfirmedBlockHeightExists proof.
func (v *Verifier) VerifyConfirmedBlockHeightExists(ctx context.Context, c *ConfirmedBlockHeightExists) error {
	return v.verify(ctx, c.Header, TypeConfirmedBlockHeightExists, c.MerkleProof, c.Hash)
}

// Verify checks a proof of any supported kind. It accepts *Payment,
// *BalanceDecreasingTransaction, *ReferencedPaymentNonexistence and *ConfirmedBlockHeightExists.
func (v *Verifier) Verify(ctx context.Context, proof any) error {
	switch p := proof.(type) {
	case *Payment:
		if p != nil {
			return v.VerifyPayment(ctx, p)
		}
	case *BalanceDecreasingTransaction:
		if p != nil {
			return v.VerifyBalanceDecreasingTransaction(ctx, p)
		}
	case *ReferencedPaymentNonexistence:
		if p != nil {
			return v.VerifyReferencedPaymentNonexistence(ctx, p)
		}
	case *ConfirmedBlockHeightExists:
		if p != nil {
			return v.VerifyConfirmedBlockHeightExists(ctx, p)
		}
	default:
		return fmt.Errorf("%w: unsupported proof %T", ErrNotProved, proof)
	}
	return fmt.Errorf("%w: nil %T", ErrNotProved, proof)
}

// Valid reports whether err from one of the Verify methods is nil.
func Valid(err error) bool {
	return err == nil
}

func (v *Verifier) verify(ctx context.Context, h Header, want common.Hash, proof []common.Hash, hash func() (common.Hash, error)) error {
	if h.SourceID != v.sourceID {
		return ErrInvalidChain
	}
	if h.AttestationType != want {
		return fmt.Errorf("%w: attestation type %q", ErrNotProved, DecodeName(h.AttestationType))
	}
	leaf, err := hash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotProved, err)
	}
	root, err := v.roots.MerkleRoot(ctx, h.VotingRound)
	if err != nil {
		if errors.Is(err, ErrRootNotFound) {
			return fmt.Errorf("%w: %v", ErrNotProved, err)
		}
		return fmt.Errorf("failed to read merkle root: %w", err)
	}
	if !VerifyProof(proof, root, leaf) {
		return ErrNotProved
	}
	return nil
}
