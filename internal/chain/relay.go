package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/attestation"
)

// FDCProtocolID is the relay protocol id under which attestation roots are committed.
const FDCProtocolID = 200

// RelayRootStore reads attestation Merkle roots from the Relay contract. It implements
// attestation.RootStore. Finalized roots never change, so they are cached.
type RelayRootStore struct {
	contract   *bind.BoundContract
	protocolID *big.Int

	mu    sync.RWMutex
	cache map[uint64]common.Hash
}

// NewRelayRootStore binds the Relay at contractAddr.
func NewRelayRootStore(client *Client, contractAddr common.Address, protocolID uint64) (*RelayRootStore, error) {
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("chain client not connected to RPC")
	}
	parsed, err := abi.JSON(strings.NewReader(RelayABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay ABI: %w", err)
	}
	backend := client.Backend()
	return &RelayRootStore{
		contract:   bind.NewBoundContract(contractAddr, parsed, backend, backend, backend),
		protocolID: new(big.Int).SetUint64(protocolID),
		cache:      make(map[uint64]common.Hash),
	}, nil
}

// MerkleRoot implements attestation.RootStore.
func (s *RelayRootStore) MerkleRoot(ctx context.Context, votingRound uint64) (common.Hash, error) {
	s.mu.RLock()
	root, ok := s.cache[votingRound]
	s.mu.RUnlock()
	if ok {
		return root, nil
	}

	var result []interface{}
	err := s.contract.Call(&bind.CallOpts{Context: ctx}, &result, "merkleRoots", s.protocolID, new(big.Int).SetUint64(votingRound))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to read root of round %d: %w", votingRound, err)
	}
	root, err = decodeRoot(result)
	if err != nil {
		return common.Hash{}, err
	}
	if root == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("round %d: %w", votingRound, attestation.ErrRootNotFound)
	}

	s.mu.Lock()
	s.cache[votingRound] = root
	s.mu.Unlock()
	return root, nil
}

// VotingRound returns the relay's current voting round.
func (s *RelayRootStore) VotingRound(ctx context.Context) (uint64, error) {
	var result []interface{}
	if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &result, "getVotingRoundId"); err != nil {
		return 0, fmt.Errorf("failed to read voting round: %w", err)
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("empty voting round result")
	}
	round, ok := result[0].(*big.Int)
	if !ok || !round.IsUint64() {
		return 0, fmt.Errorf("unexpected voting round result")
	}
	return round.Uint64(), nil
}

func decodeRoot(result []interface{}) (common.Hash, error) {
	if len(result) == 0 {
		return common.Hash{}, fmt.Errorf("empty merkle root result")
	}
	raw, ok := result[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected merkle root type %T", result[0])
	}
	return common.Hash(raw), nil
}
