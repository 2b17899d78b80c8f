package assetmanager

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Transfer moves collateral tokens out of an agent vault, a collateral pool or the asset
// manager's own fee balance (From is the zero address).
type Transfer struct {
	Token     common.Address `json:"token"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	AmountWei *big.Int       `json:"amount_wei"`
	Reason    string         `json:"reason"`
}

// Treasury executes value transfers. It is called only after the state change that
// authorizes the transfer has been committed.
type Treasury interface {
	Transfer(ctx context.Context, t Transfer) error
}

// MemoryTreasury records transfers without moving anything.
type MemoryTreasury struct {
	mu        sync.Mutex
	transfers []Transfer
	// FailNext makes the next n transfers fail, for exercising retries.
	FailNext int
}

// NewMemoryTreasury creates an empty recording treasury.
func NewMemoryTreasury() *MemoryTreasury {
	return &MemoryTreasury{}
}

// Transfer records t.
func (m *MemoryTreasury) Transfer(_ context.Context, t Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext > 0 {
		m.FailNext--
		return fmt.Errorf("transfer to %s failed", t.To.Hex())
	}
	t.AmountWei = new(big.Int).Set(t.AmountWei)
	m.transfers = append(m.transfers, t)
	return nil
}

// Transfers returns all recorded transfers.
func (m *MemoryTreasury) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers...)
}

// Received sums the amounts of token transferred to addr.
func (m *MemoryTreasury) Received(addr, token common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := new(big.Int)
	for _, t := range m.transfers {
		if t.To == addr && t.Token == token {
			total.Add(total, t.AmountWei)
		}
	}
	return total
}
