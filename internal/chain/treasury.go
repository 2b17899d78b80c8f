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

	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/util"
)

// TokenTreasury pays collateral out of the operator's custody account with ERC-20
// transfers. It implements assetmanager.Treasury.
type TokenTreasury struct {
	client   *Client
	erc20ABI abi.ABI
	mockMode bool

	mu        sync.Mutex
	contracts map[common.Address]*bind.BoundContract

	// Mock state: balances credited per token and recipient.
	mockBalances map[common.Address]map[common.Address]*big.Int
}

// NewTokenTreasury creates a treasury sending transactions through client.
func NewTokenTreasury(client *Client) (*TokenTreasury, error) {
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("chain client not connected to RPC")
	}
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &TokenTreasury{
		client:    client,
		erc20ABI:  parsed,
		contracts: make(map[common.Address]*bind.BoundContract),
	}, nil
}

// NewMockTokenTreasury creates a treasury that only credits in-memory balances.
func NewMockTokenTreasury() *TokenTreasury {
	return &TokenTreasury{
		mockMode:     true,
		mockBalances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// IsMockMode returns whether running in mock mode.
func (t *TokenTreasury) IsMockMode() bool {
	return t.mockMode
}

func (t *TokenTreasury) token(addr common.Address) *bind.BoundContract {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contracts[addr]
	if !ok {
		backend := t.client.Backend()
		c = bind.NewBoundContract(addr, t.erc20ABI, backend, backend, backend)
		t.contracts[addr] = c
	}
	return c
}

// Transfer implements assetmanager.Treasury.
func (t *TokenTreasury) Transfer(ctx context.Context, tr assetmanager.Transfer) error {
	if tr.AmountWei == nil || tr.AmountWei.Sign() <= 0 {
		return nil
	}
	if tr.Token == (common.Address{}) {
		return util.MarkNonRetryable(fmt.Errorf("transfer %q has no token", tr.Reason))
	}
	if t.mockMode {
		t.mu.Lock()
		defer t.mu.Unlock()
		holders, ok := t.mockBalances[tr.Token]
		if !ok {
			holders = make(map[common.Address]*big.Int)
			t.mockBalances[tr.Token] = holders
		}
		bal, ok := holders[tr.To]
		if !ok {
			bal = new(big.Int)
			holders[tr.To] = bal
		}
		bal.Add(bal, tr.AmountWei)
		return nil
	}

	auth, err := t.client.TransactOpts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get transaction options: %w", err)
	}
	tx, err := t.token(tr.Token).Transact(auth, "transfer", tr.To, tr.AmountWei)
	if err != nil {
		if syncErr := t.client.SyncNonce(ctx); syncErr != nil {
			logging.Warn("nonce resync failed", logging.Component("chain"), logging.Err(syncErr))
		}
		return fmt.Errorf("failed to transfer %s: %w", tr.Reason, err)
	}
	if _, err := t.client.WaitForTransaction(ctx, tx); err != nil {
		return err
	}
	logging.Info("collateral transferred",
		logging.Component("chain"),
		logging.Address("token", tr.Token),
		logging.Address("from", tr.From),
		logging.Address("to", tr.To),
		"amount", tr.AmountWei.String(),
		"reason", tr.Reason,
		logging.TxHash(tx.Hash()))
	return nil
}

// BalanceOf returns the token balance of account, or the credited amount in mock mode.
func (t *TokenTreasury) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if t.mockMode {
		t.mu.Lock()
		defer t.mu.Unlock()
		if bal, ok := t.mockBalances[token][account]; ok {
			return new(big.Int).Set(bal), nil
		}
		return new(big.Int), nil
	}

	var result []interface{}
	if err := t.token(token).Call(&bind.CallOpts{Context: ctx}, &result, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if len(result) == 0 {
		return new(big.Int), nil
	}
	if bal, ok := result[0].(*big.Int); ok {
		return bal, nil
	}
	return new(big.Int), nil
}
