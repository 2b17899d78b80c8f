package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/util"
)

// ClientConfig holds the settings for the EVM chain the asset manager settles on.
type ClientConfig struct {
	RPCURL             string
	ChainID            int64
	BlockConfirmations int
	MaxGasPrice        *big.Int
	RetryConfig        *util.RetryConfig
}

// DefaultClientConfig returns settings for a local Flare node.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RPCURL:             "http://127.0.0.1:9650/ext/bc/C/rpc",
		ChainID:            14,
		BlockConfirmations: 1,
		MaxGasPrice:        big.NewInt(500e9),
		RetryConfig:        util.DefaultRetryConfig(),
	}
}

// Client wraps an ethclient connection and the operator key used for payouts.
type Client struct {
	config     *ClientConfig
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int

	nonceMu      sync.Mutex
	pendingNonce uint64

	connected bool
	mu        sync.RWMutex
}

// NewClient creates an unconnected client. privateKey may be nil for read-only use.
func NewClient(config *ClientConfig, privateKey *ecdsa.PrivateKey) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	c := &Client{
		config:     config,
		privateKey: privateKey,
		chainID:    big.NewInt(config.ChainID),
	}
	if privateKey != nil {
		c.address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}
	return c
}

// Connect dials the RPC endpoint and checks the chain id.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, result := util.RetryWithValue(ctx, c.config.RetryConfig, func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, c.config.RPCURL)
	})
	if result.LastError != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.config.RPCURL, result.LastError)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Cmp(c.chainID) != 0 {
		client.Close()
		return fmt.Errorf("chain ID mismatch: expected %d, got %d", c.chainID, chainID)
	}

	if c.privateKey != nil {
		nonce, err := client.PendingNonceAt(ctx, c.address)
		if err != nil {
			client.Close()
			return fmt.Errorf("failed to get nonce: %w", err)
		}
		c.pendingNonce = nonce
	}

	c.client = client
	c.connected = true
	logging.Info("chain client connected",
		logging.Component("chain"),
		"chain_id", chainID.String(),
		logging.Address("operator", c.address))
	return nil
}

// Close drops the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.connected = false
}

// IsConnected reports whether Connect succeeded.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Backend returns the connection for contract bindings.
func (c *Client) Backend() *ethclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Address returns the operator address.
func (c *Client) Address() common.Address {
	return c.address
}

// TransactOpts creates signing options with a locally tracked nonce.
func (c *Client) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("no private key configured")
	}
	client := c.Backend()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if c.config.MaxGasPrice != nil && gasPrice.Cmp(c.config.MaxGasPrice) > 0 {
		gasPrice = c.config.MaxGasPrice
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice

	c.nonceMu.Lock()
	auth.Nonce = new(big.Int).SetUint64(c.pendingNonce)
	c.pendingNonce++
	c.nonceMu.Unlock()
	return auth, nil
}

// SyncNonce reloads the pending nonce, used after a send fails.
func (c *Client) SyncNonce(ctx context.Context) error {
	client := c.Backend()
	if client == nil {
		return fmt.Errorf("not connected")
	}
	nonce, err := client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}
	c.nonceMu.Lock()
	c.pendingNonce = nonce
	c.nonceMu.Unlock()
	return nil
}

// WaitForTransaction waits until tx is mined and has the configured confirmations.
func (c *Client) WaitForTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	client := c.Backend()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, fmt.Errorf("transaction failed: %s", tx.Hash().Hex())
	}
	if c.config.BlockConfirmations <= 0 {
		return receipt, nil
	}

	target := receipt.BlockNumber.Uint64() + uint64(c.config.BlockConfirmations)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return receipt, ctx.Err()
		case <-ticker.C:
			current, err := client.BlockNumber(ctx)
			if err != nil {
				continue
			}
			if current >= target {
				return receipt, nil
			}
		}
	}
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	client := c.Backend()
	if client == nil {
		return 0, fmt.Errorf("not connected")
	}
	return client.BlockNumber(ctx)
}

// LoadPrivateKey parses a hex encoded secp256k1 key, with or without 0x prefix.
func LoadPrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
