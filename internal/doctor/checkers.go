package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/fasset/internal/chain"
	"github.com/moltbunker/fasset/internal/config"
	"github.com/moltbunker/fasset/internal/settings"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

// rpcTimeout bounds every chain call a checker makes
const rpcTimeout = 10 * time.Second

// ConfigChecker validates the daemon configuration and its data directory
type ConfigChecker struct {
	cfg *config.Config
}

func NewConfigChecker(cfg *config.Config) *ConfigChecker {
	return &ConfigChecker{cfg: cfg}
}

func (c *ConfigChecker) Name() string       { return "Configuration" }
func (c *ConfigChecker) Category() Category { return CategoryConfig }

func (c *ConfigChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c)

	if err := c.cfg.Validate(); err != nil {
		result.Status = StatusError
		result.Message = "Configuration: invalid"
		result.Details = err.Error()
		return result
	}

	dir := c.cfg.Daemon.DataDir
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		result.Status = StatusWarning
		result.Message = "Configuration: valid, data directory missing"
		result.Details = fmt.Sprintf("%s is created by 'fasset serve'", dir)
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Configuration: valid (data dir %s)", dir)
	return result
}

// SettingsChecker builds the settings manager the daemon would start with
type SettingsChecker struct {
	cfg *config.Config
}

func NewSettingsChecker(cfg *config.Config) *SettingsChecker {
	return &SettingsChecker{cfg: cfg}
}

func (c *SettingsChecker) Name() string       { return "Asset settings" }
func (c *SettingsChecker) Category() Category { return CategoryConfig }

func (c *SettingsChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c)

	f, err := c.cfg.SettingsFile()
	if err == nil {
		_, err = settings.NewManager(f.Asset, f.Collaterals)
	}
	if err != nil {
		result.Status = StatusError
		result.Message = "Asset settings: invalid"
		result.Details = err.Error()
		return result
	}

	var deprecated []string
	for _, ct := range f.Collaterals {
		if ct.ValidUntil != 0 {
			deprecated = append(deprecated, ct.Token.Hex())
		}
	}
	if len(deprecated) > 0 {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Asset settings: %s valid, %d deprecated collateral type(s)", f.Asset.AssetSymbol, len(deprecated))
		result.Details = strings.Join(deprecated, ", ")
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Asset settings: %s valid, %d collateral types", f.Asset.AssetSymbol, len(f.Collaterals))
	return result
}

// StoreChecker opens the configured store and reads the asset state
type StoreChecker struct {
	cfg *config.Config
}

func NewStoreChecker(cfg *config.Config) *StoreChecker {
	return &StoreChecker{cfg: cfg}
}

func (c *StoreChecker) Name() string       { return "State store" }
func (c *StoreChecker) Category() Category { return CategorySystem }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c)
	sc := c.cfg.Store

	if sc.Driver == "memory" {
		result.Status = StatusWarning
		result.Message = "State store: memory"
		result.Details = "State is lost when the daemon stops; use the sqlite driver in production"
		return result
	}

	if _, err := os.Stat(filepath.Dir(sc.Path)); errors.Is(err, os.ErrNotExist) {
		result.Status = StatusSkipped
		result.Message = fmt.Sprintf("State store: %s not created yet", sc.Path)
		return result
	}

	s, err := store.Open(sc.Driver, sc.Path)
	if err != nil {
		result.Status = StatusError
		result.Message = "State store: cannot open"
		result.Details = err.Error()
		return result
	}
	defer s.Close()

	var state *types.AssetState
	err = s.View(ctx, func(tx store.Tx) error {
		var err error
		state, err = store.GetState(tx)
		return err
	})
	if err != nil {
		result.Status = StatusError
		result.Message = "State store: unreadable"
		result.Details = err.Error()
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("State store: %s (%d AMG minted)", sc.Path, state.TotalMintedAMG)
	return result
}

// MockPriceChecker verifies that the mock price table covers every FTSO symbol
// the configured collateral types need
type MockPriceChecker struct {
	cfg *config.Config
}

func NewMockPriceChecker(cfg *config.Config) *MockPriceChecker {
	return &MockPriceChecker{cfg: cfg}
}

func (c *MockPriceChecker) Name() string       { return "Mock prices" }
func (c *MockPriceChecker) Category() Category { return CategoryChain }

func (c *MockPriceChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c)

	symbols, err := ftsoSymbols(c.cfg)
	if err != nil {
		result.Status = StatusSkipped
		result.Message = "Mock prices: settings invalid"
		return result
	}

	var missing []string
	for _, s := range symbols {
		if _, ok := c.cfg.Chain.MockPrices[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		result.Status = StatusError
		result.Message = fmt.Sprintf("Mock prices: %d symbol(s) missing", len(missing))
		result.Details = "Add chain.mock_prices entries for " + strings.Join(missing, ", ")
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Mock prices: %s", strings.Join(symbols, ", "))
	return result
}

// OperatorKeyChecker checks that the operator key environment variable holds a valid key
type OperatorKeyChecker struct {
	cfg *config.Config
}

func NewOperatorKeyChecker(cfg *config.Config) *OperatorKeyChecker {
	return &OperatorKeyChecker{cfg: cfg}
}

func (c *OperatorKeyChecker) Name() string       { return "Operator key" }
func (c *OperatorKeyChecker) Category() Category { return CategoryChain }

func (c *OperatorKeyChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c)
	env := c.cfg.Chain.PrivateKeyEnv

	hexKey := os.Getenv(env)
	if hexKey == "" {
		result.Status = StatusError
		result.Message = "Operator key: not set"
		result.Details = fmt.Sprintf("Export the operator's private key as %s", env)
		return result
	}
	key, err := chain.LoadPrivateKey(hexKey)
	if err != nil {
		result.Status = StatusError
		result.Message = "Operator key: invalid"
		result.Details = err.Error()
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Operator key: %s", crypto.PubkeyToAddress(key.PublicKey).Hex())
	return result
}

// RPCChecker connects to the configured chain and reads every FTSO price
type RPCChecker struct {
	cfg *config.Config
}

func NewRPCChecker(cfg *config.Config) *RPCChecker {
	return &RPCChecker{cfg: cfg}
}

func (c *RPCChecker) Name() string       { return "Chain RPC" }
func (c *RPCChecker) Category() Category { return CategoryChain }

func (c *RPCChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c)
	cc := c.cfg.Chain

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	clientCfg := chain.DefaultClientConfig()
	clientCfg.RPCURL = cc.RPCURL
	clientCfg.ChainID = cc.ChainID
	clientCfg.RetryConfig.MaxRetries = 1

	client := chain.NewClient(clientCfg, nil)
	if err := client.Connect(ctx); err != nil {
		result.Status = StatusError
		result.Message = fmt.Sprintf("Chain RPC: cannot reach %s", cc.RPCURL)
		result.Details = err.Error()
		return result
	}
	defer client.Close()

	block, err := client.BlockNumber(ctx)
	if err != nil {
		result.Status = StatusError
		result.Message = "Chain RPC: cannot read block number"
		result.Details = err.Error()
		return result
	}

	symbols, err := ftsoSymbols(c.cfg)
	if err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Chain RPC: chain %d at block %d, prices not checked", cc.ChainID, block)
		return result
	}
	feed, err := chain.NewFtsoPriceReader(client, common.HexToAddress(cc.FtsoRegistryAddress))
	if err != nil {
		result.Status = StatusError
		result.Message = "Chain RPC: FTSO registry unavailable"
		result.Details = err.Error()
		return result
	}
	var failed []string
	for _, s := range symbols {
		if _, err := feed.Price(ctx, s); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", s, err))
		}
	}
	if len(failed) > 0 {
		result.Status = StatusError
		result.Message = fmt.Sprintf("Chain RPC: %d price(s) unreadable", len(failed))
		result.Details = strings.Join(failed, "; ")
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Chain RPC: chain %d at block %d, %d prices readable", cc.ChainID, block, len(symbols))
	return result
}

// ListenAddrChecker checks that the API listen address can be bound
type ListenAddrChecker struct {
	addr string
}

func NewListenAddrChecker(addr string) *ListenAddrChecker {
	return &ListenAddrChecker{addr: addr}
}

func (c *ListenAddrChecker) Name() string       { return "API listen address" }
func (c *ListenAddrChecker) Category() Category { return CategorySystem }

func (c *ListenAddrChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c)

	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("API listen address: %s unavailable", c.addr)
		result.Details = "Another process, possibly a running daemon, holds the address: " + err.Error()
		return result
	}
	ln.Close()

	result.Status = StatusOK
	result.Message = fmt.Sprintf("API listen address: %s free", c.addr)
	return result
}

func ftsoSymbols(cfg *config.Config) ([]string, error) {
	f, err := cfg.SettingsFile()
	if err != nil {
		return nil, err
	}
	m, err := settings.NewManager(f.Asset, f.Collaterals)
	if err != nil {
		return nil, err
	}
	return m.FtsoSymbols(), nil
}
