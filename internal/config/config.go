package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/moltbunker/fasset/internal/settings"
	"github.com/moltbunker/fasset/pkg/types"
)

// Config represents the complete daemon configuration
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
	API    APIConfig    `yaml:"api"`
	Chain  ChainConfig  `yaml:"chain"`
	Store  StoreConfig  `yaml:"store"`

	// Asset and Collaterals are used when Daemon.SettingsPath is empty.
	Asset       settings.AssetSettings `yaml:"asset"`
	Collaterals []types.CollateralType `yaml:"collaterals"`
}

// DaemonConfig contains daemon settings
type DaemonConfig struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"

	// SettingsPath points to a separate asset settings file. When WatchSettings is set,
	// edits to it are applied through the governed settings updater.
	SettingsPath  string `yaml:"settings_path"`
	WatchSettings bool   `yaml:"watch_settings"`

	// PriceRefreshSecs is how often FTSO prices are pulled and liquidation candidates rechecked.
	PriceRefreshSecs int `yaml:"price_refresh_secs"`
}

// APIConfig contains API server settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// Rate limiting
	RateLimitRequests   int `yaml:"rate_limit_requests"`    // Max requests per window (default: 100)
	RateLimitWindowSecs int `yaml:"rate_limit_window_secs"` // Window duration in seconds (default: 60)

	MaxRequestSize int `yaml:"max_request_size"` // Max request body size in bytes (default: 1MB)

	// Timeouts
	ReadTimeoutSecs  int `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int `yaml:"write_timeout_secs"`
	IdleTimeoutSecs  int `yaml:"idle_timeout_secs"`

	// AllowedOrigins restricts websocket event stream origins; empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultAPIConfig returns the default API configuration
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		ListenAddr:          "127.0.0.1:8080",
		RateLimitRequests:   100,
		RateLimitWindowSecs: 60,
		MaxRequestSize:      1 << 20,
		ReadTimeoutSecs:     30,
		WriteTimeoutSecs:    30,
		IdleTimeoutSecs:     120,
	}
}

// ChainConfig selects the chain collaborators: live contracts or in-memory mocks.
type ChainConfig struct {
	Mock bool `yaml:"mock"`

	RPCURL             string `yaml:"rpc_url"`
	ChainID            int64  `yaml:"chain_id"`
	BlockConfirmations int    `yaml:"block_confirmations"`

	// PrivateKeyEnv names the environment variable holding the payout operator key.
	PrivateKeyEnv string `yaml:"private_key_env"`

	RelayAddress        string `yaml:"relay_address"`
	FtsoRegistryAddress string `yaml:"ftso_registry_address"`
	FDCProtocolID       uint64 `yaml:"fdc_protocol_id"`

	// MockPrices seed the in-memory price store when Mock is set, keyed by FTSO symbol.
	MockPrices map[string]MockPrice `yaml:"mock_prices"`
}

// MockPrice is a fixed FTSO price: Value / 10^Decimals USD.
type MockPrice struct {
	Value    int64 `yaml:"value"`
	Decimals uint8 `yaml:"decimals"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".fasset")

	return &Config{
		Daemon: DaemonConfig{
			DataDir:          dataDir,
			LogLevel:         "info",
			LogFormat:        "text",
			PriceRefreshSecs: 90,
		},
		API: DefaultAPIConfig(),
		Chain: ChainConfig{
			Mock:               true,
			RPCURL:             "http://127.0.0.1:9650/ext/bc/C/rpc",
			ChainID:            14,
			BlockConfirmations: 1,
			PrivateKeyEnv:      "FASSET_OPERATOR_KEY",
			FDCProtocolID:      200,
			MockPrices: map[string]MockPrice{
				"testXRP":  {Value: 100000, Decimals: 5},
				"testNAT":  {Value: 100000, Decimals: 5},
				"testUSDC": {Value: 100000, Decimals: 5},
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dataDir, "fasset.db"),
		},
		Asset:       settings.Defaults(),
		Collaterals: settings.DefaultCollaterals(),
	}
}

// Load reads the configuration from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// collaterals are replaced, not merged, when the file lists any
	cfg.Collaterals = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(cfg.Collaterals) == 0 {
		cfg.Collaterals = settings.DefaultCollaterals()
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Daemon.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %s", c.Daemon.LogFormat)
	}
	if c.Daemon.WatchSettings && c.Daemon.SettingsPath == "" {
		return fmt.Errorf("watch_settings requires settings_path")
	}
	if c.Daemon.PriceRefreshSecs < 0 {
		return fmt.Errorf("price_refresh_secs must not be negative")
	}

	if c.API.ListenAddr == "" {
		return fmt.Errorf("api listen_addr is required")
	}
	if c.API.RateLimitRequests < 0 || c.API.RateLimitWindowSecs < 0 {
		return fmt.Errorf("api rate limit must not be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for sqlite")
		}
	default:
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}

	if c.Chain.Mock {
		for symbol, p := range c.Chain.MockPrices {
			if p.Value <= 0 {
				return fmt.Errorf("mock price for %s must be positive", symbol)
			}
		}
	} else {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain rpc_url is required when mock is false")
		}
		if c.Chain.ChainID <= 0 {
			return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
		}
		addrs := map[string]string{
			"relay_address":         c.Chain.RelayAddress,
			"ftso_registry_address": c.Chain.FtsoRegistryAddress,
		}
		for name, addr := range addrs {
			if err := validateEthAddress(name, addr); err != nil {
				return err
			}
		}
	}

	// inline settings are only checked when they are the ones in use
	if c.Daemon.SettingsPath == "" {
		if err := c.Asset.Validate(); err != nil {
			return fmt.Errorf("asset settings: %w", err)
		}
		if err := settings.ValidateCollaterals(c.Collaterals); err != nil {
			return fmt.Errorf("collaterals: %w", err)
		}
	}
	return nil
}

// SettingsFile returns the asset settings in effect: the separate settings file when
// configured, otherwise the inline sections.
func (c *Config) SettingsFile() (*settings.File, error) {
	if c.Daemon.SettingsPath != "" {
		return settings.Load(c.Daemon.SettingsPath)
	}
	return &settings.File{Asset: c.Asset.Clone(), Collaterals: append([]types.CollateralType(nil), c.Collaterals...)}, nil
}

func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required when mock is false", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

func (c *Config) expandPaths() {
	c.Daemon.DataDir = expandPath(c.Daemon.DataDir)
	c.Daemon.SettingsPath = expandPath(c.Daemon.SettingsPath)
	c.Store.Path = expandPath(c.Store.Path)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".fasset", "config.yaml")
}

// EnsureDirectories creates the data directory and the store's parent directory
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Daemon.DataDir}
	if c.Store.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
