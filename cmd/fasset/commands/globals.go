package commands

import (
	"runtime"
	"runtime/debug"

	"github.com/moltbunker/fasset/internal/client"
	"github.com/moltbunker/fasset/internal/config"
)

// Global CLI flags
var (
	// ConfigPath is the daemon config file; empty means config.DefaultConfigPath()
	ConfigPath string

	// APIEndpoint is the daemon API address; empty means the config's api.listen_addr
	APIEndpoint string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string
)

// configPath resolves the --config flag
func configPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file; a missing file yields the defaults.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath())
}

// GetAPIEndpoint returns the API endpoint from flag, config, or default.
func GetAPIEndpoint() string {
	if APIEndpoint != "" {
		return APIEndpoint
	}
	if cfg, err := loadConfig(); err == nil && cfg.API.ListenAddr != "" {
		return cfg.API.ListenAddr
	}
	return config.DefaultAPIConfig().ListenAddr
}

// newClient builds an API client for the resolved endpoint
func newClient() *client.APIClient {
	return client.NewAPIClient(GetAPIEndpoint())
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
