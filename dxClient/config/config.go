package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pushchain/dxdirectory/dxClient/constant"
)

const defaultGasLimit uint64 = 3_000_000

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.DirectoryAddress != "" {
		if !common.IsHexAddress(cfg.DirectoryAddress) {
			return fmt.Errorf("directory address %q is not a valid hex address", cfg.DirectoryAddress)
		}
		cfg.DirectoryAddress = strings.ToLower(common.HexToAddress(cfg.DirectoryAddress).Hex())
	}

	if cfg.NodeHome == "" {
		cfg.NodeHome = constant.DefaultNodeHome
	}
	cfg.NodeHome = constant.ExpandHome(cfg.NodeHome)

	if len(cfg.RPCURLs) == 0 {
		cfg.RPCURLs = []string{"http://localhost:8545"}
	}
	if cfg.DatabaseFile == "" {
		cfg.DatabaseFile = "dxdirectory.db"
	}
	if cfg.CheckpointFile == "" {
		cfg.CheckpointFile = "sync_block"
	}

	// Set defaults for scanner and sweeper
	if cfg.BlockSyncIntervalSeconds == 0 {
		cfg.BlockSyncIntervalSeconds = 60
	}
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = 30
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffSeconds == 0 {
		cfg.RetryBackoffSeconds = 1
	}

	// Set defaults for query server
	if cfg.QueryServerPort == 0 {
		cfg.QueryServerPort = 8080
	}

	if cfg.JWTTTLSeconds == 0 {
		cfg.JWTTTLSeconds = 86400
	}

	if cfg.GasLimits == nil || len(cfg.GasLimits) == 0 {
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil && defaultCfg.GasLimits != nil {
			cfg.GasLimits = defaultCfg.GasLimits
		} else {
			cfg.GasLimits = make(map[string]uint64)
		}
	}

	return nil
}

// Save writes the given config to <NodeDir>/config/dxdirectory_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, constant.ConfigSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, constant.ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads and returns the config from <BasePath>/config/dxdirectory_config.json.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, constant.ConfigSubdir, constant.ConfigFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	return &cfg, nil
}

// DataDir returns the directory holding the database and checkpoint marker.
func (c *Config) DataDir() string {
	return filepath.Join(c.NodeHome, constant.DataSubdir)
}

// CheckpointPath returns the absolute path of the checkpoint marker file.
func (c *Config) CheckpointPath() string {
	if filepath.IsAbs(c.CheckpointFile) {
		return c.CheckpointFile
	}
	return filepath.Join(c.DataDir(), c.CheckpointFile)
}

// ApplyEnv overrides secrets and endpoints from DXDIRECTORY_* environment
// variables, which the daemon may load from a .env file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(constant.EnvPrefix + "_OPERATOR_PRIVATE_KEY"); v != "" {
		cfg.OperatorPrivateKeyHex = v
	}
	if v := os.Getenv(constant.EnvPrefix + "_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv(constant.EnvPrefix + "_RPC_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			cfg.RPCURLs = urls
		}
	}
}
