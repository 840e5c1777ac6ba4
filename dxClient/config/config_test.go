package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pushchain/dxdirectory/dxClient/constant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name        string
		config      *Config
		expectError bool
		errorMsg    string
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "Valid config with explicit fields",
			config: &Config{
				LogLevel:                 2,
				LogFormat:                "json",
				RPCURLs:                  []string{"http://node:8545"},
				BlockSyncIntervalSeconds: 5,
				QueryServerPort:          9000,
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"http://node:8545"}, cfg.RPCURLs)
				assert.Equal(t, 5, cfg.BlockSyncIntervalSeconds)
				assert.Equal(t, 9000, cfg.QueryServerPort)
			},
		},
		{
			name:        "Invalid log level (negative)",
			config:      &Config{LogLevel: -1, LogFormat: "json"},
			expectError: true,
			errorMsg:    "log level must be between 0 and 5",
		},
		{
			name:        "Invalid log level (too high)",
			config:      &Config{LogLevel: 6, LogFormat: "json"},
			expectError: true,
			errorMsg:    "log level must be between 0 and 5",
		},
		{
			name:        "Invalid log format",
			config:      &Config{LogLevel: 2, LogFormat: "xml"},
			expectError: true,
			errorMsg:    "log format must be 'json' or 'console'",
		},
		{
			name:        "Invalid directory address",
			config:      &Config{LogFormat: "json", DirectoryAddress: "0x1234"},
			expectError: true,
			errorMsg:    "not a valid hex address",
		},
		{
			name: "Directory address is lower-cased",
			config: &Config{
				LogFormat:        "console",
				DirectoryAddress: "0xAbCDEF0123456789abcdef0123456789ABCDEF01",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", cfg.DirectoryAddress)
			},
		},
		{
			name:   "Config with defaults applied",
			config: &Config{LogLevel: 2, LogFormat: "json"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"http://localhost:8545"}, cfg.RPCURLs)
				assert.Equal(t, "dxdirectory.db", cfg.DatabaseFile)
				assert.Equal(t, "sync_block", cfg.CheckpointFile)
				assert.Equal(t, 60, cfg.BlockSyncIntervalSeconds)
				assert.Equal(t, 30, cfg.SweepIntervalSeconds)
				assert.Equal(t, 3, cfg.MaxRetries)
				assert.Equal(t, 1, cfg.RetryBackoffSeconds)
				assert.Equal(t, 8080, cfg.QueryServerPort)
				assert.Equal(t, 86400, cfg.JWTTTLSeconds)
				assert.Equal(t, uint64(5000000), cfg.GasLimit("deployEAS"))
				assert.Equal(t, defaultGasLimit, cfg.GasLimit("unknown"))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConfig(tc.config)
			if tc.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errorMsg)
				return
			}
			require.NoError(t, err)
			if tc.validate != nil {
				tc.validate(t, tc.config)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Run("round trips through the config directory", func(t *testing.T) {
		home := t.TempDir()
		cfg := &Config{
			LogLevel:         1,
			LogFormat:        "json",
			NodeHome:         home,
			DirectoryAddress: "0x00000000000000000000000000000000000000aa",
			BlockTraceStart:  42,
			BlockTraceOffset: 2,
		}
		require.NoError(t, Save(cfg, home))

		_, err := os.Stat(filepath.Join(home, constant.ConfigSubdir, constant.ConfigFileName))
		require.NoError(t, err)

		loaded, err := Load(home)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), loaded.BlockTraceStart)
		assert.Equal(t, uint64(2), loaded.BlockTraceOffset)
		assert.Equal(t, cfg.DirectoryAddress, loaded.DirectoryAddress)
		assert.Equal(t, filepath.Join(home, "data", "sync_block"), loaded.CheckpointPath())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("invalid config is not saved", func(t *testing.T) {
		home := t.TempDir()
		err := Save(&Config{LogFormat: "yaml"}, home)
		require.Error(t, err)
		_, statErr := os.Stat(filepath.Join(home, constant.ConfigSubdir, constant.ConfigFileName))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestLoadDefaultConfig(t *testing.T) {
	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, int64(1337), cfg.ChainID)
	assert.Equal(t, uint64(1), cfg.BlockTraceOffset)
	assert.Len(t, cfg.GasLimits, 7)
}

func TestNodeHomeExpansion(t *testing.T) {
	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.ExpandEnv("$HOME"), ".dxdirectory"), cfg.NodeHome)
	assert.Equal(t, filepath.Join(cfg.NodeHome, "data", "sync_block"), cfg.CheckpointPath())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DXDIRECTORY_OPERATOR_PRIVATE_KEY", "0xabc")
	t.Setenv("DXDIRECTORY_JWT_SECRET", "from-env")
	t.Setenv("DXDIRECTORY_RPC_URLS", "http://a:8545, ,http://b:8545")

	cfg := Config{JWTSecret: "from-file", RPCURLs: []string{"http://file:8545"}}
	ApplyEnv(&cfg)
	assert.Equal(t, "0xabc", cfg.OperatorPrivateKeyHex)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, []string{"http://a:8545", "http://b:8545"}, cfg.RPCURLs)
}
