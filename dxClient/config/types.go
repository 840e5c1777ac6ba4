package config

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome     string `json:"node_home"`     // Node home directory (default: ~/.dxdirectory)
	DatabaseFile string `json:"database_file"` // SQLite file name under <node_home>/data (default: dxdirectory.db)

	// Ledger configuration
	RPCURLs               []string          `json:"rpc_urls"`                 // Ledger JSON-RPC endpoints, tried round-robin
	ChainID               int64             `json:"chain_id"`                 // EIP-155 chain id used to sign and recover transactions
	DirectoryAddress      string            `json:"directory_address"`        // Registry contract address, also the directoryID scope
	OperatorPrivateKeyHex string            `json:"operator_private_key_hex"` // Key signing operator-submitted transactions (register, deployEAS)
	GasPriceWei           int64             `json:"gas_price_wei"`            // Fixed gas price; 0 asks the ledger
	GasLimits             map[string]uint64 `json:"gas_limits"`               // Per-function gas limit, keyed by ABI method name

	// Scanner configuration
	BlockTraceStart          uint64 `json:"block_trace_start"`           // First block the scanner will ever process
	BlockTraceOffset         uint64 `json:"block_trace_offset"`          // Confirmation depth subtracted from the head
	BlockSyncIntervalSeconds int    `json:"block_sync_interval_seconds"` // Catch-up period (default: 60)
	CheckpointFile           string `json:"checkpoint_file"`             // Last synced block marker under <node_home>/data

	// Sweeper configuration
	SweepIntervalSeconds int `json:"sweep_interval_seconds"` // Lifecycle sweep period (default: 30)

	// Retry configuration
	MaxRetries          int `json:"max_retries"`           // Max attempts for ledger reads (default: 3)
	RetryBackoffSeconds int `json:"retry_backoff_seconds"` // Initial backoff between attempts (default: 1)

	// Query Server Config
	QueryServerPort int `json:"query_server_port"` // Port for HTTP query server (default: 8080)

	// Session configuration
	JWTSecret     string `json:"jwt_secret"`      // HMAC secret for login tokens
	JWTTTLSeconds int    `json:"jwt_ttl_seconds"` // Login token lifetime (default: 86400)
}

// GasLimit returns the configured gas limit for a contract function.
func (c *Config) GasLimit(function string) uint64 {
	if limit, ok := c.GasLimits[function]; ok && limit > 0 {
		return limit
	}
	return defaultGasLimit
}
