package core

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	"github.com/pushchain/dxdirectory/dxClient/config"
	"github.com/pushchain/dxdirectory/dxClient/db"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
	"github.com/pushchain/dxdirectory/dxClient/negotiator"
	"github.com/pushchain/dxdirectory/dxClient/notify"
	"github.com/pushchain/dxdirectory/dxClient/projection"
	"github.com/pushchain/dxdirectory/dxClient/reconciler"
	"github.com/pushchain/dxdirectory/dxClient/scanner"
	"github.com/pushchain/dxdirectory/dxClient/sweeper"
)

// ClientOption overrides a dependency the client would otherwise build.
type ClientOption func(*clientDeps)

type clientDeps struct {
	gateway ledger.Gateway
	db      *db.DB
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithGateway uses gw instead of dialing cfg.RPCURLs.
func WithGateway(gw ledger.Gateway) ClientOption {
	return func(d *clientDeps) { d.gateway = gw }
}

// WithDatabase uses database instead of opening the configured file.
func WithDatabase(database *db.DB) ClientOption {
	return func(d *clientDeps) { d.db = database }
}

// WithClientMetrics uses m instead of the process-wide instruments.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(d *clientDeps) { d.metrics = m }
}

// WithClientClock overrides the clock of the service and sweeper.
func WithClientClock(now func() time.Time) ClientOption {
	return func(d *clientDeps) { d.now = now }
}

// Status summarizes the node's view of the ledger.
type Status struct {
	DirectoryID        string `json:"directoryID"`
	ChainID            string `json:"chainID"`
	ChainHead          uint64 `json:"chainHead"`
	LastSyncedBlock    uint64 `json:"lastSyncedBlock"`
	LastCompletedBlock uint64 `json:"lastCompletedBlock"`
	EntryCount         int64  `json:"entryCount"`
}

// Client owns the database, the ledger gateway and every component of the
// directory node.
type Client struct {
	*RequestHandler

	cfg         config.Config
	logger      zerolog.Logger
	db          *db.DB
	gateway     ledger.Gateway
	rpc         *ledger.RPCClient
	codec       *codec.Codec
	store       *projection.Store
	metrics     *metrics.Metrics
	hub         *notify.Hub
	reconciler  *reconciler.Reconciler
	scanner     *scanner.Scanner
	negotiator  *negotiator.Negotiator
	sweeper     *sweeper.Sweeper
	service     *DirectoryService
	directoryID string

	mu      sync.Mutex
	started bool
}

// NewClient builds every component from cfg. Nothing runs until Start.
func NewClient(cfg config.Config, logger zerolog.Logger, opts ...ClientOption) (*Client, error) {
	deps := &clientDeps{}
	for _, opt := range opts {
		opt(deps)
	}
	if deps.metrics == nil {
		deps.metrics = metrics.Default()
	}
	if deps.now == nil {
		deps.now = time.Now
	}

	if cfg.DirectoryAddress == "" {
		return nil, dxerrors.NewConfigError("directory address is not configured")
	}
	directoryID, err := codec.NormalizeAddress(cfg.DirectoryAddress)
	if err != nil {
		return nil, dxerrors.NewConfigError(fmt.Sprintf("invalid directory address: %v", err))
	}
	operatorKey, err := parseOperatorKey(cfg.OperatorPrivateKeyHex)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		metrics:     deps.metrics,
		hub:         notify.NewHub(0),
		directoryID: directoryID,
	}

	c.db = deps.db
	if c.db == nil {
		if c.db, err = db.OpenFileDB(cfg.DataDir(), cfg.DatabaseFile, true); err != nil {
			return nil, dxerrors.NewDatabaseError("failed to open directory database", err)
		}
	}
	c.store = projection.NewStore(c.db)

	c.gateway = deps.gateway
	if c.gateway == nil {
		rpc, err := ledger.NewRPCClient(cfg.RPCURLs, cfg.ChainID, logger)
		if err != nil {
			c.db.Close()
			return nil, dxerrors.NewNetworkError("failed to connect to the ledger", err)
		}
		c.rpc, c.gateway = rpc, rpc
	}

	if err := c.build(cfg, operatorKey, deps); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *Client) build(cfg config.Config, operatorKey *ecdsa.PrivateKey, deps *clientDeps) error {
	var err error
	if c.codec, err = codec.New(big.NewInt(cfg.ChainID)); err != nil {
		return dxerrors.NewConfigError(fmt.Sprintf("failed to build transaction codec: %v", err))
	}

	retry := dxerrors.NewRetryConfig(cfg.MaxRetries, time.Duration(cfg.RetryBackoffSeconds)*time.Second)
	notifier := notify.Multi{c.hub, notify.NewLogNotifier(c.logger)}

	if c.reconciler, err = reconciler.New(c.directoryID, c.codec, c.store, c.gateway, c.logger,
		reconciler.WithNotifier(notifier),
		reconciler.WithMetrics(c.metrics),
		reconciler.WithRetryConfig(retry),
	); err != nil {
		return err
	}

	if c.scanner, err = scanner.New(scanner.Config{
		DirectoryID:        c.directoryID,
		StartBlock:         cfg.BlockTraceStart,
		ConfirmationOffset: cfg.BlockTraceOffset,
		SyncInterval:       time.Duration(cfg.BlockSyncIntervalSeconds) * time.Second,
		CheckpointPath:     cfg.CheckpointPath(),
		Retry:              retry,
	}, c.gateway, c.codec, c.reconciler, c.store, c.metrics, c.logger); err != nil {
		return err
	}

	var gasPrice *big.Int
	if cfg.GasPriceWei > 0 {
		gasPrice = big.NewInt(cfg.GasPriceWei)
	}
	if c.service, err = NewDirectoryService(ServiceConfig{
		DirectoryID: c.directoryID,
		OperatorKey: operatorKey,
		GasPrice:    gasPrice,
		GasLimit:    cfg.GasLimit,
		TokenSecret: []byte(cfg.JWTSecret),
		TokenTTL:    time.Duration(cfg.JWTTTLSeconds) * time.Second,
		Retry:       retry,
	}, c.gateway, c.codec, c.store, c.logger,
		WithServiceMetrics(c.metrics),
		WithServiceClock(deps.now),
	); err != nil {
		return err
	}

	if c.negotiator, err = negotiator.New(c.directoryID, c.store, c.service, notifier, c.metrics, c.logger); err != nil {
		return err
	}

	if c.sweeper, err = sweeper.New(c.directoryID, c.store, time.Duration(cfg.SweepIntervalSeconds)*time.Second, c.logger,
		sweeper.WithCheckpointer(c.db),
		sweeper.WithMetrics(c.metrics),
		sweeper.WithClock(deps.now),
	); err != nil {
		return err
	}

	c.RequestHandler = NewRequestHandler(c.service, c.negotiator)
	return nil
}

func parseOperatorKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, dxerrors.NewConfigError("operator private key is not a valid secp256k1 key")
	}
	return key, nil
}

// Start launches the scanner and the lifecycle sweeper.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("directory client already started")
	}

	c.logger.Info().Str("directory_id", c.directoryID).Msg("starting directory client")
	if err := c.scanner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start chain scanner: %w", err)
	}
	if err := c.sweeper.Start(ctx); err != nil {
		c.scanner.Stop()
		return fmt.Errorf("failed to start lifecycle sweeper: %w", err)
	}
	c.started = true
	c.logger.Info().Msg("directory client started")
	return nil
}

// Stop halts the background components and releases the database and the
// ledger connections.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.sweeper.Stop()
		c.scanner.Stop()
		c.started = false
	}
	c.logger.Info().Msg("directory client stopped")
	return c.close()
}

func (c *Client) close() error {
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Status reports the ledger head and how far the projection has synced.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	st := &Status{DirectoryID: c.directoryID, ChainID: c.codec.ChainID().String()}

	head, err := c.gateway.BlockNumber(ctx)
	if err != nil {
		return nil, dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, "failed to read chain head")
	}
	st.ChainHead = head
	c.metrics.SetChainHead(head)

	if synced, ok, err := c.scanner.Checkpoint().Load(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to read checkpoint marker")
	} else if ok {
		st.LastSyncedBlock = synced
	}
	if completed, ok, err := c.store.LatestCompletedCheckpoint(ctx); err != nil {
		return nil, storeError(err)
	} else if ok {
		st.LastCompletedBlock = completed
	}
	if st.EntryCount, err = c.service.CountDataEntries(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// DirectoryID returns the directory the client serves.
func (c *Client) DirectoryID() string { return c.directoryID }

// Service returns the request service.
func (c *Client) Service() *DirectoryService { return c.service }

// Negotiator returns the agreement negotiator.
func (c *Client) Negotiator() *negotiator.Negotiator { return c.negotiator }

// Scanner returns the chain scanner.
func (c *Client) Scanner() *scanner.Scanner { return c.scanner }

// Sweeper returns the lifecycle sweeper.
func (c *Client) Sweeper() *sweeper.Sweeper { return c.sweeper }

// Store returns the projection store.
func (c *Client) Store() *projection.Store { return c.store }

// Codec returns the transaction codec.
func (c *Client) Codec() *codec.Codec { return c.codec }

// Metrics returns the client's instruments.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Subscribe delivers the notifications addressed to a user until cancel is
// called.
func (c *Client) Subscribe(role, userID string) (<-chan notify.Event, func()) {
	return c.hub.Subscribe(role, userID)
}
