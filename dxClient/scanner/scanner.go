// Package scanner follows the ledger and feeds confirmed directory
// transactions to the reconciler, block by block.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
	"github.com/pushchain/dxdirectory/dxClient/projection"
)

// Applier records the effect of a confirmed directory call.
type Applier interface {
	Apply(ctx context.Context, call *codec.DecodedCall) error
}

// Config holds the scanner settings.
type Config struct {
	DirectoryID        string
	StartBlock         uint64
	ConfirmationOffset uint64
	SyncInterval       time.Duration
	CheckpointPath     string
	Retry              *dxerrors.RetryConfig
	// ResubscribeDelay is the first wait before re-subscribing to headers.
	ResubscribeDelay time.Duration
}

// Scanner drives ProcessBlock from a header subscription and a periodic
// catch-up pass.
type Scanner struct {
	cfg        Config
	gateway    ledger.Gateway
	codec      *codec.Codec
	applier    Applier
	store      *projection.Store
	checkpoint *CheckpointFile
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	catchUpMu sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// New creates a scanner. metrics may be nil.
func New(
	cfg Config,
	gateway ledger.Gateway,
	c *codec.Codec,
	applier Applier,
	st *projection.Store,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Scanner, error) {
	directory, err := codec.NormalizeAddress(cfg.DirectoryID)
	if err != nil {
		return nil, dxerrors.NewConfigError(fmt.Sprintf("invalid directory address: %v", err))
	}
	if cfg.CheckpointPath == "" {
		return nil, dxerrors.NewConfigError("checkpoint path is required")
	}
	cfg.DirectoryID = directory
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = dxerrors.DefaultRetryConfig()
	}

	return &Scanner{
		cfg:        cfg,
		gateway:    gateway,
		codec:      c,
		applier:    applier,
		store:      st,
		checkpoint: NewCheckpointFile(cfg.CheckpointPath),
		metrics:    m,
		logger:     logger.With().Str("component", "chain_scanner").Logger(),
	}, nil
}

// Checkpoint returns the durable marker of the last fully synced block.
func (s *Scanner) Checkpoint() *CheckpointFile {
	return s.checkpoint
}

// ProcessBlock reconciles every successful directory transaction of block n
// and marks the block complete. A failed reconciliation leaves the block
// incomplete so a later pass retries it.
func (s *Scanner) ProcessBlock(ctx context.Context, n uint64) error {
	if n < s.cfg.StartBlock {
		return nil
	}

	cp, err := s.store.EnsureCheckpoint(ctx, n)
	if err != nil {
		return dxerrors.NewDependencyError(fmt.Sprintf("failed to load checkpoint of block %d", n), err)
	}
	if cp.SyncIsCompleted {
		return nil
	}

	var block *types.Block
	if err := s.retry(ctx, func() error {
		var innerErr error
		block, innerErr = s.gateway.GetBlock(ctx, n)
		return innerErr
	}); err != nil {
		s.metrics.BlockFailed()
		return dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, fmt.Sprintf("failed to fetch block %d", n))
	}

	blockTime := time.Unix(int64(block.Time()), 0).UTC()
	applied := 0
	for _, tx := range block.Transactions() {
		if tx.To() == nil || codec.AddressHex(*tx.To()) != s.cfg.DirectoryID {
			continue
		}
		ok, err := s.processTransaction(ctx, tx, n, blockTime)
		if err != nil {
			s.metrics.BlockFailed()
			s.logger.Error().Err(err).Uint64("block", n).Str("tx_hash", tx.Hash().Hex()).Msg("block left incomplete")
			return err
		}
		if ok {
			applied++
		}
	}

	if err := s.store.CompleteCheckpoint(ctx, n); err != nil {
		return dxerrors.NewDependencyError(fmt.Sprintf("failed to complete checkpoint of block %d", n), err)
	}
	s.metrics.BlockProcessed()
	if applied > 0 {
		s.logger.Info().Uint64("block", n).Int("applied", applied).Msg("block reconciled")
	} else {
		s.logger.Debug().Uint64("block", n).Msg("block has no directory transactions")
	}
	return nil
}

func (s *Scanner) processTransaction(ctx context.Context, tx *types.Transaction, n uint64, blockTime time.Time) (bool, error) {
	hash := codec.HashHex(tx.Hash())
	log := s.logger.With().Uint64("block", n).Str("tx_hash", hash).Logger()

	var receipt *types.Receipt
	if err := s.retry(ctx, func() error {
		var innerErr error
		receipt, innerErr = s.gateway.GetReceipt(ctx, hash)
		return innerErr
	}); err != nil {
		return false, dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, fmt.Sprintf("failed to fetch receipt %s", hash))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Warn().Msg("directory transaction reverted, ignoring")
		s.metrics.TransactionSkipped("reverted")
		return false, nil
	}

	decoded, err := s.codec.DecodeTransaction(tx)
	switch {
	case errors.Is(err, codec.ErrUnknownSelector):
		log.Warn().Err(err).Msg("unknown function selector, skipping")
		s.metrics.TransactionSkipped("unknown_selector")
		return false, nil
	case err != nil:
		log.Warn().Err(err).Msg("undecodable directory transaction, skipping")
		s.metrics.TransactionSkipped("malformed")
		return false, nil
	}
	decoded.BlockNumber = n
	decoded.BlockTime = blockTime

	if err := s.applier.Apply(ctx, decoded); err != nil {
		return false, err
	}
	return true, nil
}

// CatchUp processes every block from the resume point through
// head - offset - 1 and then advances the checkpoint file. Concurrent calls
// return immediately while a pass is running.
func (s *Scanner) CatchUp(ctx context.Context) error {
	if !s.catchUpMu.TryLock() {
		return nil
	}
	defer s.catchUpMu.Unlock()

	var head uint64
	if err := s.retry(ctx, func() error {
		var innerErr error
		head, innerErr = s.gateway.BlockNumber(ctx)
		return innerErr
	}); err != nil {
		return dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, "failed to fetch chain head")
	}
	s.metrics.SetChainHead(head)

	if head < s.cfg.ConfirmationOffset+1 {
		return nil
	}
	target := head - s.cfg.ConfirmationOffset - 1

	from, err := s.resumePoint(ctx)
	if err != nil {
		return err
	}
	if from > target {
		return nil
	}

	s.logger.Debug().Uint64("from", from).Uint64("to", target).Msg("catching up")
	for n := from; n <= target; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.ProcessBlock(ctx, n); err != nil {
			return err
		}
	}

	if err := s.checkpoint.Save(target); err != nil {
		return dxerrors.NewDependencyError("failed to persist checkpoint", err)
	}
	s.metrics.SetLastSyncedBlock(target)
	s.logger.Info().Uint64("synced_to", target).Msg("catch-up pass completed")
	return nil
}

// resumePoint is the first block the catch-up pass has to visit. The file
// marker is trusted only while the checkpoint table backs it.
func (s *Scanner) resumePoint(ctx context.Context) (uint64, error) {
	marker, ok, err := s.checkpoint.Load()
	if err != nil {
		return 0, dxerrors.NewDependencyError("failed to read checkpoint", err)
	}
	if !ok || marker < s.cfg.StartBlock {
		return s.cfg.StartBlock, nil
	}

	latest, found, err := s.store.LatestCompletedCheckpoint(ctx)
	if err != nil {
		return 0, dxerrors.NewDependencyError("failed to read block checkpoints", err)
	}
	if !found || latest < marker {
		s.logger.Warn().
			Uint64("marker", marker).
			Uint64("latest_completed", latest).
			Msg("checkpoint file is ahead of the database, rescanning from start block")
		return s.cfg.StartBlock, nil
	}
	return marker + 1, nil
}

// Start runs an initial catch-up pass, then keeps following the ledger
// through the header subscription and the catch-up ticker.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scanner already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.logger.Info().
		Str("directory", s.cfg.DirectoryID).
		Uint64("start_block", s.cfg.StartBlock).
		Uint64("confirmation_offset", s.cfg.ConfirmationOffset).
		Dur("sync_interval", s.cfg.SyncInterval).
		Msg("starting chain scanner")

	s.wg.Add(2)
	go s.catchUpLoop(runCtx)
	go s.liveLoop(runCtx)
	return nil
}

// Stop cancels both intake paths and waits for them to return.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info().Msg("stopping chain scanner")
	cancel()
	s.wg.Wait()
}

func (s *Scanner) catchUpLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.CatchUp(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("initial catch-up failed")
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CatchUp(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("catch-up pass failed")
			}
		}
	}
}

func (s *Scanner) liveLoop(ctx context.Context) {
	defer s.wg.Done()

	attempt := 0
	for {
		sub, err := s.gateway.SubscribeNewBlockHeaders(ctx)
		if err != nil {
			attempt++
			delay := dxerrors.ExponentialBackoff(attempt, s.cfg.ResubscribeDelay, s.cfg.SyncInterval)
			if errors.Is(err, ledger.ErrSubscriptionUnsupported) {
				s.logger.Debug().Err(err).Dur("retry_in", delay).Msg("header subscription unavailable, relying on catch-up")
			} else {
				s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("failed to subscribe to new headers")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		s.logger.Info().Msg("subscribed to new block headers")
		if !s.consume(ctx, sub) {
			return
		}
	}
}

// consume processes headers until the subscription fails (returns true) or
// the scanner stops (returns false).
func (s *Scanner) consume(ctx context.Context, sub *ledger.HeaderSubscription) bool {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return false
		case err, ok := <-sub.Err:
			if ok && err != nil {
				s.logger.Warn().Err(err).Msg("header subscription dropped")
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(s.cfg.ResubscribeDelay):
			}
			return true
		case header, ok := <-sub.Headers:
			if !ok {
				return true
			}
			if header == nil || header.Number == nil || !header.Number.IsUint64() {
				continue
			}
			number := header.Number.Uint64()
			if number < s.cfg.ConfirmationOffset {
				continue
			}
			candidate := number - s.cfg.ConfirmationOffset
			if err := s.ProcessBlock(ctx, candidate); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Uint64("block", candidate).Msg("live block processing failed")
			}
		}
	}
}

func (s *Scanner) retry(ctx context.Context, fn dxerrors.RetryFunc) error {
	return dxerrors.RetryWithConfig(ctx, fn, s.cfg.Retry)
}
