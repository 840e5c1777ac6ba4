// Package sweeper withdraws data entries past their due date and invalidates
// expired EAS on a fixed interval.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
	"github.com/pushchain/dxdirectory/dxClient/projection"
)

// Checkpointer compacts the database journal after bulk updates.
type Checkpointer interface {
	Checkpoint() error
}

// Result counts the rows flipped by one sweep.
type Result struct {
	EntriesWithdrawn int64
	EASExpired       int64
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the clock the due dates are compared against.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithCheckpointer truncates the WAL after a sweep that changed rows.
func WithCheckpointer(c Checkpointer) Option {
	return func(s *Sweeper) { s.checkpointer = c }
}

// WithMetrics counts swept rows.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// Sweeper runs the date-driven lifecycle updates.
type Sweeper struct {
	directoryID  string
	store        *projection.Store
	interval     time.Duration
	now          func() time.Time
	checkpointer Checkpointer
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a sweeper running every interval.
func New(directoryID string, st *projection.Store, interval time.Duration, logger zerolog.Logger, opts ...Option) (*Sweeper, error) {
	directory, err := codec.NormalizeAddress(directoryID)
	if err != nil {
		return nil, dxerrors.NewConfigError(fmt.Sprintf("invalid directory address: %v", err))
	}
	if interval <= 0 {
		return nil, dxerrors.NewConfigError("sweep interval must be positive")
	}
	s := &Sweeper{
		directoryID: directory,
		store:       st,
		interval:    interval,
		now:         time.Now,
		logger:      logger.With().Str("component", "lifecycle_sweeper").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SweepOnce applies both updates. Rows already flipped are left alone, so
// repeated sweeps change nothing.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	now := s.now().UTC()
	var result Result

	errs := dxerrors.NewErrorGroup()
	withdrawn, err := s.store.ExpireDueDataEntries(ctx, s.directoryID, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to withdraw due data entries")
		errs.Add(err)
	}
	result.EntriesWithdrawn = withdrawn

	expired, err := s.store.ExpireEAS(ctx, s.directoryID, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to expire EAS")
		errs.Add(err)
	}
	result.EASExpired = expired

	s.metrics.RowsSwept("data_entry", withdrawn)
	s.metrics.RowsSwept("eas", expired)

	if withdrawn+expired > 0 {
		s.logger.Info().
			Int64("entries_withdrawn", withdrawn).
			Int64("eas_expired", expired).
			Dur("duration", time.Since(start)).
			Msg("lifecycle sweep completed")
		s.checkpointWAL()
	} else {
		s.logger.Debug().Dur("duration", time.Since(start)).Msg("lifecycle sweep completed - nothing due")
	}

	if errs.HasErrors() {
		return result, dxerrors.NewDependencyError("lifecycle sweep failed", errs)
	}
	return result, nil
}

func (s *Sweeper) checkpointWAL() {
	if s.checkpointer == nil {
		return
	}
	if err := s.checkpointer.Checkpoint(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to checkpoint WAL")
	}
}

// Start performs an initial sweep and then sweeps every interval until ctx
// is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return fmt.Errorf("sweeper already running")
	}

	s.logger.Info().Dur("interval", s.interval).Msg("starting lifecycle sweeper")

	if _, err := s.SweepOnce(ctx); err != nil {
		// Startup continues; the next tick retries.
		s.logger.Error().Err(err).Msg("failed to perform initial sweep")
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})
	s.stopCh, s.done = stopCh, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("context cancelled, stopping lifecycle sweeper")
				return
			case <-stopCh:
				s.logger.Info().Msg("stop signal received, stopping lifecycle sweeper")
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Error().Err(err).Msg("failed to perform scheduled sweep")
				}
			}
		}
	}()
	return nil
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stopCh, done := s.stopCh, s.done
	s.stopCh, s.done = nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
}
