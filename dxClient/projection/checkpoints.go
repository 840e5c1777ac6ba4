package projection

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/pushchain/dxdirectory/dxClient/store"
)

// EnsureCheckpoint returns the checkpoint row of block n, creating an
// incomplete one if none exists. Concurrent callers converge on one row.
func (s *Store) EnsureCheckpoint(ctx context.Context, n uint64) (*store.BlockCheckpoint, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := insertIgnore(conn, &store.BlockCheckpoint{BlockNumber: n}, "block checkpoint"); err != nil {
		return nil, err
	}
	return first[store.BlockCheckpoint](conn.Where("block_number = ?", n), "block checkpoint")
}

// CompleteCheckpoint marks block n as fully reconciled.
func (s *Store) CompleteCheckpoint(ctx context.Context, n uint64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := conn.Model(&store.BlockCheckpoint{}).
		Where("block_number = ?", n).
		Update("sync_is_completed", true).Error; err != nil {
		return fmt.Errorf("failed to complete block checkpoint: %w", err)
	}
	return nil
}

// LatestCompletedCheckpoint returns the highest fully reconciled block.
func (s *Store) LatestCompletedCheckpoint(ctx context.Context) (uint64, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	var cp store.BlockCheckpoint
	err = conn.Where("sync_is_completed = ?", true).Order("block_number DESC").First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query block checkpoints: %w", err)
	}
	return cp.BlockNumber, true, nil
}
