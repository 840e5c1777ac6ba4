package projection

import (
	"context"
	"fmt"

	"github.com/pushchain/dxdirectory/dxClient/store"
)

// InsertInvocation stores an invocation unless its tx hash is already known.
func (s *Store) InsertInvocation(ctx context.Context, invocation *store.EASInvocation) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	return insertIgnore(conn, invocation, "EAS invocation")
}

// FindInvocationByTx returns the invocation recorded by txHash.
func (s *Store) FindInvocationByTx(ctx context.Context, directoryID, txHash string) (*store.EASInvocation, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.EASInvocation](conn.Where("directory_id = ? AND tx_hash = ?", directoryID, txHash), "EAS invocation")
}

// ConfirmInvocationByTx flips isConfirmed on the invocation recorded by txHash.
func (s *Store) ConfirmInvocationByTx(ctx context.Context, directoryID, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.EASInvocation{}).
		Where("directory_id = ? AND tx_hash = ? AND is_confirmed = ?", directoryID, txHash, false).
		Update("is_confirmed", true), "EAS invocation")
}

// ListInvocations lists the invocations of a data entry, oldest first.
func (s *Store) ListInvocations(ctx context.Context, directoryID, dataKey string) ([]store.EASInvocation, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []store.EASInvocation
	if err := conn.Where("directory_id = ? AND data_key = ?", directoryID, dataKey).
		Order("invocation_date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query EAS invocations: %w", err)
	}
	return rows, nil
}
