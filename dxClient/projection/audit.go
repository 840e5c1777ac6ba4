package projection

import (
	"context"
	"fmt"

	"github.com/pushchain/dxdirectory/dxClient/store"
)

// AppendAudit writes entry unless the directory already has one for its tx
// hash. The unique index is what guarantees one entry per transaction.
func (s *Store) AppendAudit(ctx context.Context, entry *store.AuditTrailLogEntry) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	return insertIgnore(conn, entry, "audit entry")
}

// CountAuditForTx returns how many audit entries reference txHash.
func (s *Store) CountAuditForTx(ctx context.Context, directoryID, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := conn.Model(&store.AuditTrailLogEntry{}).
		Where("directory_id = ? AND tx_hash = ?", directoryID, txHash).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return count, nil
}

// ListAudit returns audit entries in logging order, optionally limited to one
// certificate.
func (s *Store) ListAudit(ctx context.Context, directoryID, certificate string, limit int) ([]store.AuditTrailLogEntry, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := conn.Where("directory_id = ?", directoryID)
	if certificate != "" {
		query = query.Where("certificate = ?", certificate)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []store.AuditTrailLogEntry
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return rows, nil
}
