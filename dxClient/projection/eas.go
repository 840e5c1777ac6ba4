package projection

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pushchain/dxdirectory/dxClient/store"
)

// InsertEAS stores an EAS row unless its id or deployment tx is already known.
func (s *Store) InsertEAS(ctx context.Context, eas *store.EAS) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	return insertIgnore(conn, eas, "EAS")
}

// FindEASByDeploymentTx returns the EAS created by a deployEAS transaction.
func (s *Store) FindEASByDeploymentTx(ctx context.Context, directoryID, txHash string) (*store.EAS, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.EAS](conn.Where("directory_id = ? AND deployment_tx_hash = ?", directoryID, txHash), "EAS")
}

// FindEASByID returns the EAS stored under easID.
func (s *Store) FindEASByID(ctx context.Context, directoryID, easID string) (*store.EAS, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.EAS](conn.Where("directory_id = ? AND eas_id = ?", directoryID, easID), "EAS")
}

// FindLatestEAS returns the EAS of a consumer on a data entry. Confirmed rows
// win over provisional ones, then valid over revoked or expired history.
func (s *Store) FindLatestEAS(ctx context.Context, directoryID, dataKey, consumerAddress string) (*store.EAS, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.EAS](conn.
		Where("directory_id = ? AND data_key = ? AND consumer_address = ?", directoryID, dataKey, consumerAddress).
		Order("is_confirmed DESC").Order("is_valid DESC").Order("deployment_date DESC"), "EAS")
}

// FindLatestEASForConsumerID is FindLatestEAS keyed by the consumer's user id.
func (s *Store) FindLatestEASForConsumerID(ctx context.Context, directoryID, dataKey, consumerID string) (*store.EAS, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.EAS](conn.
		Where("directory_id = ? AND data_key = ? AND consumer_id = ?", directoryID, dataKey, consumerID).
		Order("is_confirmed DESC").Order("is_valid DESC").Order("deployment_date DESC"), "EAS")
}

// ListEAS lists the EAS rows of a data entry.
func (s *Store) ListEAS(ctx context.Context, directoryID, dataKey string) ([]store.EAS, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []store.EAS
	if err := conn.Where("directory_id = ? AND data_key = ?", directoryID, dataKey).
		Order("deployment_date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query EAS: %w", err)
	}
	return rows, nil
}

// ListEASByConsumer lists the EAS rows granted to a consumer.
func (s *Store) ListEASByConsumer(ctx context.Context, directoryID, consumerID string) ([]store.EAS, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []store.EAS
	if err := conn.Where("directory_id = ? AND consumer_id = ?", directoryID, consumerID).
		Order("deployment_date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query EAS: %w", err)
	}
	return rows, nil
}

// RemapEASID renames a provisional EAS id to the ledger-assigned one.
func (s *Store) RemapEASID(ctx context.Context, directoryID, oldID, newID string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.EAS{}).
		Where("directory_id = ? AND eas_id = ?", directoryID, oldID).
		Update("eas_id", newID), "EAS id")
}

// ConfirmEASByTx flips isConfirmed on the EAS deployed by txHash.
func (s *Store) ConfirmEASByTx(ctx context.Context, directoryID, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.EAS{}).
		Where("directory_id = ? AND deployment_tx_hash = ? AND is_confirmed = ?", directoryID, txHash, false).
		Update("is_confirmed", true), "EAS")
}

// IncrementDownloadCount counts one successful download against a valid,
// confirmed EAS.
func (s *Store) IncrementDownloadCount(ctx context.Context, directoryID, easID string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.EAS{}).
		Where("directory_id = ? AND eas_id = ? AND is_valid = ? AND is_confirmed = ?", directoryID, easID, true, true).
		Update("download_count", gorm.Expr("download_count + 1")), "EAS download count")
}

// RevokeEAS invalidates an EAS that is still valid and was never downloaded.
func (s *Store) RevokeEAS(ctx context.Context, directoryID, easID, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.EAS{}).
		Where("directory_id = ? AND eas_id = ? AND is_valid = ? AND download_count = ?", directoryID, easID, true, 0).
		Updates(map[string]any{"is_valid": false, "revocation_tx_hash": txHash}), "EAS")
}

// ExpireEAS invalidates every valid EAS whose expiration date has passed.
func (s *Store) ExpireEAS(ctx context.Context, directoryID string, now time.Time) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.EAS{}).
		Where("directory_id = ? AND is_valid = ? AND expiration_date <= ?", directoryID, true, now.UTC()).
		Update("is_valid", false), "EAS")
}

// DeleteUnconfirmedEASByTx removes the provisional row of a deployEAS
// transaction that never reached the ledger.
func (s *Store) DeleteUnconfirmedEASByTx(ctx context.Context, directoryID, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	result := conn.
		Where("directory_id = ? AND deployment_tx_hash = ? AND is_confirmed = ?", directoryID, txHash, false).
		Delete(&store.EAS{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete EAS: %w", result.Error)
	}
	return result.RowsAffected, nil
}
