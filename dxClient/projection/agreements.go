package projection

import (
	"context"
	"fmt"

	"github.com/pushchain/dxdirectory/dxClient/store"
)

// AgreementQuery selects agreement rows. Empty fields are not filtered.
type AgreementQuery struct {
	DataKey           string
	Role              string
	UserID            string
	TargetUserID      string
	UserAddress       string
	TargetUserAddress string
	PendingOnly       bool
}

// InsertAgreement stores a new agreement row.
func (s *Store) InsertAgreement(ctx context.Context, agreement *store.DataEntryAgreement) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := conn.Create(agreement).Error; err != nil {
		return fmt.Errorf("failed to insert agreement: %w", err)
	}
	return nil
}

// FindAgreements lists agreement rows matching q, oldest first.
func (s *Store) FindAgreements(ctx context.Context, directoryID string, q AgreementQuery) ([]store.DataEntryAgreement, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := conn.Where("directory_id = ?", directoryID)
	for column, value := range map[string]string{
		"data_key":            q.DataKey,
		"role":                q.Role,
		"user_id":             q.UserID,
		"target_user_id":      q.TargetUserID,
		"user_address":        q.UserAddress,
		"target_user_address": q.TargetUserAddress,
	} {
		if value != "" {
			query = query.Where(column+" = ?", value)
		}
	}
	if q.PendingOnly {
		query = query.Where("is_rejected = ?", false)
	}

	var rows []store.DataEntryAgreement
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query agreements: %w", err)
	}
	return rows, nil
}

// RejectAgreement flips isRejected on a pending row.
func (s *Store) RejectAgreement(ctx context.Context, id uint) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.DataEntryAgreement{}).
		Where("id = ? AND is_rejected = ?", id, false).
		Update("is_rejected", true), "agreement")
}

// DeleteAgreementPair removes both sides' rows for a data entry and consumer.
func (s *Store) DeleteAgreementPair(ctx context.Context, directoryID, dataKey, consumerAddress string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	result := conn.
		Where("directory_id = ? AND data_key = ?", directoryID, dataKey).
		Where("(user_address = ? OR target_user_address = ?)", consumerAddress, consumerAddress).
		Delete(&store.DataEntryAgreement{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete agreements: %w", result.Error)
	}
	return result.RowsAffected, nil
}
