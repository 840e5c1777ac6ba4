package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/pushchain/dxdirectory/dxClient/store"
)

// DataEntryFilter narrows QueryDataEntries. Zero values leave a field unfiltered.
type DataEntryFilter struct {
	TitleContains string
	Gender        string
	MinAge        int // entry's upper bound must reach this age
	MaxAge        int // entry's lower bound must not exceed this age
	ProviderID    string
	OfferedOnly   bool
	Limit         int
}

// InsertDataEntry stores entry unless its dataKey already exists.
func (s *Store) InsertDataEntry(ctx context.Context, entry *store.DataEntry) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	return insertIgnore(conn, entry, "data entry")
}

// FindDataEntry returns the entry stored under dataKey.
func (s *Store) FindDataEntry(ctx context.Context, directoryID, dataKey string) (*store.DataEntry, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.DataEntry](conn.Where("directory_id = ? AND data_key = ?", directoryID, dataKey), "data entry")
}

// CertificateInUse reports whether any entry was created with certificate.
func (s *Store) CertificateInUse(ctx context.Context, directoryID, certificate string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var count int64
	if err := conn.Model(&store.DataEntry{}).
		Where("directory_id = ? AND certificate = ?", directoryID, certificate).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count data entries: %w", err)
	}
	return count > 0, nil
}

// ConfirmDataEntryByTx flips isConfirmed on the entry created by txHash.
func (s *Store) ConfirmDataEntryByTx(ctx context.Context, directoryID, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.DataEntry{}).
		Where("directory_id = ? AND creation_tx_hash = ? AND is_confirmed = ?", directoryID, txHash, false).
		Update("is_confirmed", true), "data entry")
}

// MarkDataEntryDeleted withdraws an offered entry. Entries already withdrawn
// are left untouched.
func (s *Store) MarkDataEntryDeleted(ctx context.Context, directoryID, dataKey, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.DataEntry{}).
		Where("directory_id = ? AND data_key = ? AND is_offered = ?", directoryID, dataKey, true).
		Updates(map[string]any{"is_offered": false, "deletion_tx_hash": txHash}), "data entry")
}

// ExpireDueDataEntries withdraws every offered entry whose due date has passed.
func (s *Store) ExpireDueDataEntries(ctx context.Context, directoryID string, now time.Time) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.DataEntry{}).
		Where("directory_id = ? AND is_offered = ? AND due_date <= ?", directoryID, true, now.UTC()).
		Update("is_offered", false), "data entry")
}

// CountDataEntries counts confirmed entries of the directory.
func (s *Store) CountDataEntries(ctx context.Context, directoryID string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := conn.Model(&store.DataEntry{}).
		Where("directory_id = ? AND is_confirmed = ?", directoryID, true).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count data entries: %w", err)
	}
	return count, nil
}

// QueryDataEntries lists confirmed entries matching filter, newest first.
func (s *Store) QueryDataEntries(ctx context.Context, directoryID string, filter DataEntryFilter) ([]store.DataEntry, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := conn.Where("directory_id = ? AND is_confirmed = ?", directoryID, true)
	if filter.TitleContains != "" {
		query = query.Where("title LIKE ?", "%"+filter.TitleContains+"%")
	}
	if filter.Gender != "" {
		query = query.Where("gender = ?", filter.Gender)
	}
	if filter.MinAge > 0 {
		query = query.Where("age_upper_bound >= ?", filter.MinAge)
	}
	if filter.MaxAge > 0 {
		query = query.Where("age_lower_bound <= ?", filter.MaxAge)
	}
	if filter.ProviderID != "" {
		query = query.Where("provider_id = ?", filter.ProviderID)
	}
	if filter.OfferedOnly {
		query = query.Where("is_offered = ?", true)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var entries []store.DataEntry
	if err := query.Order("creation_date DESC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to query data entries: %w", err)
	}
	return entries, nil
}
