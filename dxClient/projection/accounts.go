package projection

import (
	"context"
	"fmt"

	"github.com/pushchain/dxdirectory/dxClient/store"
)

// InsertAccount stores a new account unless one already holds its address or
// user id for the same role.
func (s *Store) InsertAccount(ctx context.Context, account *store.UserAccount) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	return insertIgnore(conn, account, "user account")
}

// FindAccountByUserID returns the account registered under userID for role.
func (s *Store) FindAccountByUserID(ctx context.Context, directoryID, role, userID string) (*store.UserAccount, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.UserAccount](conn.Where("directory_id = ? AND role = ? AND user_id = ?", directoryID, role, userID), "user account")
}

// FindAccountByAddress returns the account registered at address for role.
func (s *Store) FindAccountByAddress(ctx context.Context, directoryID, role, address string) (*store.UserAccount, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.UserAccount](conn.Where("directory_id = ? AND role = ? AND user_address = ?", directoryID, role, address), "user account")
}

// FindAccountByRegistrationTx returns the account created by a register transaction.
func (s *Store) FindAccountByRegistrationTx(ctx context.Context, directoryID, txHash string) (*store.UserAccount, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return first[store.UserAccount](conn.Where("directory_id = ? AND registration_tx_hash = ?", directoryID, txHash), "user account")
}

// AccountExists reports whether role already has an account with the given
// user id or address.
func (s *Store) AccountExists(ctx context.Context, directoryID, role, userID, address string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var count int64
	if err := conn.Model(&store.UserAccount{}).
		Where("directory_id = ? AND role = ?", directoryID, role).
		Where("(user_id = ? OR user_address = ?)", userID, address).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count user accounts: %w", err)
	}
	return count > 0, nil
}

// ConfirmAccountsByTx flips isConfirmed on every account created by txHash.
func (s *Store) ConfirmAccountsByTx(ctx context.Context, directoryID, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	return updated(conn.Model(&store.UserAccount{}).
		Where("directory_id = ? AND registration_tx_hash = ? AND is_confirmed = ?", directoryID, txHash, false).
		Update("is_confirmed", true), "user account")
}

// DeleteUnconfirmedAccountByTx removes the pending account of a register
// transaction that never reached the ledger.
func (s *Store) DeleteUnconfirmedAccountByTx(ctx context.Context, directoryID, txHash string) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	result := conn.
		Where("directory_id = ? AND registration_tx_hash = ? AND is_confirmed = ?", directoryID, txHash, false).
		Delete(&store.UserAccount{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete user account: %w", result.Error)
	}
	return result.RowsAffected, nil
}
