// Package projection holds the query layer over the directory database. It is
// the only place that knows the table layout; components above it talk in
// store models and affected-row counts.
package projection

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pushchain/dxdirectory/dxClient/db"
)

// ErrNotFound is returned by the Find* methods when no row matches.
var ErrNotFound = errors.New("record not found")

// Store provides database operations for the directory projection.
type Store struct {
	client *gorm.DB
}

// NewStore creates a new projection store
func NewStore(database *db.DB) *Store {
	if database == nil {
		return &Store{}
	}
	return &Store{client: database.Client()}
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("database is nil")
	}
	return s.client.WithContext(ctx), nil
}

// Transaction runs fn against a store bound to a single database transaction.
// fn must only use the store it is given.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return conn.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{client: tx})
	})
}

// insertIgnore creates row unless it collides with a primary key or unique
// index, reporting whether a row was written.
func insertIgnore(conn *gorm.DB, row any, what string) (bool, error) {
	result := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert %s: %w", what, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func first[T any](query *gorm.DB, what string) (*T, error) {
	var row T
	if err := query.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	return &row, nil
}

func updated(result *gorm.DB, what string) (int64, error) {
	if result.Error != nil {
		return 0, fmt.Errorf("failed to update %s: %w", what, result.Error)
	}
	return result.RowsAffected, nil
}
