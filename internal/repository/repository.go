// Package repository holds the SQL access for ledger rows: VLANs, user bindings and
// pending cleanups.
package repository

import "context"

// Repository is the row access every ledger table offers.
type Repository[T any, ID comparable] interface {
	// Save inserts or updates a row
	Save(ctx context.Context, entity T) (T, error)

	// FindByID returns ErrNotFound when no row has the id
	FindByID(ctx context.Context, id ID) (T, error)

	FindAll(ctx context.Context) ([]T, error)

	// DeleteByID returns ErrNotFound when no row has the id
	DeleteByID(ctx context.Context, id ID) error

	ExistsByID(ctx context.Context, id ID) (bool, error)
}
