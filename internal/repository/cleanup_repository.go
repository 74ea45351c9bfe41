package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vlab/internal/domain"
)

// CleanupRepository stores external resources left behind by partial failures
type CleanupRepository interface {
	Repository[domain.Cleanup, int64]
	FindPending(ctx context.Context) ([]domain.Cleanup, error)
	MarkResolved(ctx context.Context, id int64) error
}

// cleanupRepositoryImpl implements CleanupRepository
type cleanupRepositoryImpl struct {
	db DBTX
}

// NewCleanupRepository creates a new cleanup repository
func NewCleanupRepository(db DBTX) CleanupRepository {
	return &cleanupRepositoryImpl{
		db: db,
	}
}

const cleanupColumns = "id, kind, resource_id, vlan_id, user_id, lab_id, step, reason, created_at, resolved_at"

// Save records a new cleanup or updates an existing one
func (r *cleanupRepositoryImpl) Save(ctx context.Context, c domain.Cleanup) (domain.Cleanup, error) {
	if c.Kind == "" || c.ResourceID == "" {
		return domain.Cleanup{}, fmt.Errorf("%w: cleanup kind and resource are required", ErrInvalidEntity)
	}

	if c.ID == 0 {
		result, err := r.db.ExecContext(ctx, `
			INSERT INTO pending_cleanups (kind, resource_id, vlan_id, user_id, lab_id, step, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.Kind, c.ResourceID, c.VlanID, c.UserID, c.LabID, c.Step, c.Reason)
		if err != nil {
			return domain.Cleanup{}, fmt.Errorf("failed to create cleanup: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return domain.Cleanup{}, fmt.Errorf("failed to get cleanup ID: %w", err)
		}
		return r.FindByID(ctx, id)
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_cleanups
		SET kind = ?, resource_id = ?, vlan_id = ?, user_id = ?, lab_id = ?, step = ?, reason = ?
		WHERE id = ?`,
		c.Kind, c.ResourceID, c.VlanID, c.UserID, c.LabID, c.Step, c.Reason, c.ID)
	if err != nil {
		return domain.Cleanup{}, fmt.Errorf("failed to update cleanup: %w", err)
	}
	return r.FindByID(ctx, c.ID)
}

// FindByID finds a cleanup by ID
func (r *cleanupRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Cleanup, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+cleanupColumns+" FROM pending_cleanups WHERE id = ?", id)
	c, err := scanCleanup(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return domain.Cleanup{}, fmt.Errorf("cleanup %d: %w", id, ErrNotFound)
		}
		return domain.Cleanup{}, fmt.Errorf("failed to find cleanup: %w", err)
	}
	return c, nil
}

// FindAll finds all cleanups, resolved or not
func (r *cleanupRepositoryImpl) FindAll(ctx context.Context) ([]domain.Cleanup, error) {
	return r.query(ctx, "SELECT "+cleanupColumns+" FROM pending_cleanups ORDER BY id")
}

// FindPending finds unresolved cleanups, oldest first
func (r *cleanupRepositoryImpl) FindPending(ctx context.Context) ([]domain.Cleanup, error) {
	return r.query(ctx, "SELECT "+cleanupColumns+" FROM pending_cleanups WHERE resolved_at IS NULL ORDER BY id")
}

// MarkResolved stamps a cleanup as done
func (r *cleanupRepositoryImpl) MarkResolved(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE pending_cleanups SET resolved_at = CURRENT_TIMESTAMP WHERE id = ? AND resolved_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("failed to resolve cleanup: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("pending cleanup %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteByID deletes a cleanup by ID
func (r *cleanupRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM pending_cleanups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete cleanup: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("cleanup %d: %w", id, ErrNotFound)
	}
	return nil
}

// ExistsByID checks if a cleanup exists by ID
func (r *cleanupRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_cleanups WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check cleanup existence: %w", err)
	}
	return count > 0, nil
}

func (r *cleanupRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Cleanup, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find cleanups: %w", err)
	}
	defer rows.Close()

	var cleanups []domain.Cleanup
	for rows.Next() {
		c, err := scanCleanup(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cleanup: %w", err)
		}
		cleanups = append(cleanups, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cleanups: %w", err)
	}
	return cleanups, nil
}

func scanCleanup(scan func(dest ...any) error) (domain.Cleanup, error) {
	var c domain.Cleanup
	var kind string
	var resolved sql.NullTime
	err := scan(&c.ID, &kind, &c.ResourceID, &c.VlanID, &c.UserID, &c.LabID, &c.Step, &c.Reason, &c.CreatedAt, &resolved)
	if err != nil {
		return domain.Cleanup{}, err
	}
	c.Kind = domain.CleanupKind(kind)
	if resolved.Valid {
		t := resolved.Time
		c.ResolvedAt = &t
	}
	return c, nil
}
