package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vlab/internal/domain"
)

// UserRepository stores each user's VLAN set and active VLAN pointer
type UserRepository interface {
	Repository[domain.UserVlanBinding, string]
	Ensure(ctx context.Context, userID string) error
	AddVlan(ctx context.Context, userID string, vlanID int64) error
	RemoveVlan(ctx context.Context, userID string, vlanID int64) error
	SetActiveVlan(ctx context.Context, userID string, vlanID *int64) error
}

// userRepositoryImpl implements UserRepository
type userRepositoryImpl struct {
	db DBTX
}

// NewUserRepository creates a new user binding repository
func NewUserRepository(db DBTX) UserRepository {
	return &userRepositoryImpl{
		db: db,
	}
}

// Save replaces a user's VLAN set and active pointer with the given binding
func (r *userRepositoryImpl) Save(ctx context.Context, b domain.UserVlanBinding) (domain.UserVlanBinding, error) {
	if b.UserID == "" {
		return domain.UserVlanBinding{}, fmt.Errorf("%w: user id is required", ErrInvalidEntity)
	}
	if b.ActiveVlan != nil && !containsVlan(b.Vlans, *b.ActiveVlan) {
		return domain.UserVlanBinding{}, fmt.Errorf("%w: active vlan %d is not in the user's set", ErrInvalidEntity, *b.ActiveVlan)
	}

	if err := r.Ensure(ctx, b.UserID); err != nil {
		return domain.UserVlanBinding{}, err
	}
	// Clear the pointer first so removing a VLAN from the set never trips it
	if err := r.SetActiveVlan(ctx, b.UserID, nil); err != nil {
		return domain.UserVlanBinding{}, err
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM user_vlans WHERE user_id = ?", b.UserID); err != nil {
		return domain.UserVlanBinding{}, fmt.Errorf("failed to clear user vlans: %w", err)
	}
	for _, id := range b.Vlans {
		if err := r.AddVlan(ctx, b.UserID, id); err != nil {
			return domain.UserVlanBinding{}, err
		}
	}
	if err := r.SetActiveVlan(ctx, b.UserID, b.ActiveVlan); err != nil {
		return domain.UserVlanBinding{}, err
	}

	return r.FindByID(ctx, b.UserID)
}

// Ensure creates the user row if it does not exist
func (r *userRepositoryImpl) Ensure(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEntity)
	}
	_, err := r.db.ExecContext(ctx, "INSERT INTO users (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING", userID)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// AddVlan adds a VLAN to the user's set
func (r *userRepositoryImpl) AddVlan(ctx context.Context, userID string, vlanID int64) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO user_vlans (user_id, vlan_id) VALUES (?, ?) ON CONFLICT DO NOTHING", userID, vlanID)
	if err != nil {
		return fmt.Errorf("failed to add vlan %d to user %s: %w", vlanID, userID, err)
	}
	return nil
}

// RemoveVlan removes a VLAN from the user's set, clearing the active pointer if it referenced it
func (r *userRepositoryImpl) RemoveVlan(ctx context.Context, userID string, vlanID int64) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE users SET active_vlan = NULL, updated_at = CURRENT_TIMESTAMP WHERE user_id = ? AND active_vlan = ?",
		userID, vlanID); err != nil {
		return fmt.Errorf("failed to clear active vlan: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM user_vlans WHERE user_id = ? AND vlan_id = ?", userID, vlanID); err != nil {
		return fmt.Errorf("failed to remove vlan %d from user %s: %w", vlanID, userID, err)
	}
	return nil
}

// SetActiveVlan points the user at one of their VLANs, or clears the pointer when vlanID is nil
func (r *userRepositoryImpl) SetActiveVlan(ctx context.Context, userID string, vlanID *int64) error {
	var active sql.NullInt64
	if vlanID != nil {
		var member int
		err := r.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM user_vlans WHERE user_id = ? AND vlan_id = ?", userID, *vlanID).Scan(&member)
		if err != nil {
			return fmt.Errorf("failed to check vlan membership: %w", err)
		}
		if member == 0 {
			return fmt.Errorf("%w: vlan %d is not in the set of user %s", ErrInvalidEntity, *vlanID, userID)
		}
		active = sql.NullInt64{Int64: *vlanID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE users SET active_vlan = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?", active, userID)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: vlan %d is active for another user", ErrDuplicate, active.Int64)
		}
		return fmt.Errorf("failed to set active vlan: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// FindByID returns a user's binding
func (r *userRepositoryImpl) FindByID(ctx context.Context, userID string) (domain.UserVlanBinding, error) {
	var active sql.NullInt64
	err := r.db.QueryRowContext(ctx, "SELECT active_vlan FROM users WHERE user_id = ?", userID).Scan(&active)
	if err != nil {
		if isNoRows(err) {
			return domain.UserVlanBinding{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return domain.UserVlanBinding{}, fmt.Errorf("failed to find user: %w", err)
	}

	b := domain.UserVlanBinding{UserID: userID}
	if active.Valid {
		id := active.Int64
		b.ActiveVlan = &id
	}

	b.Vlans, err = r.vlansOf(ctx, userID)
	if err != nil {
		return domain.UserVlanBinding{}, err
	}
	return b, nil
}

// FindAll returns every user's binding
func (r *userRepositoryImpl) FindAll(ctx context.Context) ([]domain.UserVlanBinding, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT user_id FROM users ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to find users: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	rows.Close()

	bindings := make([]domain.UserVlanBinding, 0, len(ids))
	for _, id := range ids {
		b, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// DeleteByID deletes a user row and its VLAN set
func (r *userRepositoryImpl) DeleteByID(ctx context.Context, userID string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM users WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// ExistsByID checks if a user row exists
func (r *userRepositoryImpl) ExistsByID(ctx context.Context, userID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return count > 0, nil
}

func (r *userRepositoryImpl) vlansOf(ctx context.Context, userID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT vlan_id FROM user_vlans WHERE user_id = ? ORDER BY vlan_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user vlans: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user vlan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user vlans: %w", err)
	}
	return ids, nil
}

func containsVlan(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
