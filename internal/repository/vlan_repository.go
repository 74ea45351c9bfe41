package repository

import (
	"context"
	"fmt"

	"github.com/jbweber/homelab/vlab/internal/domain"
)

// VlanRepository defines domain-specific operations for ledger VLAN rows
type VlanRepository interface {
	Repository[domain.Vlan, int64]
	FindByOwnerAndLab(ctx context.Context, ownerID, labID string) (domain.Vlan, error)
	FindByOwner(ctx context.Context, ownerID string) ([]domain.Vlan, error)
	FindByLab(ctx context.Context, labID string) ([]domain.Vlan, error)
}

// vlanRepositoryImpl implements VlanRepository
type vlanRepositoryImpl struct {
	db DBTX
}

// NewVlanRepository creates a new VLAN repository
func NewVlanRepository(db DBTX) VlanRepository {
	return &vlanRepositoryImpl{
		db: db,
	}
}

const vlanColumns = "vlan_id, lab_id, owner_id, network_id, cidr, created_at"

// ValidateVlan checks the fields every VLAN row needs
func ValidateVlan(v domain.Vlan) error {
	if v.ID <= 0 {
		return fmt.Errorf("%w: vlan id must be positive", ErrInvalidEntity)
	}
	if v.LabID == "" || v.OwnerID == "" {
		return fmt.Errorf("%w: vlan lab and owner are required", ErrInvalidEntity)
	}
	if v.CIDR == "" {
		return fmt.Errorf("%w: vlan cidr is required", ErrInvalidEntity)
	}
	return nil
}

// Save inserts a VLAN row, or updates its network and cidr when the id already exists.
// A second row for the same owner and lab fails with ErrDuplicate.
func (r *vlanRepositoryImpl) Save(ctx context.Context, v domain.Vlan) (domain.Vlan, error) {
	if err := ValidateVlan(v); err != nil {
		return domain.Vlan{}, err
	}

	// An existing id only updates when it belongs to the same owner and lab
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO vlans (vlan_id, lab_id, owner_id, network_id, cidr)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (vlan_id) DO UPDATE SET network_id = excluded.network_id, cidr = excluded.cidr
		WHERE vlans.owner_id = excluded.owner_id AND vlans.lab_id = excluded.lab_id`,
		v.ID, v.LabID, v.OwnerID, v.NetworkID, v.CIDR)
	if err != nil {
		if isConstraintViolation(err) {
			return domain.Vlan{}, fmt.Errorf("%w: vlan for owner %s in lab %s", ErrDuplicate, v.OwnerID, v.LabID)
		}
		return domain.Vlan{}, fmt.Errorf("failed to save vlan: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Vlan{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.Vlan{}, fmt.Errorf("%w: vlan %d is held by another owner or lab", ErrDuplicate, v.ID)
	}

	return r.FindByID(ctx, v.ID)
}

// FindByID finds a VLAN row by VLAN id
func (r *vlanRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Vlan, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+vlanColumns+" FROM vlans WHERE vlan_id = ?", id)
	v, err := scanVlan(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return domain.Vlan{}, fmt.Errorf("vlan %d: %w", id, ErrNotFound)
		}
		return domain.Vlan{}, fmt.Errorf("failed to find vlan: %w", err)
	}
	return v, nil
}

// FindByOwnerAndLab finds the VLAN a user holds in a lab
func (r *vlanRepositoryImpl) FindByOwnerAndLab(ctx context.Context, ownerID, labID string) (domain.Vlan, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+vlanColumns+" FROM vlans WHERE owner_id = ? AND lab_id = ?", ownerID, labID)
	v, err := scanVlan(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return domain.Vlan{}, fmt.Errorf("vlan for owner %s in lab %s: %w", ownerID, labID, ErrNotFound)
		}
		return domain.Vlan{}, fmt.Errorf("failed to find vlan: %w", err)
	}
	return v, nil
}

// FindByOwner finds all VLANs a user holds
func (r *vlanRepositoryImpl) FindByOwner(ctx context.Context, ownerID string) ([]domain.Vlan, error) {
	return r.query(ctx, "SELECT "+vlanColumns+" FROM vlans WHERE owner_id = ? ORDER BY vlan_id", ownerID)
}

// FindByLab finds all VLANs provisioned in a lab
func (r *vlanRepositoryImpl) FindByLab(ctx context.Context, labID string) ([]domain.Vlan, error) {
	return r.query(ctx, "SELECT "+vlanColumns+" FROM vlans WHERE lab_id = ? ORDER BY vlan_id", labID)
}

// FindAll finds all VLAN rows
func (r *vlanRepositoryImpl) FindAll(ctx context.Context) ([]domain.Vlan, error) {
	return r.query(ctx, "SELECT "+vlanColumns+" FROM vlans ORDER BY vlan_id")
}

// DeleteByID deletes a VLAN row; bindings referencing it are removed by the schema
func (r *vlanRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM vlans WHERE vlan_id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete vlan: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("vlan %d: %w", id, ErrNotFound)
	}

	return nil
}

// ExistsByID checks if a VLAN row exists
func (r *vlanRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vlans WHERE vlan_id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check vlan existence: %w", err)
	}
	return count > 0, nil
}

func (r *vlanRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Vlan, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find vlans: %w", err)
	}
	defer rows.Close()

	var vlans []domain.Vlan
	for rows.Next() {
		v, err := scanVlan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vlan: %w", err)
		}
		vlans = append(vlans, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vlans: %w", err)
	}

	return vlans, nil
}

func scanVlan(scan func(dest ...any) error) (domain.Vlan, error) {
	var v domain.Vlan
	err := scan(&v.ID, &v.LabID, &v.OwnerID, &v.NetworkID, &v.CIDR, &v.CreatedAt)
	return v, err
}
