// Package ledger is the local record of which VLAN belongs to which user in which
// lab, and which VLAN each user currently has bound on the router.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/repository"
)

// ErrNotFound is returned when no ledger row matches
var ErrNotFound = repository.ErrNotFound

// Ledger mutates the VLAN tables one short transaction per provisioning step
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New creates a ledger over an already-migrated database
func New(db *sql.DB, logger zerolog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// repos bundles repositories bound to one transaction or the bare database
type repos struct {
	vlans    repository.VlanRepository
	users    repository.UserRepository
	cleanups repository.CleanupRepository
}

func reposFor(db repository.DBTX) repos {
	return repos{
		vlans:    repository.NewVlanRepository(db),
		users:    repository.NewUserRepository(db),
		cleanups: repository.NewCleanupRepository(db),
	}
}

// inTx runs fn in a transaction and commits only when fn returns nil
func (l *Ledger) inTx(ctx context.Context, fn func(r repos) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	if err := fn(reposFor(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			l.logger.Error().Err(rbErr).Msg("ledger rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

// Lookup returns the VLAN a user holds in a lab
func (l *Ledger) Lookup(ctx context.Context, userID, labID string) (domain.Vlan, error) {
	return reposFor(l.db).vlans.FindByOwnerAndLab(ctx, userID, labID)
}

// Binding returns a user's VLAN set and active pointer. Unknown users have an empty binding.
func (l *Ledger) Binding(ctx context.Context, userID string) (domain.UserVlanBinding, error) {
	b, err := reposFor(l.db).users.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.UserVlanBinding{UserID: userID}, nil
	}
	return b, err
}

// Vlans returns every VLAN row
func (l *Ledger) Vlans(ctx context.Context) ([]domain.Vlan, error) {
	return reposFor(l.db).vlans.FindAll(ctx)
}

// VlansOf returns the VLAN rows a user holds
func (l *Ledger) VlansOf(ctx context.Context, userID string) ([]domain.Vlan, error) {
	return reposFor(l.db).vlans.FindByOwner(ctx, userID)
}

// Record runs external and then, in one short transaction, inserts the VLAN row, adds
// it to the owner's set and makes it active. Rows that would conflict are rejected
// before external runs, and nothing is written when external fails. No transaction is
// open while external runs, so slow router calls never hold the database lock. If the
// commit fails after external succeeded the error is returned and undoing external is
// up to the caller.
func (l *Ledger) Record(ctx context.Context, v domain.Vlan, external func(ctx context.Context) error) error {
	if err := l.checkRecordable(ctx, v); err != nil {
		return err
	}
	if external != nil {
		if err := external(ctx); err != nil {
			return err
		}
	}
	return l.inTx(ctx, func(r repos) error {
		if _, err := r.vlans.Save(ctx, v); err != nil {
			return fmt.Errorf("failed to record vlan %d: %w", v.ID, err)
		}
		if err := r.users.Ensure(ctx, v.OwnerID); err != nil {
			return err
		}
		if err := r.users.AddVlan(ctx, v.OwnerID, v.ID); err != nil {
			return err
		}
		return r.users.SetActiveVlan(ctx, v.OwnerID, &v.ID)
	})
}

// checkRecordable rejects a row that is invalid, whose VLAN id is held by another
// owner or lab, or whose owner already has a different VLAN in the lab
func (l *Ledger) checkRecordable(ctx context.Context, v domain.Vlan) error {
	if err := repository.ValidateVlan(v); err != nil {
		return err
	}
	r := reposFor(l.db)

	held, err := r.vlans.FindByID(ctx, v.ID)
	switch {
	case err == nil && (held.OwnerID != v.OwnerID || held.LabID != v.LabID):
		return fmt.Errorf("%w: vlan %d is held by another owner or lab", repository.ErrDuplicate, v.ID)
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return err
	}

	mine, err := r.vlans.FindByOwnerAndLab(ctx, v.OwnerID, v.LabID)
	switch {
	case err == nil && mine.ID != v.ID:
		return fmt.Errorf("%w: vlan for owner %s in lab %s", repository.ErrDuplicate, v.OwnerID, v.LabID)
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return err
	}
	return nil
}

// Activate runs external and then makes vlanID the user's active VLAN. A VLAN outside
// the user's set is rejected before external runs. Like Record, no transaction is
// open during external.
func (l *Ledger) Activate(ctx context.Context, userID string, vlanID int64, external func(ctx context.Context) error) error {
	b, err := reposFor(l.db).users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to activate vlan %d for user %s: %w", vlanID, userID, err)
	}
	if !slices.Contains(b.Vlans, vlanID) {
		return fmt.Errorf("failed to activate vlan %d for user %s: %w: vlan is not in the user's set",
			vlanID, userID, repository.ErrInvalidEntity)
	}
	if external != nil {
		if err := external(ctx); err != nil {
			return err
		}
	}
	return l.inTx(ctx, func(r repos) error {
		if err := r.users.SetActiveVlan(ctx, userID, &vlanID); err != nil {
			return fmt.Errorf("failed to activate vlan %d for user %s: %w", vlanID, userID, err)
		}
		return nil
	})
}

// Removal describes what Remove took out of the ledger
type Removal struct {
	Vlan      domain.Vlan
	WasActive bool
}

// Remove deletes the user's VLAN row for a lab, drops it from their set and clears
// the active pointer if it referenced it, in one transaction.
func (l *Ledger) Remove(ctx context.Context, userID, labID string) (Removal, error) {
	var removal Removal
	err := l.inTx(ctx, func(r repos) error {
		v, err := r.vlans.FindByOwnerAndLab(ctx, userID, labID)
		if err != nil {
			return err
		}
		b, err := r.users.FindByID(ctx, userID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		removal = Removal{Vlan: v, WasActive: b.IsActive(v.ID)}

		if err == nil {
			if err := r.users.RemoveVlan(ctx, userID, v.ID); err != nil {
				return err
			}
		}
		return r.vlans.DeleteByID(ctx, v.ID)
	})
	if err != nil {
		return Removal{}, err
	}
	return removal, nil
}

// RecordCleanup persists a leftover external resource for reconciliation
func (l *Ledger) RecordCleanup(ctx context.Context, c domain.Cleanup) (domain.Cleanup, error) {
	return reposFor(l.db).cleanups.Save(ctx, c)
}

// PendingCleanups returns unresolved cleanups
func (l *Ledger) PendingCleanups(ctx context.Context) ([]domain.Cleanup, error) {
	return reposFor(l.db).cleanups.FindPending(ctx)
}

// ResolveCleanup marks a cleanup as done
func (l *Ledger) ResolveCleanup(ctx context.Context, id int64) error {
	return reposFor(l.db).cleanups.MarkResolved(ctx, id)
}
