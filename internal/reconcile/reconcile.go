// Package reconcile compares the VLAN ledger against the network service and the
// recorded pending cleanups, and repairs what it safely can.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/metrics"
)

// Ledger is the part of the VLAN ledger reconciliation reads and resolves
type Ledger interface {
	Vlans(ctx context.Context) ([]domain.Vlan, error)
	Binding(ctx context.Context, userID string) (domain.UserVlanBinding, error)
	PendingCleanups(ctx context.Context) ([]domain.Cleanup, error)
	ResolveCleanup(ctx context.Context, id int64) error
}

// Networks lists and deletes user networks
type Networks interface {
	UserNetworks(ctx context.Context) ([]domain.Network, error)
	DeleteUserNetwork(ctx context.Context, networkID string) error
}

// Router removes router artifacts named by cleanups
type Router interface {
	DeleteVlanInterface(ctx context.Context, vlanID int64) error
	BindUser(ctx context.Context, email string, vlanID int64) error
	UnbindUser(ctx context.Context, email string) error
}

// Report is the result of a scan
type Report struct {
	ScannedAt time.Time `json:"scanned_at"`
	Vlans     int       `json:"vlans"`
	// MissingNetworks are ledger rows whose network no longer exists
	MissingNetworks []domain.Vlan `json:"missing_networks"`
	// OrphanNetworks are user networks without a ledger row, older than the minimum age
	OrphanNetworks  []domain.Network `json:"orphan_networks"`
	PendingCleanups []domain.Cleanup `json:"pending_cleanups"`
}

// Clean reports whether the scan found nothing to do
func (r Report) Clean() bool {
	return len(r.MissingNetworks) == 0 && len(r.OrphanNetworks) == 0 && len(r.PendingCleanups) == 0
}

// Result is what Repair did
type Result struct {
	DeletedNetworks  []string `json:"deleted_networks"`
	ResolvedCleanups []int64  `json:"resolved_cleanups"`
	Failed           []string `json:"failed"`
}

// Config controls reconciliation
type Config struct {
	// MinOrphanAge keeps networks created moments ago, whose ledger row may not be
	// committed yet, out of the orphan list
	MinOrphanAge time.Duration
	// Concurrency bounds parallel repairs
	Concurrency int
}

// Reconciler scans and repairs drift between the ledger and external systems
type Reconciler struct {
	ledger   Ledger
	networks Networks
	router   Router
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a reconciler
func New(ledger Ledger, networks Networks, router Router, cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Reconciler{
		ledger:   ledger,
		networks: networks,
		router:   router,
		cfg:      cfg,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		now:      time.Now,
	}
}

// Scan loads the ledger, the user networks and the pending cleanups concurrently and
// reports the differences
func (r *Reconciler) Scan(ctx context.Context) (Report, error) {
	var (
		vlans    []domain.Vlan
		networks []domain.Network
		pending  []domain.Cleanup
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if vlans, err = r.ledger.Vlans(gctx); err != nil {
			return fmt.Errorf("failed to load ledger: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if networks, err = r.networks.UserNetworks(gctx); err != nil {
			return fmt.Errorf("failed to list user networks: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if pending, err = r.ledger.PendingCleanups(gctx); err != nil {
			return fmt.Errorf("failed to load pending cleanups: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	now := r.now()
	report := Report{ScannedAt: now, Vlans: len(vlans), PendingCleanups: pending}

	existing := make(map[string]struct{}, len(networks))
	for _, n := range networks {
		existing[n.ID] = struct{}{}
	}
	recorded := make(map[string]struct{}, len(vlans))
	for _, v := range vlans {
		recorded[v.NetworkID] = struct{}{}
		if _, ok := existing[v.NetworkID]; !ok {
			report.MissingNetworks = append(report.MissingNetworks, v)
		}
	}
	for _, n := range networks {
		if _, ok := recorded[n.ID]; ok {
			continue
		}
		if now.Sub(n.CreatedAt) < r.cfg.MinOrphanAge {
			continue
		}
		report.OrphanNetworks = append(report.OrphanNetworks, n)
	}

	metrics.LedgerVlans.Set(float64(len(vlans)))
	r.logger.Info().
		Int("vlans", len(vlans)).
		Int("networks", len(networks)).
		Int("missing_networks", len(report.MissingNetworks)).
		Int("orphan_networks", len(report.OrphanNetworks)).
		Int("pending_cleanups", len(pending)).
		Msg("reconciliation scan finished")
	return report, nil
}

// Repair deletes orphan networks and retries pending cleanups, resolving those that
// succeed. Ledger rows with a missing network are left for an operator. The error
// joins every failed repair.
func (r *Reconciler) Repair(ctx context.Context, report Report) (Result, error) {
	for _, v := range report.MissingNetworks {
		r.logger.Warn().Int64("vlan_id", v.ID).Str("network_id", v.NetworkID).Str("owner_id", v.OwnerID).Msg("ledger row without network")
	}

	var (
		mu     sync.Mutex
		result Result
		errs   []error
	)
	failed := func(what string, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Failed = append(result.Failed, what)
		errs = append(errs, fmt.Errorf("%s: %w", what, err))
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, n := range report.OrphanNetworks {
		n := n
		g.Go(func() error {
			if err := r.networks.DeleteUserNetwork(ctx, n.ID); err != nil {
				r.logger.Error().Err(err).Str("network_id", n.ID).Msg("failed to delete orphan network")
				failed("network "+n.ID, err)
				return nil
			}
			r.logger.Info().Str("network_id", n.ID).Str("name", n.Name).Msg("orphan network deleted")
			mu.Lock()
			result.DeletedNetworks = append(result.DeletedNetworks, n.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// cleanups run one at a time in the order they were recorded
	vlans, err := r.ledger.Vlans(ctx)
	if err != nil {
		return result, errors.Join(append(errs, fmt.Errorf("failed to load ledger: %w", err))...)
	}
	for _, c := range report.PendingCleanups {
		logger := r.logger.With().Int64("cleanup_id", c.ID).Str("kind", string(c.Kind)).Str("resource_id", c.ResourceID).Logger()
		if err := r.retry(ctx, c, vlans); err != nil {
			logger.Error().Err(err).Msg("cleanup failed")
			failed(fmt.Sprintf("cleanup %d", c.ID), err)
			continue
		}
		if err := r.ledger.ResolveCleanup(ctx, c.ID); err != nil {
			failed(fmt.Sprintf("cleanup %d", c.ID), err)
			continue
		}
		logger.Info().Msg("cleanup resolved")
		result.ResolvedCleanups = append(result.ResolvedCleanups, c.ID)
	}

	return result, errors.Join(errs...)
}

// retry performs one pending cleanup. Resources the ledger has since taken over
// again are left alone.
func (r *Reconciler) retry(ctx context.Context, c domain.Cleanup, vlans []domain.Vlan) error {
	switch c.Kind {
	case domain.CleanupNetwork:
		for _, v := range vlans {
			if v.NetworkID == c.ResourceID {
				return nil
			}
		}
		return r.networks.DeleteUserNetwork(ctx, c.ResourceID)

	case domain.CleanupRouterVlan:
		id, err := strconv.ParseInt(c.ResourceID, 10, 64)
		if err != nil {
			return fmt.Errorf("bad vlan id %q: %w", c.ResourceID, cloud.ErrMalformed)
		}
		for _, v := range vlans {
			if v.ID == id {
				return nil
			}
		}
		return r.router.DeleteVlanInterface(ctx, id)

	case domain.CleanupRouterBinding:
		if c.UserID != "" {
			b, err := r.ledger.Binding(ctx, c.UserID)
			if err != nil {
				return err
			}
			// the ledger has bound the user elsewhere since; make the router agree
			if b.ActiveVlan != nil && *b.ActiveVlan != c.VlanID {
				return r.router.BindUser(ctx, c.ResourceID, *b.ActiveVlan)
			}
		}
		return r.router.UnbindUser(ctx, c.ResourceID)
	}
	return fmt.Errorf("unknown cleanup kind %q: %w", c.Kind, cloud.ErrMalformed)
}
