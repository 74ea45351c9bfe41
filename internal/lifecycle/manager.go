package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/events"
	"github.com/jbweber/homelab/vlab/internal/ledger"
	"github.com/jbweber/homelab/vlab/internal/metrics"
	"github.com/jbweber/homelab/vlab/internal/network"
	"github.com/jbweber/homelab/vlab/internal/router"
)

// Deps are the external systems the manager coordinates
type Deps struct {
	Compute   Compute
	Directory Directory
	Images    ImageCatalog
	Networks  Networks
	Router    Router
	Ledger    Ledger
	Events    events.Publisher
}

// Manager runs lab-level workflows and owns the network side of every instance:
// it is the only caller that creates or removes ledger rows.
type Manager struct {
	orchestrator *Orchestrator
	compute      Compute
	directory    Directory
	networks     Networks
	router       Router
	ledger       Ledger
	events       events.Publisher
	logger       zerolog.Logger
}

// NewManager creates a manager and the orchestrator it drives
func NewManager(deps Deps, cfg Config, logger zerolog.Logger) *Manager {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	m := &Manager{
		compute:   deps.Compute,
		directory: deps.Directory,
		networks:  deps.Networks,
		router:    deps.Router,
		ledger:    deps.Ledger,
		events:    deps.Events,
		logger:    logger,
	}
	m.orchestrator = NewOrchestrator(deps.Compute, deps.Images, deps.Directory, m, deps.Events, cfg, logger)
	return m
}

// Orchestrator returns the instance orchestrator
func (m *Manager) Orchestrator() *Orchestrator {
	return m.orchestrator
}

// LaunchFailure is one instance a launch could not bring up
type LaunchFailure struct {
	ImageID string `json:"image_id"`
	Error   string `json:"error"`
}

// LaunchReport summarizes a lab launch
type LaunchReport struct {
	Created []domain.Instance `json:"created"`
	Failed  []LaunchFailure   `json:"failed"`
}

// LaunchLab creates, for every image of the lab, as many instances as the user is
// short of its quantity. Instances that fault or do not converge are reported and
// skipped. Admission rejections stop the launch.
func (m *Manager) LaunchLab(ctx context.Context, userID, labID string) (LaunchReport, error) {
	var report LaunchReport
	logger := m.logger.With().Str("user_id", userID).Str("lab_id", labID).Logger()

	user, err := m.directory.GetUser(ctx, userID)
	if err != nil {
		return report, &OrchestrationError{Op: "launch_lab", Step: "user", Err: err}
	}
	lab, err := m.directory.GetLab(ctx, labID)
	if err != nil {
		return report, &OrchestrationError{Op: "launch_lab", Step: "lab", Err: err}
	}

	for _, want := range lab.Images {
		instances, err := m.compute.ListInstances(ctx, user.ID)
		if err != nil {
			return report, &OrchestrationError{Op: "launch_lab", Step: "list_instances", Err: err}
		}
		have := 0
		for _, inst := range instances {
			if inst.LabID == labID && inst.ImageID == want.ImageID && inst.Status.Existing() {
				have++
			}
		}

		for i := have; i < want.Quantity; i++ {
			inst, err := m.orchestrator.Create(ctx, CreateRequest{User: user, LabID: labID, ImageID: want.ImageID})
			if err == nil {
				report.Created = append(report.Created, inst)
				continue
			}

			var ce *ConvergenceError
			if errors.Is(err, ErrUnknownFault) || errors.As(err, &ce) || errors.Is(err, ErrInstanceAlreadyExists) {
				logger.Warn().Err(err).Str("image_id", want.ImageID).Msg("instance skipped during launch")
				report.Failed = append(report.Failed, LaunchFailure{ImageID: want.ImageID, Error: err.Error()})
				continue
			}
			return report, err
		}
	}

	logger.Info().Int("created", len(report.Created)).Int("failed", len(report.Failed)).Msg("lab launched")
	m.publish(ctx, events.Event{Type: events.LabLaunched, UserID: userID, LabID: labID})
	return report, nil
}

// LookupNetwork returns the ledger row of a user's lab network
func (m *Manager) LookupNetwork(ctx context.Context, userID, labID string) (domain.Vlan, error) {
	return m.ledger.Lookup(ctx, userID, labID)
}

// EnsureNetwork makes sure the user has a network, VLAN interface and router binding
// for the lab. An existing ledger row is reused and made active. Otherwise a network
// is created and the ledger row is committed only if the router steps succeed; on
// failure everything created so far is removed again.
func (m *Manager) EnsureNetwork(ctx context.Context, user domain.User, labID string) (domain.Vlan, error) {
	logger := m.logger.With().Str("user_id", user.ID).Str("lab_id", labID).Logger()

	existing, err := m.ledger.Lookup(ctx, user.ID, labID)
	if err == nil {
		return existing, m.activate(ctx, logger, user, existing)
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return domain.Vlan{}, m.fail(logger, "ensure_network", "ledger", err)
	}

	if err := m.networks.EnsureCapacity(ctx); err != nil {
		return domain.Vlan{}, m.fail(logger, "ensure_network", "quota", err)
	}

	n, err := m.networks.CreateUserNetwork(ctx, network.Owner{UserID: user.ID, Email: user.Email, LabID: labID})
	if err != nil {
		return domain.Vlan{}, m.fail(logger, "ensure_network", "create_network", err)
	}

	v := domain.Vlan{
		ID:        n.SegmentationID,
		LabID:     labID,
		OwnerID:   user.ID,
		NetworkID: n.ID,
		CIDR:      n.CIDR.String(),
	}
	logger = logger.With().Int64("vlan_id", v.ID).Str("network_id", n.ID).Logger()

	prior, err := m.ledger.Binding(ctx, user.ID)
	if err != nil {
		m.compensate(ctx, logger, user, v, nil, false, false)
		return domain.Vlan{}, m.fail(logger, "ensure_network", "ledger", err)
	}

	var interfaceTouched, bound bool
	err = m.ledger.Record(ctx, v, func(ctx context.Context) error {
		interfaceTouched = true
		if err := m.router.CreateVlanInterface(ctx, v.ID); err != nil {
			return err
		}
		if err := m.router.BindUser(ctx, user.Email, v.ID); err != nil {
			return err
		}
		bound = true
		return nil
	})
	if err != nil {
		step := "ledger"
		switch {
		case bound:
			step = "ledger_commit"
		case interfaceTouched:
			step = "router"
			if s := router.StepOf(err); s != "" {
				step = "router_" + s
			}
		}
		m.compensate(ctx, logger, user, v, prior.ActiveVlan, interfaceTouched, bound)
		return domain.Vlan{}, m.fail(logger, "ensure_network", step, err)
	}

	logger.Info().Str("cidr", v.CIDR).Msg("lab network provisioned")
	m.publish(ctx, events.Event{Type: events.NetworkProvisioned, UserID: user.ID, LabID: labID, VlanID: v.ID})
	return v, nil
}

// activate binds the user to an existing VLAN if it is not already their active one
func (m *Manager) activate(ctx context.Context, logger zerolog.Logger, user domain.User, v domain.Vlan) error {
	binding, err := m.ledger.Binding(ctx, user.ID)
	if err != nil {
		return m.fail(logger, "activate", "ledger", err)
	}
	if binding.IsActive(v.ID) {
		return nil
	}
	bound := false
	err = m.ledger.Activate(ctx, user.ID, v.ID, func(ctx context.Context) error {
		if err := m.router.BindUser(ctx, user.Email, v.ID); err != nil {
			return err
		}
		bound = true
		return nil
	})
	if err != nil {
		if !bound {
			return m.fail(logger, "activate", "bind_user", err)
		}
		m.restoreBinding(ctx, logger, user, v, binding.ActiveVlan)
		return m.fail(logger, "activate", "ledger_commit", err)
	}
	logger.Info().Int64("vlan_id", v.ID).Msg("vlan activated")
	return nil
}

// compensate removes what a failed EnsureNetwork created. Anything that cannot be
// removed is recorded as a pending cleanup.
func (m *Manager) compensate(ctx context.Context, logger zerolog.Logger, user domain.User, v domain.Vlan, prior *int64, interfaceTouched, bound bool) {
	if bound {
		m.restoreBinding(ctx, logger, user, v, prior)
	}
	if interfaceTouched {
		if err := m.router.DeleteVlanInterface(ctx, v.ID); err != nil {
			logger.Error().Err(err).Str("step", "delete_vlan_interface").Msg("compensation failed")
			m.recordCleanup(ctx, logger, domain.Cleanup{Kind: domain.CleanupRouterVlan, ResourceID: fmt.Sprint(v.ID), VlanID: v.ID, UserID: user.ID, LabID: v.LabID, Step: "ensure_network", Reason: err.Error()})
		}
	}
	if err := m.networks.DeleteUserNetwork(ctx, v.NetworkID); err != nil {
		logger.Error().Err(err).Str("step", "delete_network").Msg("compensation failed")
		m.recordCleanup(ctx, logger, domain.Cleanup{Kind: domain.CleanupNetwork, ResourceID: v.NetworkID, VlanID: v.ID, UserID: user.ID, LabID: v.LabID, Step: "ensure_network", Reason: err.Error()})
	}
}

// restoreBinding points the router back at the VLAN the ledger still has active after
// a failed commit, or at the default profile when there is none
func (m *Manager) restoreBinding(ctx context.Context, logger zerolog.Logger, user domain.User, v domain.Vlan, prior *int64) {
	var err error
	step := "unbind_user"
	if prior != nil {
		step = "bind_user"
		err = m.router.BindUser(ctx, user.Email, *prior)
	} else {
		err = m.router.UnbindUser(ctx, user.Email)
	}
	if err != nil {
		logger.Error().Err(err).Str("step", step).Msg("compensation failed")
		m.recordCleanup(ctx, logger, domain.Cleanup{Kind: domain.CleanupRouterBinding, ResourceID: user.Email, VlanID: v.ID, UserID: user.ID, LabID: v.LabID, Step: step, Reason: err.Error()})
	}
}

// ReleaseNetwork removes the user's VLAN for the lab from the ledger, then unbinds
// the router if it was the active VLAN, deletes the VLAN interface and deletes the
// network. The ledger change is kept even if later steps fail; those failures are
// recorded as pending cleanups.
func (m *Manager) ReleaseNetwork(ctx context.Context, user domain.User, labID string) error {
	logger := m.logger.With().Str("user_id", user.ID).Str("lab_id", labID).Logger()

	removal, err := m.ledger.Remove(ctx, user.ID, labID)
	if errors.Is(err, ledger.ErrNotFound) {
		return m.releaseUnrecorded(ctx, logger, user, labID)
	}
	if err != nil {
		return m.fail(logger, "release_network", "ledger", err)
	}

	v := removal.Vlan
	logger = logger.With().Int64("vlan_id", v.ID).Str("network_id", v.NetworkID).Logger()
	var errs []error

	if removal.WasActive {
		if err := m.router.UnbindUser(ctx, user.Email); err != nil {
			logger.Error().Err(err).Str("step", "unbind_user").Msg("release step failed")
			errs = append(errs, m.recordCleanup(ctx, logger, domain.Cleanup{Kind: domain.CleanupRouterBinding, ResourceID: user.Email, VlanID: v.ID, UserID: user.ID, LabID: labID, Step: "unbind_user", Reason: err.Error()}))
		}
	}
	if err := m.router.DeleteVlanInterface(ctx, v.ID); err != nil {
		logger.Error().Err(err).Str("step", "delete_vlan_interface").Msg("release step failed")
		errs = append(errs, m.recordCleanup(ctx, logger, domain.Cleanup{Kind: domain.CleanupRouterVlan, ResourceID: fmt.Sprint(v.ID), VlanID: v.ID, UserID: user.ID, LabID: labID, Step: "delete_vlan_interface", Reason: err.Error()}))
	}
	if err := m.networks.DeleteUserNetwork(ctx, v.NetworkID); err != nil {
		logger.Error().Err(err).Str("step", "delete_network").Msg("release step failed")
		errs = append(errs, m.recordCleanup(ctx, logger, domain.Cleanup{Kind: domain.CleanupNetwork, ResourceID: v.NetworkID, VlanID: v.ID, UserID: user.ID, LabID: labID, Step: "delete_network", Reason: err.Error()}))
	}

	logger.Info().Bool("was_active", removal.WasActive).Msg("lab network released")
	m.publish(ctx, events.Event{Type: events.NetworkReleased, UserID: user.ID, LabID: labID, VlanID: v.ID})

	// only failures to record a cleanup are returned
	return errors.Join(errs...)
}

// releaseUnrecorded deletes a network that has no ledger row, looked up by name
func (m *Manager) releaseUnrecorded(ctx context.Context, logger zerolog.Logger, user domain.User, labID string) error {
	n, err := m.networks.FindUserNetwork(ctx, network.NetworkName(user.Email, labID))
	if cloud.IsNotFound(err) {
		return nil
	}
	if err != nil {
		logger.Warn().Err(err).Msg("failed to look up unrecorded network")
		return nil
	}
	logger.Warn().Str("network_id", n.ID).Msg("deleting network without ledger row")
	if err := m.networks.DeleteUserNetwork(ctx, n.ID); err != nil {
		logger.Error().Err(err).Str("step", "delete_network").Msg("release step failed")
		return m.recordCleanup(ctx, logger, domain.Cleanup{Kind: domain.CleanupNetwork, ResourceID: n.ID, UserID: user.ID, LabID: labID, Step: "delete_network", Reason: err.Error()})
	}
	return nil
}

// Rebind makes the user's VLAN for the lab their active one on the router
func (m *Manager) Rebind(ctx context.Context, user domain.User, labID string) error {
	logger := m.logger.With().Str("user_id", user.ID).Str("lab_id", labID).Logger()
	v, err := m.ledger.Lookup(ctx, user.ID, labID)
	if err != nil {
		return m.fail(logger, "rebind", "ledger", err)
	}
	return m.activate(ctx, logger, user, v)
}

// UserVlans is the ledger view of one user
type UserVlans struct {
	Binding domain.UserVlanBinding `json:"binding"`
	Vlans   []domain.Vlan          `json:"vlans"`
}

// UserVlans returns a user's VLAN rows and active binding
func (m *Manager) UserVlans(ctx context.Context, userID string) (UserVlans, error) {
	binding, err := m.ledger.Binding(ctx, userID)
	if err != nil {
		return UserVlans{}, err
	}
	vlans, err := m.ledger.VlansOf(ctx, userID)
	if err != nil {
		return UserVlans{}, err
	}
	return UserVlans{Binding: binding, Vlans: vlans}, nil
}

// recordCleanup persists a leftover resource; it returns an error only if the
// record itself could not be written
func (m *Manager) recordCleanup(ctx context.Context, logger zerolog.Logger, c domain.Cleanup) error {
	saved, err := m.ledger.RecordCleanup(ctx, c)
	if err != nil {
		logger.Error().Err(err).Str("kind", string(c.Kind)).Str("resource_id", c.ResourceID).Msg("failed to record cleanup")
		return fmt.Errorf("failed to record %s cleanup of %s: %w", c.Kind, c.ResourceID, err)
	}
	metrics.CleanupsRecorded.WithLabelValues(string(c.Kind)).Inc()
	m.publish(ctx, events.Event{
		Type:   events.CleanupRecorded,
		UserID: c.UserID,
		LabID:  c.LabID,
		VlanID: c.VlanID,
		Detail: map[string]string{"kind": string(c.Kind), "resource_id": c.ResourceID, "cleanup_id": fmt.Sprint(saved.ID)},
	})
	return nil
}

func (m *Manager) fail(logger zerolog.Logger, op, step string, err error) error {
	logger.Error().Err(err).Str("step", step).Msg(op + " failed")
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return err
	}
	return &OrchestrationError{Op: op, Step: step, Err: err}
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := m.events.Publish(ctx, e); err != nil {
		m.logger.Warn().Err(err).Str("event", e.Type).Msg("failed to publish event")
	}
}
