// Package lifecycle drives instances through their lifecycle and keeps each user's
// lab network, VLAN ledger row and router binding in step with them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/events"
	"github.com/jbweber/homelab/vlab/internal/ledger"
	"github.com/jbweber/homelab/vlab/internal/metrics"
	"github.com/jbweber/homelab/vlab/internal/network"
)

// Instance metadata keys
const (
	MetaLabID     = "lab_id"
	MetaOwner     = "owner"
	MetaImageName = "image_name"
)

// WaitPolicy controls WaitForStatus polling
type WaitPolicy struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Config holds orchestration limits and timing
type Config struct {
	Limits Limits
	Wait   WaitPolicy
}

// Orchestrator creates, transitions and deletes single instances
type Orchestrator struct {
	compute   Compute
	images    ImageCatalog
	directory Directory
	plumbing  NetworkPlumbing
	events    events.Publisher
	cfg       Config
	logger    zerolog.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(compute Compute, images ImageCatalog, directory Directory, plumbing NetworkPlumbing, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Orchestrator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.Wait.PollInterval <= 0 {
		cfg.Wait.PollInterval = time.Second
	}
	if cfg.Wait.Timeout <= 0 {
		cfg.Wait.Timeout = 360 * time.Second
	}
	return &Orchestrator{
		compute:   compute,
		images:    images,
		directory: directory,
		plumbing:  plumbing,
		events:    publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateRequest asks for one instance of an image in a lab. An empty name is generated.
type CreateRequest struct {
	User    domain.User
	LabID   string
	ImageID string
	Name    string
}

// Create admits, submits and waits for a new instance, then attaches the lab's
// security group
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (inst domain.Instance, err error) {
	opID := uuid.NewString()
	logger := o.logger.With().
		Str("op_id", opID).
		Str("user_id", req.User.ID).
		Str("lab_id", req.LabID).
		Str("image_id", req.ImageID).
		Logger()
	defer func() {
		metrics.InstanceOperations.WithLabelValues("create", metrics.Result(err)).Inc()
	}()

	image, err := o.images.GetImage(ctx, req.ImageID)
	if err != nil {
		return domain.Instance{}, o.fail(logger, "create", "image", err)
	}
	lab, err := o.directory.GetLab(ctx, req.LabID)
	if err != nil {
		return domain.Instance{}, o.fail(logger, "create", "lab", err)
	}

	instances, err := o.compute.ListInstances(ctx, req.User.ID)
	if err != nil {
		return domain.Instance{}, o.fail(logger, "create", "list_instances", err)
	}
	adm := admission{instances: instances, limits: o.cfg.Limits}
	if err := adm.forCreate(req.LabID, req.Name); err != nil {
		return domain.Instance{}, o.reject(logger, err)
	}

	var v domain.Vlan
	if existingInLab(instances, req.LabID) == 0 {
		v, err = o.plumbing.EnsureNetwork(ctx, req.User, req.LabID)
	} else {
		v, err = o.plumbing.LookupNetwork(ctx, req.User.ID, req.LabID)
		if errors.Is(err, ledger.ErrNotFound) {
			logger.Warn().Msg("instances exist without a ledger row, provisioning network")
			v, err = o.plumbing.EnsureNetwork(ctx, req.User, req.LabID)
		}
	}
	if err != nil {
		return domain.Instance{}, err
	}
	logger = logger.With().Int64("vlan_id", v.ID).Logger()

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", image.Name, uuid.NewString()[:8])
	}

	inst, err = o.compute.CreateInstance(ctx, domain.InstanceSpec{
		Name:      name,
		LabID:     req.LabID,
		ImageID:   image.ID,
		FlavorID:  image.FlavorID,
		NetworkID: v.NetworkID,
		Metadata: map[string]string{
			MetaLabID:     req.LabID,
			MetaOwner:     req.User.ID,
			MetaImageName: image.Name,
		},
	})
	if err != nil {
		return domain.Instance{}, o.fail(logger, "create", "submit", err)
	}
	logger = logger.With().Str("instance_id", inst.ID).Logger()

	status, err := o.WaitForStatus(ctx, inst.ID, domain.StatusActive)
	inst.Status = status
	if err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("instance did not start")
		return inst, err
	}
	if status != domain.StatusActive {
		return inst, &ConvergenceError{InstanceID: inst.ID, Expected: domain.StatusActive, Observed: status}
	}

	group := network.NoInternetGroup
	if lab.Internet {
		group = network.InternetGroup
	}
	if err := o.compute.AddSecurityGroup(ctx, inst.ID, group); err != nil {
		return inst, o.fail(logger, "create", "security_groups", err)
	}
	if err := o.compute.RemoveSecurityGroup(ctx, inst.ID, network.DefaultGroup); err != nil && !cloud.IsNotFound(err) {
		return inst, o.fail(logger, "create", "security_groups", err)
	}

	logger.Info().Str("name", inst.Name).Msg("instance created")
	o.publish(ctx, events.Event{
		Type:       events.InstanceCreated,
		OpID:       opID,
		UserID:     req.User.ID,
		LabID:      req.LabID,
		InstanceID: inst.ID,
		VlanID:     v.ID,
		Status:     string(inst.Status),
	})
	return inst, nil
}

// ChangeState drives an instance towards expected. SUSPENDED acts only on ACTIVE
// instances and SHUTOFF only on ACTIVE or SUSPENDED ones. ACTIVE requires the caller
// to own the instance and re-runs admission. When the current status does not allow
// the transition the status is returned unchanged without error.
func (o *Orchestrator) ChangeState(ctx context.Context, caller domain.User, instanceID string, expected domain.InstanceStatus) (status domain.InstanceStatus, err error) {
	opID := uuid.NewString()
	logger := o.logger.With().
		Str("op_id", opID).
		Str("user_id", caller.ID).
		Str("instance_id", instanceID).
		Str("expected", string(expected)).
		Logger()
	defer func() {
		metrics.InstanceOperations.WithLabelValues("change_state", metrics.Result(err)).Inc()
	}()

	inst, err := o.get(ctx, instanceID)
	if err != nil {
		return domain.StatusUnknown, err
	}

	var action func(ctx context.Context, id string) error
	switch expected {
	case domain.StatusSuspended:
		if inst.Status != domain.StatusActive {
			return inst.Status, nil
		}
		action = o.compute.SuspendInstance
	case domain.StatusShutoff:
		if inst.Status != domain.StatusActive && inst.Status != domain.StatusSuspended {
			return inst.Status, nil
		}
		action = o.compute.StopInstance
	case domain.StatusActive:
		if inst.UserID != caller.ID {
			return inst.Status, fmt.Errorf("%w: %s", ErrNotOwner, instanceID)
		}
		switch inst.Status {
		case domain.StatusShutoff:
			action = o.compute.StartInstance
		case domain.StatusSuspended:
			action = o.compute.ResumeInstance
		case domain.StatusActive:
			action = o.compute.RebootInstance
		default:
			return inst.Status, nil
		}
		instances, err := o.compute.ListInstances(ctx, inst.UserID)
		if err != nil {
			return inst.Status, o.fail(logger, "change_state", "list_instances", err)
		}
		adm := admission{instances: instances, limits: o.cfg.Limits, exclude: inst.ID}
		if err := adm.forStart(inst.LabID); err != nil {
			return inst.Status, o.reject(logger, err)
		}
	default:
		return inst.Status, fmt.Errorf("%w: %s", ErrUnsupportedState, expected)
	}

	if err := action(ctx, inst.ID); err != nil {
		return inst.Status, o.fail(logger, "change_state", "action", err)
	}

	status, err = o.WaitForStatus(ctx, inst.ID, expected)
	if err != nil {
		return status, err
	}
	if status != expected {
		return status, &ConvergenceError{InstanceID: inst.ID, Expected: expected, Observed: status}
	}

	if expected == domain.StatusActive {
		if err := o.plumbing.Rebind(ctx, caller, inst.LabID); err != nil {
			return status, err
		}
	}

	logger.Info().Str("from", string(inst.Status)).Str("to", string(status)).Msg("instance state changed")
	o.publish(ctx, events.Event{
		Type:       events.InstanceStateChanged,
		OpID:       opID,
		UserID:     inst.UserID,
		LabID:      inst.LabID,
		InstanceID: inst.ID,
		Status:     string(status),
	})
	return status, nil
}

// WaitForStatus polls until the instance reports expected, enters ERROR, the
// timeout passes or ctx is done. A vanished instance reads as DELETED. On timeout
// the last observed status is returned with a nil error. Read failures are retried
// on the next poll.
func (o *Orchestrator) WaitForStatus(ctx context.Context, instanceID string, expected domain.InstanceStatus) (domain.InstanceStatus, error) {
	start := time.Now()
	outcome := "timeout"
	defer func() {
		metrics.WaitDuration.WithLabelValues(string(expected), outcome).Observe(time.Since(start).Seconds())
	}()

	deadline := time.NewTimer(o.cfg.Wait.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.Wait.PollInterval)
	defer ticker.Stop()

	last := domain.StatusUnknown
	for {
		inst, err := o.compute.GetInstance(ctx, instanceID)
		switch {
		case err == nil:
			last = inst.Status
		case cloud.IsNotFound(err):
			last = domain.StatusDeleted
		default:
			o.logger.Debug().Err(err).Str("instance_id", instanceID).Msg("status poll failed")
		}

		if last == expected {
			outcome = "reached"
			return last, nil
		}
		if last == domain.StatusError {
			outcome = "error"
			return last, fmt.Errorf("%w: instance %s", ErrUnknownFault, instanceID)
		}
		if last == domain.StatusDeleted {
			outcome = "deleted"
			return last, nil
		}

		select {
		case <-ctx.Done():
			outcome = "cancelled"
			return last, ctx.Err()
		case <-deadline.C:
			o.logger.Warn().Str("instance_id", instanceID).Str("expected", string(expected)).Str("status", string(last)).Msg("timed out waiting for status")
			return last, nil
		case <-ticker.C:
		}
	}
}

// Delete deletes an instance, waits for it to disappear and releases the owner's
// lab network when it was their last instance in the lab
func (o *Orchestrator) Delete(ctx context.Context, instanceID string) (err error) {
	opID := uuid.NewString()
	logger := o.logger.With().Str("op_id", opID).Str("instance_id", instanceID).Logger()
	defer func() {
		metrics.InstanceOperations.WithLabelValues("delete", metrics.Result(err)).Inc()
	}()

	inst, err := o.get(ctx, instanceID)
	if err != nil {
		return err
	}
	logger = logger.With().Str("user_id", inst.UserID).Str("lab_id", inst.LabID).Logger()

	owner, err := o.directory.GetUser(ctx, inst.UserID)
	if err != nil {
		return o.fail(logger, "delete", "owner", err)
	}

	if err := cloud.IgnoreNotFound(o.compute.DeleteInstance(ctx, inst.ID)); err != nil {
		return o.fail(logger, "delete", "delete_instance", err)
	}
	status, err := o.WaitForStatus(ctx, inst.ID, domain.StatusDeleted)
	if err != nil {
		return err
	}
	if status != domain.StatusDeleted {
		return &ConvergenceError{InstanceID: inst.ID, Expected: domain.StatusDeleted, Observed: status}
	}

	remaining, err := o.compute.ListInstances(ctx, owner.ID)
	if err != nil {
		return o.fail(logger, "delete", "list_instances", err)
	}
	if existingInLab(remaining, inst.LabID) == 0 {
		if err := o.plumbing.ReleaseNetwork(ctx, owner, inst.LabID); err != nil {
			return err
		}
	}

	logger.Info().Msg("instance deleted")
	o.publish(ctx, events.Event{
		Type:       events.InstanceDeleted,
		OpID:       opID,
		UserID:     inst.UserID,
		LabID:      inst.LabID,
		InstanceID: inst.ID,
		Status:     string(domain.StatusDeleted),
	})
	return nil
}

// DeleteFor deletes an instance on behalf of caller. Owners, teachers and admins may
// delete.
func (o *Orchestrator) DeleteFor(ctx context.Context, caller domain.User, instanceID string) error {
	inst, err := o.get(ctx, instanceID)
	if err != nil {
		return err
	}
	if !mayManage(caller, inst) {
		return fmt.Errorf("%w: %s", ErrNotOwner, instanceID)
	}
	return o.Delete(ctx, instanceID)
}

// Snapshot creates an image from an instance and returns the image id
func (o *Orchestrator) Snapshot(ctx context.Context, caller domain.User, instanceID, name string) (string, error) {
	inst, err := o.get(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if !mayManage(caller, inst) {
		return "", fmt.Errorf("%w: %s", ErrNotOwner, instanceID)
	}
	if name == "" {
		name = fmt.Sprintf("%s-snapshot-%s", inst.Name, time.Now().UTC().Format("20060102150405"))
	}

	logger := o.logger.With().Str("instance_id", instanceID).Str("user_id", caller.ID).Logger()
	imageID, err := o.compute.CreateImage(ctx, inst.ID, name)
	if err != nil {
		return "", o.fail(logger, "snapshot", "create_image", err)
	}
	logger.Info().Str("image_id", imageID).Str("name", name).Msg("snapshot created")
	return imageID, nil
}

// ListForUser returns a user's instances in every lab
func (o *Orchestrator) ListForUser(ctx context.Context, userID string) ([]domain.Instance, error) {
	instances, err := o.compute.ListInstances(ctx, userID)
	if err != nil {
		return nil, &OrchestrationError{Op: "list", Step: "list_instances", Err: err}
	}
	return instances, nil
}

func (o *Orchestrator) get(ctx context.Context, instanceID string) (domain.Instance, error) {
	inst, err := o.compute.GetInstance(ctx, instanceID)
	if cloud.IsNotFound(err) {
		return domain.Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return domain.Instance{}, &OrchestrationError{Op: "get", Step: "get_instance", Err: err}
	}
	return inst, nil
}

func mayManage(caller domain.User, inst domain.Instance) bool {
	return inst.UserID == caller.ID || caller.Role == domain.RoleAdmin || caller.Role == domain.RoleTeacher
}

// reject counts and logs an admission rejection
func (o *Orchestrator) reject(logger zerolog.Logger, err error) error {
	metrics.AdmissionRejections.WithLabelValues(admissionReason(err)).Inc()
	logger.Info().Err(err).Msg("request rejected")
	return err
}

// fail wraps and logs an external failure at the step it happened in
func (o *Orchestrator) fail(logger zerolog.Logger, op, step string, err error) error {
	logger.Error().Err(err).Str("step", step).Msg(op + " failed")
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return err
	}
	return &OrchestrationError{Op: op, Step: step, Err: err}
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := o.events.Publish(ctx, e); err != nil {
		o.logger.Warn().Err(err).Str("event", e.Type).Msg("failed to publish event")
	}
}
