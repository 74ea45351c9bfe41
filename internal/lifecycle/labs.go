package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/events"
)

// CreateLab creates the lab record and its security group pair. The record is
// removed again if the groups cannot be created.
func (m *Manager) CreateLab(ctx context.Context, spec domain.LabSpec) (domain.Lab, domain.SecurityGroupPair, error) {
	logger := m.logger.With().Str("lab_name", spec.Name).Logger()

	for _, img := range spec.Images {
		if img.Quantity < 0 {
			return domain.Lab{}, domain.SecurityGroupPair{}, fmt.Errorf("image %s has negative quantity: %w", img.ImageID, cloud.ErrMalformed)
		}
	}

	lab, err := m.directory.CreateLab(ctx, spec)
	if err != nil {
		return domain.Lab{}, domain.SecurityGroupPair{}, m.fail(logger, "create_lab", "lab", err)
	}
	logger = logger.With().Str("lab_id", lab.ID).Logger()

	groups, err := m.networks.CreateLabSecurityGroups(ctx, lab.ID)
	if err != nil {
		if delErr := cloud.IgnoreNotFound(m.directory.DeleteLab(ctx, lab.ID)); delErr != nil {
			logger.Error().Err(delErr).Msg("failed to remove lab after security group failure")
			err = errors.Join(err, delErr)
		}
		return domain.Lab{}, domain.SecurityGroupPair{}, m.fail(logger, "create_lab", "security_groups", err)
	}

	logger.Info().Msg("lab created")
	m.publish(ctx, events.Event{Type: events.LabCreated, LabID: lab.ID})
	return lab, groups, nil
}

// DeleteLab deletes every instance of the lab, releasing each user's network with
// their last instance, then the security groups and the lab record. It stops at the
// first instance that cannot be deleted.
func (m *Manager) DeleteLab(ctx context.Context, labID string) error {
	logger := m.logger.With().Str("lab_id", labID).Logger()

	instances, err := m.compute.ListLabInstances(ctx, labID)
	if err != nil {
		return m.fail(logger, "delete_lab", "list_instances", err)
	}
	for _, inst := range instances {
		if err := m.orchestrator.Delete(ctx, inst.ID); err != nil && !errors.Is(err, ErrInstanceNotFound) {
			logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to delete lab instance")
			return err
		}
	}

	if err := m.networks.DeleteLabSecurityGroups(ctx, labID); err != nil {
		return m.fail(logger, "delete_lab", "security_groups", err)
	}
	if err := cloud.IgnoreNotFound(m.directory.DeleteLab(ctx, labID)); err != nil {
		return m.fail(logger, "delete_lab", "lab", err)
	}

	logger.Info().Int("instances", len(instances)).Msg("lab deleted")
	m.publish(ctx, events.Event{Type: events.LabDeleted, LabID: labID})
	return nil
}
