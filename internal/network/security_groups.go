package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
)

// CreateLabSecurityGroups creates the internet and no-internet groups of a lab.
// The internet group allows all IPv4 traffic in both directions. The no-internet
// group allows all IPv4 ingress but egress only to the base network. If the second
// group fails the first is removed.
func (p *Provisioner) CreateLabSecurityGroups(ctx context.Context, labID string) (domain.SecurityGroupPair, error) {
	internet, err := p.createGroup(ctx, labID, InternetGroup, []domain.SecurityGroupRule{
		{Direction: domain.Ingress},
		{Direction: domain.Egress},
	})
	if err != nil {
		return domain.SecurityGroupPair{}, err
	}

	noInternet, err := p.createGroup(ctx, labID, NoInternetGroup, []domain.SecurityGroupRule{
		{Direction: domain.Ingress},
		{Direction: domain.Egress, RemotePrefix: p.allocator.Base().String()},
	})
	if err != nil {
		if delErr := cloud.IgnoreNotFound(p.client.DeleteSecurityGroup(ctx, internet.ID)); delErr != nil {
			p.logger.Error().Err(delErr).Str("lab_id", labID).Str("group_id", internet.ID).Msg("failed to remove internet group after failure")
			err = errors.Join(err, delErr)
		}
		return domain.SecurityGroupPair{}, err
	}

	return domain.SecurityGroupPair{Internet: internet, NoInternet: noInternet}, nil
}

func (p *Provisioner) createGroup(ctx context.Context, labID, name string, rules []domain.SecurityGroupRule) (domain.SecurityGroup, error) {
	group, err := p.client.CreateSecurityGroup(ctx, labID, name)
	if err != nil {
		return domain.SecurityGroup{}, fmt.Errorf("failed to create security group %s for lab %s: %w", name, labID, err)
	}

	fail := func(err error) (domain.SecurityGroup, error) {
		if delErr := cloud.IgnoreNotFound(p.client.DeleteSecurityGroup(ctx, group.ID)); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return domain.SecurityGroup{}, err
	}

	// new groups come with default egress rules
	if err := p.client.ClearSecurityGroupRules(ctx, group.ID); err != nil {
		return fail(fmt.Errorf("failed to clear rules of security group %s: %w", group.ID, err))
	}

	for _, rule := range rules {
		rule.GroupID = group.ID
		rule.LabID = labID
		id, err := p.client.CreateSecurityGroupRule(ctx, rule)
		if err != nil {
			return fail(fmt.Errorf("failed to add %s rule to security group %s: %w", rule.Direction, group.ID, err))
		}
		group.RuleIDs = append(group.RuleIDs, id)
	}
	return group, nil
}

// DeleteLabSecurityGroups removes both lab groups; missing groups are ignored
func (p *Provisioner) DeleteLabSecurityGroups(ctx context.Context, labID string) error {
	groups, err := p.client.ListSecurityGroups(ctx, labID)
	if err != nil {
		return fmt.Errorf("failed to list security groups of lab %s: %w", labID, err)
	}

	var errs []error
	for _, g := range groups {
		if g.Name != InternetGroup && g.Name != NoInternetGroup {
			continue
		}
		if err := cloud.IgnoreNotFound(p.client.DeleteSecurityGroup(ctx, g.ID)); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete security group %s: %w", g.ID, err))
		}
	}
	return errors.Join(errs...)
}
