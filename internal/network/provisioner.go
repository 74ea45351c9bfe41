// Package network creates and removes the per-user VLAN networks and the
// per-lab security groups in the network service.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/metrics"
	"github.com/jbweber/homelab/vlab/internal/vlan"
)

// Client is the subset of the network service the provisioner uses
type Client interface {
	CreateNetwork(ctx context.Context, spec domain.NetworkSpec) (domain.Network, error)
	DeleteNetwork(ctx context.Context, networkID string) error
	FindNetworkByName(ctx context.Context, name string) (domain.Network, error)
	ListNetworks(ctx context.Context) ([]domain.Network, error)

	CreateSubnet(ctx context.Context, spec domain.SubnetSpec) (domain.Subnet, error)
	ListSubnets(ctx context.Context, networkID string) ([]domain.Subnet, error)
	DeleteSubnet(ctx context.Context, subnetID string) error

	QuotaUsage(ctx context.Context) (map[domain.QuotaKind]domain.QuotaUsage, error)

	CreateSecurityGroup(ctx context.Context, labID, name string) (domain.SecurityGroup, error)
	ListSecurityGroups(ctx context.Context, labID string) ([]domain.SecurityGroup, error)
	DeleteSecurityGroup(ctx context.Context, groupID string) error
	ClearSecurityGroupRules(ctx context.Context, groupID string) error
	CreateSecurityGroupRule(ctx context.Context, rule domain.SecurityGroupRule) (string, error)
}

// Security group names every lab carries
const (
	InternetGroup   = "internet"
	NoInternetGroup = "no-internet"
	DefaultGroup    = "default"
)

// Owner identifies whose network is being created
type Owner struct {
	UserID string
	Email  string
	LabID  string
}

// NetworkName is the network-service name of a user's network in a lab
func NetworkName(email, labID string) string {
	return email + "|" + labID
}

// SubnetName is the network-service name of the subnet of a user's VLAN
func SubnetName(email string, vlanID int64) string {
	return fmt.Sprintf("%s|subnet_%d", email, vlanID)
}

// Config holds provider network settings
type Config struct {
	PhysicalNetwork string
	NetworkType     string
	DNSServers      []string
}

// Provisioner creates VLAN-backed user networks
type Provisioner struct {
	client    Client
	allocator *vlan.Allocator
	cfg       Config
	logger    zerolog.Logger
}

// NewProvisioner creates a provisioner
func NewProvisioner(client Client, allocator *vlan.Allocator, cfg Config, logger zerolog.Logger) *Provisioner {
	if cfg.NetworkType == "" {
		cfg.NetworkType = "vlan"
	}
	return &Provisioner{
		client:    client,
		allocator: allocator,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateUserNetwork creates the user's network and its /28 subnet. The VLAN id is the
// segmentation id the network service assigned. If the id is not a usable tag or the
// subnet cannot be created the network is deleted again.
func (p *Provisioner) CreateUserNetwork(ctx context.Context, owner Owner) (domain.Network, error) {
	logger := p.logger.With().Str("user_id", owner.UserID).Str("lab_id", owner.LabID).Logger()

	n, err := p.client.CreateNetwork(ctx, domain.NetworkSpec{
		Name:            NetworkName(owner.Email, owner.LabID),
		PhysicalNetwork: p.cfg.PhysicalNetwork,
		NetworkType:     p.cfg.NetworkType,
		Shared:          true,
	})
	if err != nil {
		return domain.Network{}, fmt.Errorf("failed to create network for %s in lab %s: %w", owner.UserID, owner.LabID, err)
	}

	subnet, err := p.createSubnet(ctx, owner, n)
	if err != nil {
		if delErr := p.client.DeleteNetwork(ctx, n.ID); delErr != nil && !cloud.IsNotFound(delErr) {
			logger.Error().Err(delErr).Str("network_id", n.ID).Msg("failed to delete network after subnet failure")
			err = errors.Join(err, delErr)
		}
		return domain.Network{}, err
	}

	n.SubnetID = subnet.ID
	n.CIDR, _ = netip.ParsePrefix(subnet.CIDR)
	metrics.NetworksProvisioned.Inc()
	logger.Info().Str("network_id", n.ID).Int64("vlan_id", n.SegmentationID).Str("cidr", subnet.CIDR).Msg("user network created")
	return n, nil
}

// createSubnet fails before touching the network service when the segmentation id
// is not a tag the router can carry
func (p *Provisioner) createSubnet(ctx context.Context, owner Owner, n domain.Network) (domain.Subnet, error) {
	if err := vlan.ValidateTag(n.SegmentationID); err != nil {
		return domain.Subnet{}, fmt.Errorf("network %s has unusable segmentation id: %w", n.ID, err)
	}
	plan, err := p.allocator.PlanFor(n.SegmentationID)
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("network %s has unusable segmentation id %d: %w", n.ID, n.SegmentationID, err)
	}

	subnet, err := p.client.CreateSubnet(ctx, domain.SubnetSpec{
		Name:       SubnetName(owner.Email, n.SegmentationID),
		NetworkID:  n.ID,
		CIDR:       plan.Subnet,
		Gateway:    plan.Gateway,
		PoolStart:  plan.PoolStart,
		PoolEnd:    plan.PoolEnd,
		DNSServers: p.cfg.DNSServers,
	})
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("failed to create subnet %s: %w", plan.Subnet, err)
	}
	return subnet, nil
}

// DeleteUserNetwork deletes every subnet of the network and then the network.
// Anything already gone counts as deleted.
func (p *Provisioner) DeleteUserNetwork(ctx context.Context, networkID string) error {
	subnets, err := p.client.ListSubnets(ctx, networkID)
	if err != nil {
		if cloud.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to list subnets of network %s: %w", networkID, err)
	}

	for _, s := range subnets {
		if err := cloud.IgnoreNotFound(p.client.DeleteSubnet(ctx, s.ID)); err != nil {
			return fmt.Errorf("failed to delete subnet %s: %w", s.ID, err)
		}
	}

	if err := cloud.IgnoreNotFound(p.client.DeleteNetwork(ctx, networkID)); err != nil {
		return fmt.Errorf("failed to delete network %s: %w", networkID, err)
	}

	metrics.NetworksReleased.Inc()
	p.logger.Info().Str("network_id", networkID).Msg("user network deleted")
	return nil
}

// FindUserNetwork looks a network up by name
func (p *Provisioner) FindUserNetwork(ctx context.Context, name string) (domain.Network, error) {
	return p.client.FindNetworkByName(ctx, name)
}

// UserNetworks returns every VLAN network whose name follows the user network convention
func (p *Provisioner) UserNetworks(ctx context.Context) ([]domain.Network, error) {
	all, err := p.client.ListNetworks(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Network
	for _, n := range all {
		if n.NetworkType == p.cfg.NetworkType && isUserNetworkName(n.Name) {
			out = append(out, n)
		}
	}
	return out, nil
}

func isUserNetworkName(name string) bool {
	owner, lab, ok := strings.Cut(name, "|")
	return ok && owner != "" && lab != ""
}

// QuotaRemaining returns limit minus used minus reserved for a quota kind, floored at
// zero. Unlimited quotas return -1.
func (p *Provisioner) QuotaRemaining(ctx context.Context, kind domain.QuotaKind) (int, error) {
	usage, err := p.client.QuotaUsage(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read quota usage: %w", err)
	}
	u, ok := usage[kind]
	if !ok {
		return 0, fmt.Errorf("unknown quota kind %q: %w", kind, cloud.ErrMalformed)
	}
	return remaining(u), nil
}

func remaining(u domain.QuotaUsage) int {
	if u.Limit < 0 {
		return -1
	}
	left := u.Limit - u.Used - u.Reserved
	if left < 0 {
		return 0
	}
	return left
}

// EnsureCapacity fails with cloud.ErrQuotaExceeded when no network or no subnet can
// be created
func (p *Provisioner) EnsureCapacity(ctx context.Context) error {
	usage, err := p.client.QuotaUsage(ctx)
	if err != nil {
		return fmt.Errorf("failed to read quota usage: %w", err)
	}
	for _, kind := range []domain.QuotaKind{domain.QuotaNetwork, domain.QuotaSubnet} {
		u, ok := usage[kind]
		if !ok {
			continue
		}
		if remaining(u) == 0 {
			return fmt.Errorf("no %s quota left (limit %d, used %d): %w", kind, u.Limit, u.Used, cloud.ErrQuotaExceeded)
		}
	}
	return nil
}
