package openstack

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/provider"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/quotas"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/groups"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/subnets"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
)

// Network is the network service, scoped to the service project for quotas
type Network struct {
	client    *gophercloud.ServiceClient
	projectID string
}

// NewNetwork creates a network adapter
func NewNetwork(client *gophercloud.ServiceClient, projectID string) *Network {
	return &Network{client: client, projectID: projectID}
}

type providerNetwork struct {
	networks.Network
	provider.NetworkProviderExt
}

// CreateNetwork creates a provider network and returns it with its segmentation id
func (n *Network) CreateNetwork(ctx context.Context, spec domain.NetworkSpec) (domain.Network, error) {
	shared := spec.Shared
	up := true
	opts := provider.CreateOptsExt{
		CreateOptsBuilder: networks.CreateOpts{
			Name:         spec.Name,
			Shared:       &shared,
			AdminStateUp: &up,
		},
		Segments: []provider.Segment{{
			PhysicalNetwork: spec.PhysicalNetwork,
			NetworkType:     spec.NetworkType,
		}},
	}

	var created providerNetwork
	if err := networks.Create(n.client, opts).ExtractInto(&created); err != nil {
		return domain.Network{}, fmt.Errorf("failed to create network %s: %w", spec.Name, classify(err))
	}
	return toNetwork(created)
}

func (n *Network) DeleteNetwork(ctx context.Context, networkID string) error {
	if err := networks.Delete(n.client, networkID).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete network %s: %w", networkID, classify(err))
	}
	return nil
}

// FindNetworkByName returns the first network with the name
func (n *Network) FindNetworkByName(ctx context.Context, name string) (domain.Network, error) {
	found, err := n.list(networks.ListOpts{Name: name})
	if err != nil {
		return domain.Network{}, err
	}
	if len(found) == 0 {
		return domain.Network{}, fmt.Errorf("network %q: %w", name, cloud.ErrNotFound)
	}
	return found[0], nil
}

func (n *Network) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	return n.list(networks.ListOpts{})
}

func (n *Network) list(opts networks.ListOpts) ([]domain.Network, error) {
	pages, err := networks.List(n.client, opts).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", classify(err))
	}
	var raw []providerNetwork
	if err := networks.ExtractNetworksInto(pages, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode networks: %w", err)
	}

	out := make([]domain.Network, 0, len(raw))
	for _, r := range raw {
		net, err := toNetwork(r)
		if err != nil {
			return nil, err
		}
		out = append(out, net)
	}
	return out, nil
}

func toNetwork(r providerNetwork) (domain.Network, error) {
	net := domain.Network{
		ID:          r.ID,
		Name:        r.Name,
		NetworkType: r.NetworkType,
		CreatedAt:   r.CreatedAt,
	}
	if r.SegmentationID != "" {
		seg, err := strconv.ParseInt(r.SegmentationID, 10, 64)
		if err != nil {
			return domain.Network{}, fmt.Errorf("network %s has non-numeric segmentation id %q: %w", r.ID, r.SegmentationID, cloud.ErrMalformed)
		}
		net.SegmentationID = seg
	}
	if len(r.Subnets) > 0 {
		net.SubnetID = r.Subnets[0]
	}
	return net, nil
}

// CreateSubnet creates an IPv4 subnet with a single allocation pool
func (n *Network) CreateSubnet(ctx context.Context, spec domain.SubnetSpec) (domain.Subnet, error) {
	gateway := spec.Gateway.String()
	opts := subnets.CreateOpts{
		NetworkID: spec.NetworkID,
		Name:      spec.Name,
		CIDR:      spec.CIDR.String(),
		IPVersion: gophercloud.IPv4,
		GatewayIP: &gateway,
		AllocationPools: []subnets.AllocationPool{{
			Start: spec.PoolStart.String(),
			End:   spec.PoolEnd.String(),
		}},
		DNSNameservers: spec.DNSServers,
	}
	s, err := subnets.Create(n.client, opts).Extract()
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("failed to create subnet %s: %w", spec.CIDR, classify(err))
	}
	return toSubnet(*s), nil
}

func (n *Network) ListSubnets(ctx context.Context, networkID string) ([]domain.Subnet, error) {
	pages, err := subnets.List(n.client, subnets.ListOpts{NetworkID: networkID}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list subnets of %s: %w", networkID, classify(err))
	}
	all, err := subnets.ExtractSubnets(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to decode subnets: %w", err)
	}
	out := make([]domain.Subnet, 0, len(all))
	for _, s := range all {
		out = append(out, toSubnet(s))
	}
	return out, nil
}

func (n *Network) DeleteSubnet(ctx context.Context, subnetID string) error {
	if err := subnets.Delete(n.client, subnetID).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete subnet %s: %w", subnetID, classify(err))
	}
	return nil
}

func toSubnet(s subnets.Subnet) domain.Subnet {
	return domain.Subnet{ID: s.ID, NetworkID: s.NetworkID, Name: s.Name, CIDR: s.CIDR}
}

// QuotaUsage reads the detailed quota set of the service project
func (n *Network) QuotaUsage(ctx context.Context) (map[domain.QuotaKind]domain.QuotaUsage, error) {
	detail, err := quotas.GetDetail(n.client, n.projectID).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to read quotas of project %s: %w", n.projectID, classify(err))
	}
	return toQuotaUsage(*detail), nil
}

func toQuotaUsage(d quotas.QuotaDetailSet) map[domain.QuotaKind]domain.QuotaUsage {
	usage := func(q quotas.QuotaDetail) domain.QuotaUsage {
		return domain.QuotaUsage{Limit: q.Limit, Used: q.Used, Reserved: q.Reserved}
	}
	return map[domain.QuotaKind]domain.QuotaUsage{
		domain.QuotaNetwork:       usage(d.Network),
		domain.QuotaSubnet:        usage(d.Subnet),
		domain.QuotaRouter:        usage(d.Router),
		domain.QuotaPort:          usage(d.Port),
		domain.QuotaFloatingIP:    usage(d.FloatingIP),
		domain.QuotaSecurityGroup: usage(d.SecurityGroup),
	}
}

// CreateSecurityGroup creates a group in the lab's project
func (n *Network) CreateSecurityGroup(ctx context.Context, labID, name string) (domain.SecurityGroup, error) {
	g, err := groups.Create(n.client, groups.CreateOpts{Name: name, ProjectID: labID}).Extract()
	if err != nil {
		return domain.SecurityGroup{}, fmt.Errorf("failed to create security group %s: %w", name, classify(err))
	}
	return toSecurityGroup(*g), nil
}

func (n *Network) ListSecurityGroups(ctx context.Context, labID string) ([]domain.SecurityGroup, error) {
	pages, err := groups.List(n.client, groups.ListOpts{ProjectID: labID}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list security groups of %s: %w", labID, classify(err))
	}
	all, err := groups.ExtractGroups(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to decode security groups: %w", err)
	}
	out := make([]domain.SecurityGroup, 0, len(all))
	for _, g := range all {
		out = append(out, toSecurityGroup(g))
	}
	return out, nil
}

func (n *Network) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	if err := groups.Delete(n.client, groupID).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete security group %s: %w", groupID, classify(err))
	}
	return nil
}

// ClearSecurityGroupRules removes every rule of a group
func (n *Network) ClearSecurityGroupRules(ctx context.Context, groupID string) error {
	g, err := groups.Get(n.client, groupID).Extract()
	if err != nil {
		return fmt.Errorf("failed to get security group %s: %w", groupID, classify(err))
	}
	for _, r := range g.Rules {
		if err := rules.Delete(n.client, r.ID).ExtractErr(); err != nil && !cloud.IsNotFound(classify(err)) {
			return fmt.Errorf("failed to delete rule %s: %w", r.ID, classify(err))
		}
	}
	return nil
}

// CreateSecurityGroupRule adds an IPv4 rule
func (n *Network) CreateSecurityGroupRule(ctx context.Context, rule domain.SecurityGroupRule) (string, error) {
	opts := rules.CreateOpts{
		Direction:      toDirection(rule.Direction),
		EtherType:      rules.EtherType4,
		SecGroupID:     rule.GroupID,
		RemoteIPPrefix: rule.RemotePrefix,
		ProjectID:      rule.LabID,
	}
	if rule.RemotePrefix != "" {
		if _, err := netip.ParsePrefix(rule.RemotePrefix); err != nil {
			return "", fmt.Errorf("invalid remote prefix %q: %w", rule.RemotePrefix, cloud.ErrMalformed)
		}
	}
	r, err := rules.Create(n.client, opts).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create %s rule in %s: %w", rule.Direction, rule.GroupID, classify(err))
	}
	return r.ID, nil
}

func toDirection(d domain.Direction) rules.RuleDirection {
	if d == domain.Egress {
		return rules.DirEgress
	}
	return rules.DirIngress
}

func toSecurityGroup(g groups.SecGroup) domain.SecurityGroup {
	sg := domain.SecurityGroup{ID: g.ID, Name: g.Name, LabID: g.ProjectID}
	if sg.LabID == "" {
		sg.LabID = g.TenantID
	}
	for _, r := range g.Rules {
		sg.RuleIDs = append(sg.RuleIDs, r.ID)
	}
	return sg
}
