// Package vlan maps VLAN segment ids to fixed /28 subnets of a /16 base network.
package vlan

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/apparentlymart/go-cidr/cidr"
)

const (
	// BasePrefixLen is the prefix length of the base network
	BasePrefixLen = 16
	// SubnetPrefixLen is the prefix length of every per-VLAN subnet
	SubnetPrefixLen = 28
	// Capacity is the number of /28 subnets in the base network
	Capacity = 1 << (SubnetPrefixLen - BasePrefixLen)

	// MaxVlanID is the highest usable 802.1Q tag; 4095 is reserved
	MaxVlanID = 4094

	gatewayHost = 1
	vpnHost     = 14
)

// Allocator computes subnets for VLAN ids. It holds no state besides the base network.
type Allocator struct {
	base *net.IPNet
}

// NewAllocator creates an allocator for a base network given as "a.b.0.0" or "a.b.0.0/16".
func NewAllocator(base string) (*Allocator, error) {
	prefix, err := ParseBase(base)
	if err != nil {
		return nil, err
	}
	_, ipnet, err := net.ParseCIDR(prefix.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse base network %q: %w", base, err)
	}
	return &Allocator{base: ipnet}, nil
}

// ParseBase normalizes a base network string into its /16 prefix.
func ParseBase(base string) (netip.Prefix, error) {
	var addr netip.Addr
	if p, err := netip.ParsePrefix(base); err == nil {
		if p.Bits() != BasePrefixLen {
			return netip.Prefix{}, fmt.Errorf("base network %q must be a /%d", base, BasePrefixLen)
		}
		addr = p.Addr()
	} else {
		a, err := netip.ParseAddr(base)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid base network %q: %w", base, err)
		}
		addr = a
	}
	if !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("base network %q must be IPv4", base)
	}
	return netip.PrefixFrom(addr, BasePrefixLen).Masked(), nil
}

// Base returns the /16 base network
func (a *Allocator) Base() netip.Prefix {
	p, _ := netip.ParsePrefix(a.base.String())
	return p
}

// ValidateTag rejects ids that cannot be configured as a VLAN tag
func ValidateTag(id int64) error {
	if id < 1 || id > MaxVlanID {
		return &InvalidVlanIDError{VlanID: id}
	}
	return nil
}

// SubnetFor returns the /28 assigned to VLAN n. Slot n-1 of the base network is used,
// so the third octet is (n-1)/16 and the fourth is ((n-1)%16)*16.
func (a *Allocator) SubnetFor(n int64) (netip.Prefix, error) {
	if n <= 0 {
		return netip.Prefix{}, &InvalidVlanIDError{VlanID: n}
	}
	if n > Capacity {
		return netip.Prefix{}, &AddressSpaceExhaustedError{VlanID: n, Base: a.base.String()}
	}

	subnet, err := cidr.Subnet(a.base, SubnetPrefixLen-BasePrefixLen, int(n-1))
	if err != nil {
		return netip.Prefix{}, &AddressSpaceExhaustedError{VlanID: n, Base: a.base.String()}
	}
	return toPrefix(subnet)
}

// HostAddresses returns the router gateway (network+1) and the VPN endpoint (network+14) of a subnet.
func (a *Allocator) HostAddresses(subnet netip.Prefix) (gateway, vpn netip.Addr, err error) {
	if !subnet.Addr().Is4() || subnet.Bits() != SubnetPrefixLen {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("subnet %s is not an IPv4 /%d", subnet, SubnetPrefixLen)
	}
	_, ipnet, err := net.ParseCIDR(subnet.Masked().String())
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("failed to parse subnet %s: %w", subnet, err)
	}

	gw, err := cidr.Host(ipnet, gatewayHost)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("failed to compute gateway of %s: %w", subnet, err)
	}
	ep, err := cidr.Host(ipnet, vpnHost)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("failed to compute vpn endpoint of %s: %w", subnet, err)
	}

	gateway, _ = netip.AddrFromSlice(gw.To4())
	vpn, _ = netip.AddrFromSlice(ep.To4())
	return gateway, vpn, nil
}

// Plan is everything derived from one VLAN id
type Plan struct {
	VlanID    int64
	Subnet    netip.Prefix
	Gateway   netip.Addr
	VPN       netip.Addr
	PoolStart netip.Addr
	PoolEnd   netip.Addr
}

// PlanFor computes the subnet, host addresses and the instance allocation pool
// (gateway+1 through vpn-1) for VLAN n.
func (a *Allocator) PlanFor(n int64) (Plan, error) {
	subnet, err := a.SubnetFor(n)
	if err != nil {
		return Plan{}, err
	}
	gateway, vpn, err := a.HostAddresses(subnet)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		VlanID:    n,
		Subnet:    subnet,
		Gateway:   gateway,
		VPN:       vpn,
		PoolStart: gateway.Next(),
		PoolEnd:   vpn.Prev(),
	}, nil
}

func toPrefix(n *net.IPNet) (netip.Prefix, error) {
	addr, ok := netip.AddrFromSlice(n.IP.To4())
	if !ok {
		return netip.Prefix{}, fmt.Errorf("subnet %s is not IPv4", n)
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones), nil
}
