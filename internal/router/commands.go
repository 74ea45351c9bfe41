package router

import (
	"fmt"

	"github.com/jbweber/homelab/vlab/internal/vlan"
)

// step is one command of a multi-command router operation
type step struct {
	name     string
	commands []string
}

func interfaceName(id int64) string {
	return fmt.Sprintf("vlan%d", id)
}

func profileName(id int64) string {
	return fmt.Sprintf("pptp-vlan%d", id)
}

// ifAbsent runs add only when find selects nothing, so repeating a create is a no-op
func ifAbsent(find, add string) string {
	return fmt.Sprintf(":if ([:len [%s]] = 0) do={%s}", find, add)
}

// createVlanSteps builds the interface, profile, address and firewall steps for a plan
func (g *Gateway) createVlanSteps(p vlan.Plan) []step {
	iface := interfaceName(p.VlanID)
	profile := profileName(p.VlanID)
	return []step{
		{
			name: "vlan_interface",
			commands: []string{ifAbsent(
				fmt.Sprintf("/interface vlan find where name=%s", iface),
				fmt.Sprintf("/interface vlan add arp=proxy-arp interface=%s name=%s vlan-id=%d",
					g.cfg.UplinkInterface, iface, p.VlanID))},
		},
		{
			name: "ppp_profile",
			commands: []string{ifAbsent(
				fmt.Sprintf("/ppp profile find where name=%s", profile),
				fmt.Sprintf("/ppp profile add name=%s local-address=%s remote-address=%s "+
					"use-mpls=default only-one=yes use-compression=default use-encryption=required "+
					"change-tcp-mss=default use-upnp=default address-list=\"\"",
					profile, p.Gateway, p.VPN))},
		},
		{
			name: "ip_address",
			commands: []string{ifAbsent(
				fmt.Sprintf("/ip address find where comment=%s", iface),
				fmt.Sprintf("/ip address add address=%s/%d interface=%s network=%s comment=%s",
					p.Gateway, p.Subnet.Bits(), iface, p.Subnet.Addr(), iface))},
		},
		{
			name: "firewall_rule",
			commands: []string{
				ifAbsent(
					fmt.Sprintf("/ip firewall filter find where comment=%s", iface),
					fmt.Sprintf("/ip firewall filter add chain=forward dst-address=%s src-address=%s comment=%s",
						p.Subnet, p.Subnet, iface)),
				fmt.Sprintf("/ip firewall filter move [find where comment=%s] destination=%d",
					iface, g.cfg.FirewallPosition),
			},
		},
	}
}

// deleteVlanSteps builds the reverse-order removal; every removal selects with find,
// so an absent item is not an error
func deleteVlanSteps(id int64) []step {
	iface := interfaceName(id)
	return []step{
		{name: "firewall_rule", commands: []string{fmt.Sprintf("/ip firewall filter remove [find where comment=%s]", iface)}},
		{name: "ppp_profile", commands: []string{fmt.Sprintf("/ppp profile remove [find where name=%s]", profileName(id))}},
		{name: "ip_address", commands: []string{fmt.Sprintf("/ip address remove [find where comment=%s]", iface)}},
		{name: "vlan_interface", commands: []string{fmt.Sprintf("/interface vlan remove [find where name=%s]", iface)}},
	}
}

func bindCommand(email string, id int64) string {
	return fmt.Sprintf("/ppp secret set [find where name=\"%s\"] profile=%s", email, profileName(id))
}

func unbindCommand(email, defaultProfile string) string {
	return fmt.Sprintf("/ppp secret set [find where name=\"%s\"] profile=%s", email, defaultProfile)
}

func createSecretCommand(email, service, password string) string {
	return fmt.Sprintf("/ppp secret add name=\"%s\" service=%s password=\"%s\"", email, service, password)
}

func deleteSecretCommand(email string) string {
	return fmt.Sprintf("/ppp secret remove [find where name=\"%s\"]", email)
}

func resetSecretCommand(email, password string) string {
	return fmt.Sprintf("/ppp secret set [find where name=\"%s\"] password=\"%s\"", email, password)
}
