//go:build !test

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vlab/internal/vlan"
)

var subnetCmd = &cobra.Command{
	Use:   "subnet VLAN_ID",
	Short: "Show the subnet and router addresses derived from a VLAN id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid VLAN id %q: %w", args[0], err)
		}
		base, _ := cmd.Flags().GetString("base")
		alloc, err := vlan.NewAllocator(base)
		if err != nil {
			return err
		}
		plan, err := alloc.PlanFor(id)
		if err != nil {
			return err
		}

		fmt.Printf("VLAN:    %d\n", plan.VlanID)
		fmt.Printf("Subnet:  %s\n", plan.Subnet)
		fmt.Printf("Gateway: %s\n", plan.Gateway)
		fmt.Printf("VPN:     %s\n", plan.VPN)
		fmt.Printf("Pool:    %s - %s\n", plan.PoolStart, plan.PoolEnd)
		return nil
	},
}

func init() {
	subnetCmd.Flags().String("base", "10.1.0.0/16", "base network carved into /28 subnets")
}
