//go:build !test

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var vpnCmd = &cobra.Command{
	Use:   "vpn",
	Short: "Manage user VPN accounts on the router",
}

var vpnCreateCmd = &cobra.Command{
	Use:   "create USER_ID",
	Short: "Create a VPN account; a password is generated unless --password is set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			password, _ := cmd.Flags().GetString("password")
			pw, err := a.manager.CreateVPNAccount(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Println(pw)
			return nil
		})
	},
}

var vpnResetCmd = &cobra.Command{
	Use:   "reset USER_ID",
	Short: "Replace a VPN password; a password is generated unless --password is set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			password, _ := cmd.Flags().GetString("password")
			pw, err := a.manager.ResetVPNPassword(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Println(pw)
			return nil
		})
	},
}

var vpnDeleteCmd = &cobra.Command{
	Use:   "delete USER_ID",
	Short: "Delete a VPN account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			return a.manager.DeleteVPNAccount(cmd.Context(), args[0])
		})
	},
}

func init() {
	vpnCreateCmd.Flags().String("password", "", "password to set")
	vpnResetCmd.Flags().String("password", "", "password to set")

	vpnCmd.AddCommand(vpnCreateCmd)
	vpnCmd.AddCommand(vpnResetCmd)
	vpnCmd.AddCommand(vpnDeleteCmd)
}

// withApp loads configuration, wires the app and runs fn with it
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
