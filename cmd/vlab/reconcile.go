//go:build !test

package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare the ledger with the cloud and the router",
	Long: `Scan reports ledger rows whose network is gone, user networks without a
ledger row and pending cleanups. With --repair orphan networks are deleted and
pending cleanups are retried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.reconciler.Scan(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if repair, _ := cmd.Flags().GetBool("repair"); !repair || report.Clean() {
			return enc.Encode(report)
		}

		result, err := a.reconciler.Repair(cmd.Context(), report)
		if encErr := enc.Encode(result); encErr != nil {
			return encErr
		}
		return err
	},
}

func init() {
	reconcileCmd.Flags().Bool("repair", false, "delete orphan networks and retry pending cleanups")
}
