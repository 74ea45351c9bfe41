//go:build !test

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vlab/internal/datastore"
	"github.com/jbweber/homelab/vlab/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	Long:  "Apply pending ledger schema migrations, or roll back to --to when given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ds, err := datastore.Open(cfg.ExpandedDBPath())
		if err != nil {
			return err
		}
		defer ds.Close()

		m := migrations.NewLedgerMigrator(ds.DB)
		if cmd.Flags().Changed("to") {
			to, _ := cmd.Flags().GetInt64("to")
			if err := m.RollbackTo(to); err != nil {
				return err
			}
		}

		version, err := m.GetCurrentVersion()
		if err != nil {
			return err
		}
		fmt.Printf("ledger schema at version %d\n", version)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int64("to", 0, "roll back to this schema version")
}
