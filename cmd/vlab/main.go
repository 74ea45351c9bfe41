//go:build !test

// Command vlab runs the lab orchestrator API and its maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vlab/internal/config"
	"github.com/jbweber/homelab/vlab/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath string
	envFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vlab",
	Short: "vlab - per-user virtual lab orchestrator",
	Long: `vlab gives every student an isolated VLAN-backed network per lab,
binds their VPN login to the lab they are working in and drives their
instances through the cloud.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("vlab version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file with VLAB_* variables")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(subnetCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(vpnCmd)
}

// loadConfig loads and validates configuration and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	return cfg, nil
}
