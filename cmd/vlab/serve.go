//go:build !test

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vlab/internal/api"
	"github.com/jbweber/homelab/vlab/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		logger := logging.WithComponent("server")
		handler := api.NewRouter(api.NewAPI(a.manager, a.manager.Orchestrator(), a.directory, logging.Logger))
		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("listen", cfg.Listen).Msg("starting vlab API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		// in-flight requests may be waiting on instance status polls
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Wait.Timeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address, overrides config")
}
