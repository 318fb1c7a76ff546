package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/internal/app"
	"github.com/ineyio/quotarouter/internal/logging"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP dispatch service",
	Long: `Start the quotarouter HTTP service.

The config file is watched: toggling a provider's "active" flag takes effect
without a restart. Send SIGHUP to force a reload.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := quotarouter.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}

		logger, closer := logging.New(cfg.Log)
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, cfgFile, logger)
		if err != nil {
			logger.Error().Err(err).Msg("startup failed")
			return err
		}
		defer a.Close()

		logger.Info().
			Int("providers", len(cfg.Providers)).
			Str("policy", cfg.SelectionPolicy).
			Str("quota_backend", cfg.Quota.Backend).
			Msg("quotarouter starting")

		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("service stopped")
			return err
		}
		logger.Info().Msg("quotarouter stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "override the listen address")
	rootCmd.AddCommand(serveCmd)
}
