package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MovieFirebots/Anime-Realm/pkg/config"
	"github.com/MovieFirebots/Anime-Realm/pkg/gateway"
	"github.com/MovieFirebots/Anime-Realm/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and dispatch workers",
	Long:  "Accepts webhook deliveries, processes them on the dispatch pool, and serves health, readiness, metrics and event stream endpoints.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		log = log.With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.Build(runCtx, cfg, slog.Default())
		if err != nil {
			log.Error("Failed to initialize service", "error", err)
			return err
		}

		log.Info("Service starting",
			"addr", cfg.Server.Addr(),
			"webhook_path", cfg.Telegram.WebhookPath,
			"store", cfg.Store.Driver,
			"queue", cfg.Queue.Driver,
			"workers", cfg.Dispatch.Workers,
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Service stopped with error", "error", err)
			return err
		}

		log.Info("Service stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadRuntime loads configuration and installs the process logger.
func loadRuntime() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, appLogger, nil
}
