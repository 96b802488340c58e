package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/assistly/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and queue dispatcher",
	Long:  `Starts the HTTP webhook endpoint and the background queue dispatcher in one process. This is the normal single-instance deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rt, err := buildRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		handler := NewSignalHandler(ctx)
		handler.Start()

		rt.Server.Start()
		rt.Dispatcher.Start(handler.Context())
		slog.Info("assistly serving",
			"port", cfg.Server.Port,
			"backend", cfg.Storage.Backend,
			"instance_id", rt.Orchestrator.InstanceID())

		<-handler.Context().Done()

		rt.Dispatcher.Stop()
		shutdownTTL, err := config.DurationOrDefault(cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
		if err != nil {
			shutdownTTL = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTTL)
		defer cancel()
		if err := rt.Server.Stop(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}

		slog.Info("assistly stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
