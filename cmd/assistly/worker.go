package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the queue dispatcher",
	Long:  `Starts the background dispatcher without the HTTP surface. Multiple workers may run against the Postgres backend; the worker lock keeps exactly one draining the queue at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rt, err := buildRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		handler := NewSignalHandler(ctx)
		handler.Start()

		rt.Dispatcher.Start(handler.Context())
		slog.Info("assistly worker running",
			"backend", cfg.Storage.Backend,
			"instance_id", rt.Orchestrator.InstanceID())

		<-handler.Context().Done()
		rt.Dispatcher.Stop()

		slog.Info("assistly worker stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
