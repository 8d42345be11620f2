package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a stage worker against the Temporal task queue",
	Long:  "Polls the configured Temporal task queue and executes pipeline stages until interrupted. The inline and watermill backends run inside serve.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireDistributedBackend(cfg.Queue.Backend); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, cfg.Queue.Backend)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Queue.Start(ctx, env.Orchestrator.Handle); err != nil {
			return eris.Wrap(err, "start worker")
		}
		zap.L().Info("worker started",
			zap.String("task_queue", cfg.Queue.TaskQueue),
			zap.String("namespace", cfg.Queue.TemporalNamespace),
		)

		<-ctx.Done()
		zap.L().Info("worker stopping")
		return nil
	},
}

func requireDistributedBackend(backend string) error {
	if backend != queue.BackendTemporal {
		return eris.Errorf("worker: queue backend %q is in-process; use serve", backend)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
