package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/queue"
)

var (
	runMenuID       string
	runRestaurantID string
	runTrigger      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one menu and wait for it to finish",
	Long:  "Runs every stage in-process on the inline queue and prints the resulting pipeline run as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, queue.BackendInline)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Queue.Start(ctx, env.Orchestrator.Handle); err != nil {
			return eris.Wrap(err, "start queue")
		}
		if err := env.Orchestrator.Trigger(ctx, runMenuID, runRestaurantID, runTrigger); err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		runs, err := env.Store.ListRuns(ctx, model.RunFilter{MenuID: runMenuID, Limit: 1})
		if err != nil {
			return eris.Wrap(err, "load run")
		}
		if len(runs) == 0 {
			return eris.Errorf("menu %s not found", runMenuID)
		}
		run := runs[0]

		zap.L().Info("pipeline run finished",
			zap.String("run_id", run.ID),
			zap.String("menu_id", run.MenuID),
			zap.String("status", string(run.Status)),
			zap.Int("items_processed", run.ItemsProcessed),
			zap.Int("needs_review", run.NeedsReviewCount),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
		if run.Status == model.RunStatusFailed {
			return eris.Errorf("run %s failed: %s", run.ID, run.ErrorSummary)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runMenuID, "menu", "", "menu ID (required)")
	runCmd.Flags().StringVar(&runRestaurantID, "restaurant", "", "restaurant ID (defaults to the menu's)")
	runCmd.Flags().StringVar(&runTrigger, "trigger", "manual", "trigger label recorded on the run")
	_ = runCmd.MarkFlagRequired("menu")
	rootCmd.AddCommand(runCmd)
}
