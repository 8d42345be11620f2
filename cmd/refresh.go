package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/queue"
)

var refreshBatchSize int

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-enrich products whose enrichment has expired",
	Long:  "Refreshes up to --batch products whose latest enrichment has expired, soonest-expired first. When nothing has expired, enriches products that have never been enriched.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, queue.BackendInline)
		if err != nil {
			return err
		}
		defer env.Close()

		batch := refreshBatchSize
		if batch <= 0 {
			batch = cfg.Enrichment.RefreshBatchSize
		}

		n, err := env.Enricher.RefreshStale(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "refresh")
		}
		zap.L().Info("refresh complete", zap.Int("refreshed", n), zap.Int("batch", batch))
		return nil
	},
}

func init() {
	refreshCmd.Flags().IntVar(&refreshBatchSize, "batch", 0, "max products to refresh (default from config)")
	rootCmd.AddCommand(refreshCmd)
}
