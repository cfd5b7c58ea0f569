package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/searchsync"
)

var (
	reindexSources   []string
	reindexNoRebuild bool
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index",
	Long: "Without --source, rebuilds the projection and atomically replaces the whole index. " +
		"With --source, fully resyncs only those sources.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "reindex", true)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(reindexSources) > 0 {
			var failed int
			for _, src := range reindexSources {
				res := env.Engine.FullSync(ctx, src)
				if res.Err != nil {
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: upserted=%d chunks=%d failed_chunks=%d\n",
					src, res.Upserted, res.Chunks, res.FailedChunks)
			}
			if failed > 0 {
				return eris.Errorf("%d of %d sources failed", failed, len(reindexSources))
			}
			return nil
		}

		settings, err := loadIndexSettings()
		if err != nil {
			return err
		}
		res, err := env.Engine.ReindexAll(ctx, searchsync.ReindexOptions{
			Rebuild:  !reindexNoRebuild,
			Settings: settings,
		})
		if err != nil {
			return eris.Wrap(err, "reindex")
		}
		zap.L().Info("reindex complete",
			zap.Int("objects", res.Objects), zap.Int("pages", res.Pages), zap.Duration("duration", res.Duration))
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	reindexCmd.Flags().StringSliceVar(&reindexSources, "source", nil, "resync only these sources (repeatable)")
	reindexCmd.Flags().BoolVar(&reindexNoRebuild, "no-rebuild", false, "read the projection as is instead of rebuilding it first")
	rootCmd.AddCommand(reindexCmd)
}
