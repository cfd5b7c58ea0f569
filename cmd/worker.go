package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	workerConcurrency int
	workerStaleAfter  time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the stage handoff worker",
	Long:  "Claims create_chunks, process_chunk, incremental_step and sync_sources tasks from the handoff queue and runs them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workerConcurrency > 0 {
			cfg.Handoff.Concurrency = workerConcurrency
		}

		env, err := initEnv(ctx, "worker", true)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.migrateOnStart(ctx); err != nil {
			return err
		}

		opt := env.newOptimizer()
		defer opt.Close(ctx)
		d := env.newDispatcher(opt)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return d.Run(gctx) })

		// Tasks claimed by a worker that died stay in processing until
		// returned here.
		if env.PGQueue != nil && workerStaleAfter > 0 {
			g.Go(func() error {
				ticker := time.NewTicker(workerStaleAfter / 2)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						if _, err := env.PGQueue.RecoverStale(gctx, workerStaleAfter); err != nil {
							zap.L().Error("recover stale tasks failed", zap.Error(err))
						}
					}
				}
			})
		}

		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "parallel tasks (default from config)")
	workerCmd.Flags().DurationVar(&workerStaleAfter, "stale-after", 15*time.Minute, "return tasks processing longer than this to pending (0 disables)")
	rootCmd.AddCommand(workerCmd)
}
