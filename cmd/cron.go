package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/importjob"
)

var (
	cronInterval time.Duration
	cronOnce     bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Advance the oldest unfinished import on a schedule",
	Long:  "Every interval, steps the oldest incremental job or re-enqueues the stalled work of the oldest upfront job. Use --once from an external scheduler.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "import", false)
		if err != nil {
			return err
		}
		defer env.Close()

		w := importjob.NewWorker(env.Deps, importSettings())
		if cronOnce {
			res, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}
		return runCron(ctx, cronInterval, w)
	},
}

type onceRunner interface {
	RunOnce(ctx context.Context) (*importjob.RunResult, error)
}

// runCron calls RunOnce every interval until ctx is done.
func runCron(ctx context.Context, interval time.Duration, w onceRunner) error {
	log := zap.L().With(zap.String("component", "cron"))
	log.Info("import cron started", zap.Duration("interval", interval))
	for {
		res, err := w.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			log.Info("import cron stopped")
			return nil
		case err != nil:
			log.Error("worker pass failed", zap.Error(err))
		case res.Action != importjob.ActionIdle && res.Action != importjob.ActionWaiting:
			log.Info("worker pass", zap.String("job_id", res.JobID), zap.String("action", res.Action))
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("import cron stopped")
			return nil
		case <-t.C:
		}
	}
}

func init() {
	cronCmd.Flags().DurationVar(&cronInterval, "interval", time.Minute, "time between worker passes")
	cronCmd.Flags().BoolVar(&cronOnce, "once", false, "run a single pass and print the result")
	rootCmd.AddCommand(cronCmd)
}
