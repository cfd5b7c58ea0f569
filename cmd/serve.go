package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ef-pipeline/internal/importjob"
	"github.com/sells-group/ef-pipeline/internal/monitoring"
	"github.com/sells-group/ef-pipeline/internal/server"
)

var (
	servePort     int
	serveNoWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long:  "Serves the import, webhook and sync endpoints, runs the change batcher and sync optimizer, and by default an in-process task worker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.migrateOnStart(ctx); err != nil {
			return err
		}

		opt := env.newOptimizer()
		b := env.newBatcher()
		settings := importSettings()

		collector := env.newCollector()
		collector.Register("batcher", func() any { return b.Metrics() })
		collector.Register("optimizer", func() any { return opt.Metrics() })
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		handler := server.New(server.Deps{
			Jobs:          env.Jobs,
			Queue:         env.Queue,
			Chunker:       importjob.NewChunker(env.Deps, settings),
			Processor:     importjob.NewProcessor(env.Deps, settings),
			Stepper:       importjob.NewStepper(env.Deps, settings),
			Worker:        importjob.NewWorker(env.Deps, settings),
			Analyzer:      importjob.NewAnalyzer(env.Opener, env.Sources, cfg.Import.MaxErrorSamples),
			Events:        b,
			Sync:          opt,
			Assignments:   env.Sources,
			Status:        collector,
			LookbackHours: cfg.Monitoring.LookbackWindowHours,
			CORSOrigins:   cfg.Server.CORSOrigins,
			MetricsPath:   cfg.Metrics.Path,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			res := b.Close(shutdownCtx)
			zap.L().Info("batcher drained", zap.Int("sources", res.Sources), zap.Int("failed", len(res.Failed)))
			opt.Close(shutdownCtx)
			return nil
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		if !serveNoWorker {
			d := env.newDispatcher(opt)
			g.Go(func() error { return d.Run(gctx) })
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "do not run the task worker in this process")
	rootCmd.AddCommand(serveCmd)
}
