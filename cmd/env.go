package main

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/batcher"
	"github.com/sells-group/ef-pipeline/internal/db"
	"github.com/sells-group/ef-pipeline/internal/fetcher"
	"github.com/sells-group/ef-pipeline/internal/handoff"
	"github.com/sells-group/ef-pipeline/internal/importjob"
	"github.com/sells-group/ef-pipeline/internal/migrate"
	"github.com/sells-group/ef-pipeline/internal/monitoring"
	"github.com/sells-group/ef-pipeline/internal/projection"
	"github.com/sells-group/ef-pipeline/internal/resilience"
	"github.com/sells-group/ef-pipeline/internal/scd2"
	"github.com/sells-group/ef-pipeline/internal/searchindex"
	"github.com/sells-group/ef-pipeline/internal/searchsync"
	"github.com/sells-group/ef-pipeline/internal/sources"
	"github.com/sells-group/ef-pipeline/pkg/algolia"
)

// pipelineEnv holds the pool, stores, queue and (when requested) the search
// side shared by the commands.
type pipelineEnv struct {
	Pool       *pgxpool.Pool
	NATS       *nats.Conn
	Jobs       *importjob.Store
	Sources    *sources.Store
	Projection *projection.Store
	SyncLog    *searchsync.SyncLog
	Queue      handoff.Queue
	PGQueue    *handoff.PGQueue // nil with the nats driver
	Opener     *fetcher.Opener
	Deps       importjob.Deps

	// Search side; nil unless initEnv was asked for it.
	Index   searchindex.Index
	Breaker *resilience.Breaker
	Engine  *searchsync.Engine
}

// Close releases resources held by the environment.
func (e *pipelineEnv) Close() {
	if e.NATS != nil {
		e.NATS.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initEnv validates config for mode, connects to Postgres and builds the
// stores and the handoff queue. withSearch adds the index and sync engine.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, withSearch bool) (*pipelineEnv, error) {
	pool, err := initPool(ctx, mode)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{
		Pool:       pool,
		Jobs:       importjob.NewStore(pool, cfg.Import.MaxErrorSamples),
		Sources:    sources.NewStore(pool),
		Projection: projection.NewStore(pool),
		SyncLog:    searchsync.NewSyncLog(pool),
	}

	if err := env.initQueue(ctx); err != nil {
		env.Close()
		return nil, err
	}
	env.Opener = initOpener(ctx)

	writer, err := scd2.NewWriter(pool, uint16(cfg.Import.MachineID))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Deps = importjob.Deps{
		Store:      env.Jobs,
		Opener:     env.Opener,
		Writer:     writer,
		Sources:    env.Sources,
		Projection: env.Projection,
		Queue:      env.Queue,
	}

	if withSearch {
		idx, breaker, err := initIndex()
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Index, env.Breaker = idx, breaker
		env.Engine = searchsync.NewEngine(idx, env.Projection, env.SyncLog, searchsync.Config{
			ChunkSize:             cfg.Search.ChunkSize,
			ChunkDelay:            cfg.Search.ChunkDelay,
			PageSize:              cfg.Search.PageSize,
			IncrementalMaxObjects: cfg.Batcher.IncrementalMaxObjects,
		})
	}
	return env, nil
}

// initPool validates config for mode and opens the Postgres pool.
func initPool(ctx context.Context, mode string) (*pgxpool.Pool, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return db.Connect(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// migrateOnStart applies pending migrations; long-running commands call it
// before serving work.
func (e *pipelineEnv) migrateOnStart(ctx context.Context) error {
	if err := migrate.Run(ctx, e.Pool); err != nil {
		return eris.Wrap(err, "migrate on start")
	}
	return nil
}

func (e *pipelineEnv) initQueue(ctx context.Context) error {
	switch cfg.Handoff.Driver {
	case "nats":
		nc, err := nats.Connect(cfg.Handoff.NATSURL, nats.Name("ef-pipeline"))
		if err != nil {
			return eris.Wrap(err, "connect nats")
		}
		q, err := handoff.NewNATSQueue(ctx, nc, handoff.NATSConfig{
			Stream:      cfg.Handoff.Stream,
			MaxAttempts: cfg.Handoff.MaxAttempts,
		})
		if err != nil {
			nc.Close()
			return err
		}
		e.NATS, e.Queue = nc, q
		zap.L().Info("handoff over nats jetstream", zap.String("stream", cfg.Handoff.Stream))
	default:
		e.PGQueue = handoff.NewPGQueue(e.Pool, cfg.Handoff.MaxAttempts)
		e.Queue = e.PGQueue
	}
	return nil
}

// initOpener builds the file opener. A blob store that cannot be configured
// only disables s3:// references.
func initOpener(ctx context.Context) *fetcher.Opener {
	rc, _ := resilience.FromConfig(cfg.Resilience)

	var presign fetcher.Presigner
	if cfg.Blob.Bucket != "" {
		p, err := fetcher.NewS3Presigner(ctx, fetcher.S3Config{
			Bucket:          cfg.Blob.Bucket,
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
		})
		if err != nil {
			zap.L().Warn("blob store not configured, s3 references disabled", zap.Error(err))
		} else {
			presign = p
		}
	}

	return fetcher.NewOpener(presign, cfg.Blob.Bucket, cfg.Blob.URLExpiry,
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{RequestsPerSec: cfg.Blob.RequestsPerSec, Retry: rc}),
		fetcher.NewFTPFetcher(0),
	)
}

// initIndex builds the configured search backend behind retry and a
// circuit breaker.
func initIndex() (searchindex.Index, *resilience.Breaker, error) {
	var idx searchindex.Index
	switch cfg.Search.Backend {
	case "opensearch":
		client, err := searchindex.NewOpenSearchClient(cfg.Search.OpenSearch.Addresses,
			cfg.Search.OpenSearch.Username, cfg.Search.OpenSearch.Password)
		if err != nil {
			return nil, nil, err
		}
		idx = searchindex.NewOpenSearch(client, cfg.Search.Index, cfg.Search.ChunkSize)
	default:
		var opts []algolia.Option
		if cfg.Search.Algolia.BaseURL != "" {
			opts = append(opts, algolia.WithBaseURL(cfg.Search.Algolia.BaseURL))
		}
		client := algolia.NewClient(cfg.Search.Algolia.AppID, cfg.Search.Algolia.APIKey, opts...)
		idx = searchindex.NewAlgolia(client, cfg.Search.Index, cfg.Search.ChunkSize)
	}

	rc, bc := resilience.FromConfig(cfg.Resilience)
	bc.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("search circuit state changed",
			zap.String("from", from.String()), zap.String("to", to.String()))
	}
	breaker := resilience.NewBreaker(bc)
	guarded := searchindex.NewGuarded(idx, &resilience.Guard{Service: "search", Retry: rc, Breaker: breaker})
	return guarded, breaker, nil
}

// loadIndexSettings reads search.settings_file. No file configured means
// no settings.
func loadIndexSettings() (*searchindex.Settings, error) {
	path := cfg.Search.SettingsFile
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open settings %s", path)
	}
	defer f.Close() //nolint:errcheck

	s, err := searchindex.LoadSettings(f)
	if err != nil {
		return nil, err
	}
	s.EnsureFacets(searchindex.FilterAttributes...)
	return s, nil
}

func importSettings() importjob.Settings {
	return importjob.Settings{
		LinesPerChunk:   cfg.Import.LinesPerChunk,
		LinesPerStep:    cfg.Import.LinesPerStep,
		MicroBatchSize:  cfg.Import.MicroBatchSize,
		MaxErrorSamples: cfg.Import.MaxErrorSamples,
	}
}

func (e *pipelineEnv) newOptimizer() *searchsync.Optimizer {
	return searchsync.NewOptimizer(e.Engine, searchsync.OptimizerConfig{
		MaxSources:        cfg.Search.Optimizer.MaxSources,
		MaxRecords:        cfg.Search.Optimizer.MaxRecords,
		Interval:          cfg.Search.Optimizer.Interval,
		ParallelSources:   cfg.Search.Optimizer.ParallelSources,
		IncrementalWindow: cfg.Search.Optimizer.IncrementalWindow,
	})
}

func (e *pipelineEnv) newBatcher() *batcher.Batcher {
	return batcher.New(e.Engine, batcher.Config{
		Delay:      cfg.Batcher.Delay,
		MaxSources: cfg.Batcher.MaxSources,
		MaxWait:    cfg.Batcher.MaxWait,
		MaxRetries: cfg.Batcher.MaxRetries,
	})
}

// newDispatcher routes every task kind: the import stages and, when the
// search side is present, sync_sources.
func (e *pipelineEnv) newDispatcher(opt *searchsync.Optimizer) *handoff.Dispatcher {
	d := handoff.NewDispatcher(e.Queue, handoff.DispatcherConfig{
		PollInterval: cfg.Handoff.PollInterval,
		BatchSize:    cfg.Handoff.BatchSize,
		Concurrency:  cfg.Handoff.Concurrency,
	})
	settings := importSettings()
	importjob.RegisterHandlers(d,
		importjob.NewChunker(e.Deps, settings),
		importjob.NewProcessor(e.Deps, settings),
		importjob.NewStepper(e.Deps, settings),
	)
	if e.Engine != nil && opt != nil {
		d.Handle(handoff.KindSyncSources, searchsync.TaskHandler(opt, e.Engine, loadIndexSettings))
	}
	return d
}

// newCollector builds the status collector. Queue depth is only countable
// with the Postgres driver.
func (e *pipelineEnv) newCollector() *monitoring.Collector {
	var depth monitoring.QueueDepther
	if e.PGQueue != nil {
		depth = e.PGQueue
	}
	c := monitoring.NewCollector(e.Jobs, depth, e.SyncLog)
	if e.Breaker != nil {
		c.RegisterBreaker("search", e.Breaker)
	}
	return c
}
