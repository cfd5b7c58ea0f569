// Package searchsync pushes projection rows to the search index: per-source
// full or incremental syncs, whole-index atomic reindex, and a batching
// optimizer queue for bulk sync requests.
package searchsync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ef-pipeline/internal/batcher"
	"github.com/sells-group/ef-pipeline/internal/monitoring"
	"github.com/sells-group/ef-pipeline/internal/projection"
	"github.com/sells-group/ef-pipeline/internal/searchindex"
)

// Mode is how a source was synced.
type Mode string

// Sync modes.
const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeRecent      Mode = "recent"
	ModeDelete      Mode = "delete"
)

// Projection is the read side used by the engine.
type Projection interface {
	Refresh(ctx context.Context, source string) (int, error)
	RebuildAll(ctx context.Context) (int, error)
	BySource(ctx context.Context, source string) ([]projection.Row, error)
	ByObjectIDs(ctx context.Context, source string, ids []string) ([]projection.Row, error)
	Page(ctx context.Context, f projection.Filter) ([]projection.Row, error)
	Each(ctx context.Context, f projection.Filter, pageSize int, fn func([]projection.Row) error) error
}

// Journal records sync outcomes. *SyncLog implements it.
type Journal interface {
	Start(ctx context.Context, source string, mode Mode) (int64, error)
	Complete(ctx context.Context, id int64, res Result) error
	Fail(ctx context.Context, id int64, errMsg string) error
}

// Config holds the engine policy numbers.
type Config struct {
	ChunkSize             int
	ChunkDelay            time.Duration
	PageSize              int
	IncrementalMaxObjects int
}

// Result is the outcome of one source sync.
type Result struct {
	Source       string        `json:"source"`
	Mode         Mode          `json:"mode"`
	Upserted     int           `json:"upserted"`
	Deleted      bool          `json:"deleted"`
	Chunks       int           `json:"chunks"`
	FailedChunks int           `json:"failed_chunks"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
}

// Engine syncs sources from the projection to an index.
type Engine struct {
	index   searchindex.Index
	proj    Projection
	journal Journal
	cfg     Config
	log     *zap.Logger
}

// NewEngine creates an Engine. journal may be nil.
func NewEngine(index searchindex.Index, proj Projection, journal Journal, cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5000
	}
	if cfg.IncrementalMaxObjects <= 0 {
		cfg.IncrementalMaxObjects = 10
	}
	return &Engine{
		index:   index,
		proj:    proj,
		journal: journal,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "searchsync.engine")),
	}
}

// Sync implements batcher.Syncer.
func (e *Engine) Sync(ctx context.Context, b batcher.Batch) error {
	return e.SyncSource(ctx, b).Err
}

// SyncSource runs a full sync when the batch inserts or deletes rows or
// touches more than IncrementalMaxObjects ids, and an incremental one
// otherwise. Both refresh the source projection before reading it.
func (e *Engine) SyncSource(ctx context.Context, b batcher.Batch) Result {
	if b.NeedsFullSync(e.cfg.IncrementalMaxObjects) {
		return e.FullSync(ctx, b.Source)
	}
	return e.run(ctx, b.Source, ModeIncremental, func(ctx context.Context, res *Result) error {
		if _, err := e.proj.Refresh(ctx, b.Source); err != nil {
			return err
		}
		rows, err := e.proj.ByObjectIDs(ctx, b.Source, b.IDs())
		if err != nil {
			return err
		}
		e.upsert(ctx, rows, res)
		return nil
	})
}

// FullSync refreshes the source projection, purges the source from the
// index and writes every current row.
func (e *Engine) FullSync(ctx context.Context, source string) Result {
	return e.run(ctx, source, ModeFull, func(ctx context.Context, res *Result) error {
		if _, err := e.proj.Refresh(ctx, source); err != nil {
			return err
		}
		rows, err := e.proj.BySource(ctx, source)
		if err != nil {
			return err
		}
		if err := e.index.DeleteBySource(ctx, source); err != nil {
			return err
		}
		res.Deleted = true
		e.upsert(ctx, rows, res)
		return nil
	})
}

// SyncRecent writes the rows of source updated since the given time.
func (e *Engine) SyncRecent(ctx context.Context, source string, since time.Time) Result {
	return e.run(ctx, source, ModeRecent, func(ctx context.Context, res *Result) error {
		rows, err := e.proj.Page(ctx, projection.Filter{Source: source, UpdatedSince: since})
		if err != nil {
			return err
		}
		e.upsert(ctx, rows, res)
		return nil
	})
}

// DeleteSource removes a source from the index.
func (e *Engine) DeleteSource(ctx context.Context, source string) Result {
	return e.run(ctx, source, ModeDelete, func(ctx context.Context, res *Result) error {
		if err := e.index.DeleteBySource(ctx, source); err != nil {
			return err
		}
		res.Deleted = true
		return nil
	})
}

// upsert writes rows in chunks, pacing chunks by ChunkDelay. A failed chunk
// is counted and the remaining chunks still run.
func (e *Engine) upsert(ctx context.Context, rows []projection.Row, res *Result) {
	limit := rate.Inf
	if e.cfg.ChunkDelay > 0 {
		limit = rate.Every(e.cfg.ChunkDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	size := e.cfg.ChunkSize
	total := (len(rows) + size - 1) / size
	res.Chunks += total
	for i := 0; i < total; i++ {
		chunk := rows[i*size : min((i+1)*size, len(rows))]
		if err := limiter.Wait(ctx); err != nil {
			res.FailedChunks += total - i
			return
		}
		if err := e.index.SaveObjects(ctx, chunk); err != nil {
			res.FailedChunks++
			e.log.Warn("chunk failed",
				zap.String("source", res.Source),
				zap.Int("chunk", i),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
			continue
		}
		res.Upserted += len(chunk)
	}
}

func (e *Engine) run(ctx context.Context, source string, mode Mode, fn func(context.Context, *Result) error) Result {
	start := time.Now()
	res := Result{Source: source, Mode: mode}

	var logID int64
	if e.journal != nil {
		id, err := e.journal.Start(ctx, source, mode)
		if err != nil {
			e.log.Warn("sync log start failed", zap.String("source", source), zap.Error(err))
		}
		logID = id
	}

	err := fn(ctx, &res)
	if err == nil && res.FailedChunks > 0 {
		err = eris.Errorf("searchsync: %d of %d chunks failed", res.FailedChunks, res.Chunks)
	}
	if err != nil {
		res.Err = eris.Wrapf(err, "searchsync: %s sync %s", mode, source)
	}
	res.Duration = time.Since(start)

	monitoring.SyncDuration.WithLabelValues(string(mode)).Observe(res.Duration.Seconds())
	monitoring.ObjectsIndexed.Add(float64(res.Upserted))
	if res.Err != nil {
		monitoring.SyncErrors.WithLabelValues(string(mode)).Inc()
	}

	if e.journal != nil && logID != 0 {
		// The journal outlives a cancelled sync.
		jctx := context.WithoutCancel(ctx)
		var jerr error
		if res.Err != nil && res.Upserted == 0 {
			jerr = e.journal.Fail(jctx, logID, res.Err.Error())
		} else {
			jerr = e.journal.Complete(jctx, logID, res)
		}
		if jerr != nil {
			e.log.Warn("sync log update failed", zap.Int64("id", logID), zap.Error(jerr))
		}
	}

	fields := []zap.Field{
		zap.String("source", source),
		zap.String("mode", string(mode)),
		zap.Int("upserted", res.Upserted),
		zap.Int("failed_chunks", res.FailedChunks),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		e.log.Error("source sync failed", append(fields, zap.Error(res.Err))...)
	} else {
		e.log.Info("source synced", fields...)
	}
	return res
}

// ReindexOptions tunes ReindexAll.
type ReindexOptions struct {
	// Rebuild recomputes the whole projection before reading it.
	Rebuild bool
	// Settings is applied to the index after the swap when non-nil.
	Settings *searchindex.Settings
}

// ReindexResult summarizes a whole-index replacement.
type ReindexResult struct {
	Objects  int           `json:"objects"`
	Pages    int           `json:"pages"`
	Duration time.Duration `json:"duration"`
}

// ReindexAll rebuilds the whole index in a staging copy and swaps it in.
// Readers see either the old or the new contents, never a mix. On failure
// the staging copy is dropped and the live index is untouched.
func (e *Engine) ReindexAll(ctx context.Context, opts ReindexOptions) (ReindexResult, error) {
	start := time.Now()
	var out ReindexResult

	if opts.Rebuild {
		n, err := e.proj.RebuildAll(ctx)
		if err != nil {
			return out, eris.Wrap(err, "searchsync: rebuild projection")
		}
		e.log.Info("projection rebuilt", zap.Int("rows", n))
	}

	if opts.Settings != nil {
		opts.Settings.EnsureFacets(searchindex.FilterAttributes...)
		if st, ok := e.index.(searchindex.SettingsStager); ok {
			st.StageSettings(opts.Settings)
		}
	}

	repl, err := e.index.BeginReplace(ctx)
	if err != nil {
		return out, eris.Wrap(err, "searchsync: begin replace")
	}

	err = e.proj.Each(ctx, projection.Filter{}, e.cfg.PageSize, func(rows []projection.Row) error {
		if err := repl.SaveObjects(ctx, rows); err != nil {
			return err
		}
		out.Pages++
		out.Objects += len(rows)
		return nil
	})
	if err == nil {
		err = repl.Commit(ctx)
	}
	if err != nil {
		if abortErr := repl.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			e.log.Warn("abort replacement failed", zap.Error(abortErr))
		}
		return out, eris.Wrap(err, "searchsync: reindex")
	}

	if opts.Settings != nil {
		if err := e.index.ApplySettings(ctx, opts.Settings); err != nil {
			return out, eris.Wrap(err, "searchsync: apply settings after reindex")
		}
	}

	out.Duration = time.Since(start)
	monitoring.ObjectsIndexed.Add(float64(out.Objects))
	e.log.Info("index replaced",
		zap.String("index", e.index.Name()),
		zap.Int("objects", out.Objects),
		zap.Int("pages", out.Pages),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}
