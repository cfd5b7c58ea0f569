package searchsync

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ef-pipeline/internal/handoff"
	"github.com/sells-group/ef-pipeline/internal/searchindex"
)

// SettingsLoader returns the index settings document, or nil when none is
// configured.
type SettingsLoader func() (*searchindex.Settings, error)

// TaskHandler executes sync_sources handoff tasks. Sync operations run
// synchronously through the optimizer; reindex replaces the whole index.
func TaskHandler(opt *Optimizer, eng *Engine, settings SettingsLoader) handoff.Handler {
	return func(ctx context.Context, t handoff.Task) error {
		var p handoff.SyncPayload
		if err := t.Decode(&p); err != nil {
			return err
		}

		if p.Operation == handoff.OpReindex {
			opts := ReindexOptions{Rebuild: true}
			if settings != nil {
				s, err := settings()
				if err != nil {
					return eris.Wrap(err, "searchsync: load settings")
				}
				opts.Settings = s
			}
			_, err := eng.ReindexAll(ctx, opts)
			return err
		}

		op := Operation(p.Operation)
		if !op.Valid() {
			return eris.Errorf("searchsync: unknown sync operation %q", p.Operation)
		}
		return opt.RunNow(ctx, Job{Sources: p.Sources, Operation: op, Priority: p.Priority})
	}
}
