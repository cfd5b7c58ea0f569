package searchindex

import (
	"context"

	"github.com/sells-group/ef-pipeline/internal/projection"
	"github.com/sells-group/ef-pipeline/internal/resilience"
)

// Guarded runs every call of an Index through a retry/circuit-breaker guard.
// All index writes are idempotent, so a retried call is safe.
type Guarded struct {
	inner Index
	guard *resilience.Guard
}

// NewGuarded wraps idx with guard.
func NewGuarded(idx Index, guard *resilience.Guard) *Guarded {
	return &Guarded{inner: idx, guard: guard}
}

// Unwrap returns the wrapped index.
func (g *Guarded) Unwrap() Index { return g.inner }

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) SaveObjects(ctx context.Context, rows []projection.Row) error {
	return g.guard.Run(ctx, "save_objects", func(ctx context.Context) error {
		return g.inner.SaveObjects(ctx, rows)
	})
}

func (g *Guarded) DeleteObjects(ctx context.Context, objectIDs []string) error {
	return g.guard.Run(ctx, "delete_objects", func(ctx context.Context) error {
		return g.inner.DeleteObjects(ctx, objectIDs)
	})
}

func (g *Guarded) DeleteBySource(ctx context.Context, source string) error {
	return g.guard.Run(ctx, "delete_by_source", func(ctx context.Context) error {
		return g.inner.DeleteBySource(ctx, source)
	})
}

func (g *Guarded) BeginReplace(ctx context.Context) (Replacement, error) {
	var r Replacement
	err := g.guard.Run(ctx, "begin_replace", func(ctx context.Context) error {
		var err error
		r, err = g.inner.BeginReplace(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &guardedReplacement{inner: r, guard: g.guard}, nil
}

func (g *Guarded) ApplySettings(ctx context.Context, s *Settings) error {
	return g.guard.Run(ctx, "apply_settings", func(ctx context.Context) error {
		return g.inner.ApplySettings(ctx, s)
	})
}

// StageSettings forwards to the wrapped index when it supports staging.
func (g *Guarded) StageSettings(s *Settings) {
	if st, ok := g.inner.(SettingsStager); ok {
		st.StageSettings(s)
	}
}

// SettingsStager is implemented by backends that must know settings before
// a replacement index is created.
type SettingsStager interface {
	StageSettings(s *Settings)
}

type guardedReplacement struct {
	inner Replacement
	guard *resilience.Guard
}

func (r *guardedReplacement) SaveObjects(ctx context.Context, rows []projection.Row) error {
	return r.guard.Run(ctx, "replace_save_objects", func(ctx context.Context) error {
		return r.inner.SaveObjects(ctx, rows)
	})
}

func (r *guardedReplacement) Commit(ctx context.Context) error {
	return r.guard.Run(ctx, "replace_commit", r.inner.Commit)
}

func (r *guardedReplacement) Abort(ctx context.Context) error {
	return r.inner.Abort(ctx)
}
