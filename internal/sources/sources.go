// Package sources manages fe_sources metadata and workspace assignments.
package sources

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/db"
)

// Access levels.
const (
	AccessStandard = "standard"
	AccessPremium  = "premium"
)

// Source is one row of fe_sources.
type Source struct {
	Name        string `json:"source_name"`
	AccessLevel string `json:"access_level"`
	IsGlobal    bool   `json:"is_global"`
}

// Store reads and writes source metadata.
type Store struct {
	pool db.Pool
	log  *zap.Logger
}

// NewStore creates a sources Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool, log: zap.L().With(zap.String("component", "sources"))}
}

// Ensure registers sources seen during an import. Existing rows keep their
// access level and global flag.
func (s *Store) Ensure(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	uniq := make(map[string]struct{}, len(names))
	for _, n := range names {
		uniq[n] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for n := range uniq {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	rows := make([][]any, len(sorted))
	for i, n := range sorted {
		rows[i] = []any{n, AccessStandard, true}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "fe_sources",
		Columns:      []string{"source_name", "access_level", "is_global"},
		ConflictKeys: []string{"source_name"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "sources: ensure")
	}
	return n, nil
}

// Upsert creates or updates a source's access level and global flag.
func (s *Store) Upsert(ctx context.Context, src Source) error {
	if src.AccessLevel == "" {
		src.AccessLevel = AccessStandard
	}
	if src.AccessLevel != AccessStandard && src.AccessLevel != AccessPremium {
		return eris.Errorf("sources: invalid access level %q", src.AccessLevel)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fe_sources (source_name, access_level, is_global)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (source_name) DO UPDATE
		 SET access_level = EXCLUDED.access_level, is_global = EXCLUDED.is_global, updated_at = now()`,
		src.Name, src.AccessLevel, src.IsGlobal,
	)
	if err != nil {
		return eris.Wrapf(err, "sources: upsert %s", src.Name)
	}
	return nil
}

// Get returns the source with the given exact name, or nil.
func (s *Store) Get(ctx context.Context, name string) (*Source, error) {
	var src Source
	err := s.pool.QueryRow(ctx,
		"SELECT source_name, access_level, is_global FROM fe_sources WHERE source_name = $1", name,
	).Scan(&src.Name, &src.AccessLevel, &src.IsGlobal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sources: get %s", name)
	}
	return &src, nil
}

// ExactName resolves a case-insensitive name to the stored spelling. Returns
// "" when no source matches.
func (s *Store) ExactName(ctx context.Context, name string) (string, error) {
	var exact string
	err := s.pool.QueryRow(ctx,
		"SELECT source_name FROM fe_sources WHERE lower(source_name) = lower($1) ORDER BY source_name LIMIT 1", name,
	).Scan(&exact)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "sources: resolve %s", name)
	}
	return exact, nil
}

// AccessLevels returns the access level per known source name. Unknown
// names are absent.
func (s *Store) AccessLevels(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		"SELECT source_name, access_level FROM fe_sources WHERE source_name = ANY($1)", names,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sources: access levels")
	}
	defer rows.Close()

	for rows.Next() {
		var name, level string
		if err := rows.Scan(&name, &level); err != nil {
			return nil, eris.Wrap(err, "sources: scan access level")
		}
		out[name] = level
	}
	return out, rows.Err()
}

// Assign grants a workspace access to a source. Returns false when the
// assignment already existed.
func (s *Store) Assign(ctx context.Context, source, workspaceID, assignedBy string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fe_source_workspace_assignments (source_name, workspace_id, assigned_by)
		 VALUES ($1, $2::uuid, NULLIF($3, ''))
		 ON CONFLICT (source_name, workspace_id) DO NOTHING`,
		source, workspaceID, assignedBy,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sources: assign %s to %s", source, workspaceID)
	}
	s.log.Info("source assigned",
		zap.String("source", source),
		zap.String("workspace_id", workspaceID),
		zap.Bool("changed", tag.RowsAffected() > 0),
	)
	return tag.RowsAffected() > 0, nil
}

// Unassign revokes a workspace's access to a source. Returns false when no
// assignment existed.
func (s *Store) Unassign(ctx context.Context, source, workspaceID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM fe_source_workspace_assignments WHERE source_name = $1 AND workspace_id = $2::uuid",
		source, workspaceID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sources: unassign %s from %s", source, workspaceID)
	}
	s.log.Info("source unassigned",
		zap.String("source", source),
		zap.String("workspace_id", workspaceID),
		zap.Bool("changed", tag.RowsAffected() > 0),
	)
	return tag.RowsAffected() > 0, nil
}

// Assignments lists the workspaces assigned to a source.
func (s *Store) Assignments(ctx context.Context, source string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT workspace_id::text FROM fe_source_workspace_assignments WHERE source_name = $1 ORDER BY workspace_id",
		source,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sources: assignments of %s", source)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sources: scan assignment")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
