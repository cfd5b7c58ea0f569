// Package projection maintains and reads the denormalized per-source search
// projection (emission_factors_all_search).
package projection

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/ef-pipeline/internal/db"
)

// Row is one search object: the latest version of a fact merged with its
// source's access level and the workspaces assigned to that source.
type Row struct {
	ObjectID             string    `json:"objectID"`
	FactorKey            string    `json:"factor_key"`
	Language             string    `json:"language"`
	Source               string    `json:"source"`
	AccessLevel          string    `json:"access_level"`
	IsGlobal             bool      `json:"is_global"`
	AssignedWorkspaceIDs []string  `json:"assigned_workspace_ids"`
	WorkspaceID          string    `json:"workspace_id,omitempty"`
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	Value                Number    `json:"value"`
	Unit                 string    `json:"unit"`
	Sector               string    `json:"sector,omitempty"`
	Subsector            string    `json:"subsector,omitempty"`
	Location             string    `json:"location"`
	Year                 int       `json:"year"`
	Uncertainty          string    `json:"uncertainty,omitempty"`
	Scope                string    `json:"scope"`
	Contributor          string    `json:"contributor,omitempty"`
	Comments             string    `json:"comments,omitempty"`
	NameEN               string    `json:"name_en,omitempty"`
	DescriptionEN        string    `json:"description_en,omitempty"`
	SectorEN             string    `json:"sector_en,omitempty"`
	ScopeEN              string    `json:"scope_en,omitempty"`
	LocationEN           string    `json:"location_en,omitempty"`
	UnitEN               string    `json:"unit_en,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Number is an exact decimal that encodes as a bare JSON number, so search
// backends can filter and sort on it.
type Number struct {
	decimal.Decimal
}

// NewNumber parses a decimal string.
func NewNumber(s string) (Number, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Number{}, eris.Wrapf(err, "projection: parse value %q", s)
	}
	return Number{d}, nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.Decimal.String()), nil
}

func (n *Number) UnmarshalJSON(b []byte) error {
	return n.Decimal.UnmarshalJSON(b)
}

const selectColumns = `object_id::text, factor_key, language, source, access_level, is_global,
	assigned_workspace_ids::text[], COALESCE(workspace_id::text, ''), name, COALESCE(description, ''),
	value::text, unit, COALESCE(sector, ''), COALESCE(subsector, ''), location, year,
	COALESCE(uncertainty, ''), scope, COALESCE(contributor, ''), COALESCE(comments, ''),
	COALESCE(name_en, ''), COALESCE(description_en, ''), COALESCE(sector_en, ''),
	COALESCE(scope_en, ''), COALESCE(location_en, ''), COALESCE(unit_en, ''), updated_at`

// Store reads and refreshes the projection.
type Store struct {
	pool db.Pool
}

// NewStore creates a projection Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Refresh recomputes the projection rows of one source and returns how many
// rows it now holds. Safe to call redundantly.
func (s *Store) Refresh(ctx context.Context, source string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT refresh_ef_all_for_source($1)", source).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "projection: refresh %s", source)
	}
	return n, nil
}

// RebuildAll recomputes the projection of every source.
func (s *Store) RebuildAll(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT rebuild_emission_factors_all_search()").Scan(&n); err != nil {
		return 0, eris.Wrap(err, "projection: rebuild all")
	}
	return n, nil
}

// Filter selects a keyset page of projection rows. Zero values mean "any".
type Filter struct {
	Source       string
	UpdatedSince time.Time
	AfterID      string
	Limit        int
}

// Page returns up to f.Limit rows ordered by object id, starting after
// f.AfterID.
func (s *Store) Page(ctx context.Context, f Filter) ([]Row, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.Source != "" {
		add("source = ?", f.Source)
	}
	if !f.UpdatedSince.IsZero() {
		add("updated_at >= ?", f.UpdatedSince)
	}
	if f.AfterID != "" {
		add("object_id > ?::uuid", f.AfterID)
	}

	query := "SELECT " + selectColumns + " FROM emission_factors_all_search"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY object_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "projection: query page")
	}
	return scanRows(rows)
}

// Each pages through rows matching f (f.AfterID and f.Limit are managed
// here, with pageSize rows per page) and calls fn per page.
func (s *Store) Each(ctx context.Context, f Filter, pageSize int, fn func([]Row) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	f.Limit = pageSize
	f.AfterID = ""
	for {
		page, err := s.Page(ctx, f)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		f.AfterID = page[len(page)-1].ObjectID
	}
}

// BySource returns every projection row of a source.
func (s *Store) BySource(ctx context.Context, source string) ([]Row, error) {
	return s.Page(ctx, Filter{Source: source})
}

// ByObjectIDs returns the rows of source with the given object ids. Ids
// with no latest projection row, or filed under another source, are absent
// from the result.
func (s *Store) ByObjectIDs(ctx context.Context, source string, ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+selectColumns+" FROM emission_factors_all_search WHERE source = $1 AND object_id = ANY($2::uuid[]) ORDER BY object_id",
		source, ids,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "projection: query %s by ids", source)
	}
	return scanRows(rows)
}

// CountBySource returns the projection row count of a source.
func (s *Store) CountBySource(ctx context.Context, source string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM emission_factors_all_search WHERE source = $1", source).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "projection: count %s", source)
	}
	return n, nil
}

// Sources lists the distinct sources present in the projection.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT source FROM emission_factors_all_search ORDER BY source")
	if err != nil {
		return nil, eris.Wrap(err, "projection: list sources")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, eris.Wrap(err, "projection: scan source")
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r     Row
			value string
		)
		if err := rows.Scan(
			&r.ObjectID, &r.FactorKey, &r.Language, &r.Source, &r.AccessLevel, &r.IsGlobal,
			&r.AssignedWorkspaceIDs, &r.WorkspaceID, &r.Name, &r.Description,
			&value, &r.Unit, &r.Sector, &r.Subsector, &r.Location, &r.Year,
			&r.Uncertainty, &r.Scope, &r.Contributor, &r.Comments,
			&r.NameEN, &r.DescriptionEN, &r.SectorEN,
			&r.ScopeEN, &r.LocationEN, &r.UnitEN, &r.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "projection: scan row")
		}
		v, err := NewNumber(value)
		if err != nil {
			return nil, err
		}
		r.Value = v
		if r.AssignedWorkspaceIDs == nil {
			r.AssignedWorkspaceIDs = []string{}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "projection: iterate rows")
	}
	return out, nil
}
