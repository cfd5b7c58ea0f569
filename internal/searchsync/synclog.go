package searchsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ef-pipeline/internal/db"
)

// LogEntry is one row of sync_log.
type LogEntry struct {
	ID           int64          `json:"id"`
	Source       string         `json:"source"`
	Mode         string         `json:"mode"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	RowsSynced   int            `json:"rows_synced"`
	FailedChunks int            `json:"failed_chunks"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SyncLog records one entry per source sync.
type SyncLog struct {
	pool db.Pool
}

// NewSyncLog creates a SyncLog.
func NewSyncLog(pool db.Pool) *SyncLog {
	return &SyncLog{pool: pool}
}

// Start records the beginning of a sync and returns its id.
func (s *SyncLog) Start(ctx context.Context, source string, mode Mode) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sync_log (source, mode, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id`,
		source, string(mode),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "synclog: start %s", source)
	}
	return id, nil
}

// Complete closes an entry. A sync with failed chunks is 'partial'.
func (s *SyncLog) Complete(ctx context.Context, id int64, res Result) error {
	status := "complete"
	if res.FailedChunks > 0 {
		status = "partial"
	}
	meta, err := json.Marshal(map[string]any{
		"deleted":     res.Deleted,
		"duration_ms": res.Duration.Milliseconds(),
	})
	if err != nil {
		return eris.Wrap(err, "synclog: marshal metadata")
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE sync_log
		 SET status = $1, completed_at = now(), rows_synced = $2, failed_chunks = $3, metadata = $4
		 WHERE id = $5`,
		status, res.Upserted, res.FailedChunks, meta, id,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: complete %d", id)
	}
	return nil
}

// Fail marks an entry failed.
func (s *SyncLog) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: fail %d", id)
	}
	return nil
}

// LastSuccess returns when a source last synced without failed chunks, or
// nil when it never did.
func (s *SyncLog) LastSuccess(ctx context.Context, source string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM sync_log
		 WHERE source = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		source,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "synclog: last success for %s", source)
	}
	return &t, nil
}

// ListRecent returns the newest entries first. An empty source lists all.
func (s *SyncLog) ListRecent(ctx context.Context, source string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, mode, status, started_at, completed_at, rows_synced, failed_chunks, error, metadata
		 FROM sync_log
		 WHERE ($1 = '' OR source = $1)
		 ORDER BY started_at DESC
		 LIMIT $2`,
		source, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: list recent")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e        LogEntry
			errStr   *string
			metaJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Mode, &e.Status, &e.StartedAt, &e.CompletedAt,
			&e.RowsSynced, &e.FailedChunks, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "synclog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OutcomeCounts counts sync runs started since the given time, by status.
func (s *SyncLog) OutcomeCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM sync_log WHERE started_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: outcome counts")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "synclog: scan outcome count")
		}
		out[status] = n
	}
	return out, eris.Wrap(rows.Err(), "synclog: iterate outcome counts")
}
