package importjob

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ef-pipeline/internal/db"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = eris.New("importjob: job not found")

// DefaultChunkLockTTL is how long a claimed chunk stays locked before
// another worker may reclaim it.
const DefaultChunkLockTTL = 10 * time.Minute

const jobColumns = `id::text, file_path, language, replace_all, mode, job_kind,
	COALESCE(dataset_name, ''), COALESCE(workspace_id::text, ''), status,
	total_lines, current_line, total_chunks, processed_chunks, processed, inserted, failed,
	progress_percent::float8, error_details, error_samples,
	created_at, started_at, finished_at, last_checkpoint`

// Store persists import jobs and chunks. Every mutation is scoped by job id
// (and chunk number) and conditional on the prior status, so concurrent
// workers never need a global lock.
type Store struct {
	pool       db.Pool
	maxSamples int
	lockTTL    time.Duration
}

// NewStore creates a Store. maxSamples caps the error samples kept per job.
func NewStore(pool db.Pool, maxSamples int) *Store {
	if maxSamples <= 0 {
		maxSamples = 10
	}
	return &Store{pool: pool, maxSamples: maxSamples, lockTTL: DefaultChunkLockTTL}
}

// Create inserts a queued job.
func (s *Store) Create(ctx context.Context, nj NewJob) (*Job, error) {
	if err := nj.Normalize(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO import_jobs (id, file_path, language, replace_all, mode, job_kind, dataset_name, workspace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, '')::uuid)
		 RETURNING `+jobColumns,
		uuid.NewString(), nj.FilePath, nj.Language, nj.ReplaceAll, string(nj.Mode), string(nj.Kind),
		nj.DatasetName, nj.WorkspaceID,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrap(err, "importjob: create job")
	}
	return job, nil
}

// Get returns a job, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM import_jobs WHERE id = $1::uuid", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: get job %s", id)
	}
	return job, nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	query := "SELECT " + jobColumns + " FROM import_jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += " LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "importjob: list jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "importjob: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT status, count(*) FROM import_jobs GROUP BY status")
	if err != nil {
		return nil, eris.Wrap(err, "importjob: count by status")
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "importjob: scan status count")
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// StatusCounts is CountByStatus keyed by plain strings, for the status
// collector.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	return out, nil
}

// Claim moves a queued job to processing. It returns nil when the job was
// not queued (another worker won the race, or the job is already running).
func (s *Store) Claim(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE import_jobs SET status = 'processing', started_at = COALESCE(started_at, now())
		 WHERE id = $1::uuid AND status = 'queued'
		 RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: claim job %s", id)
	}
	return job, nil
}

// NextRunnable returns the oldest queued or processing job, or nil.
func (s *Store) NextRunnable(ctx context.Context) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		"SELECT "+jobColumns+` FROM import_jobs
		 WHERE status IN ('queued', 'processing')
		 ORDER BY created_at LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "importjob: next runnable job")
	}
	return job, nil
}

// MarkChunked records the chunk and line totals once chunking finished.
func (s *Store) MarkChunked(ctx context.Context, id string, totalChunks, totalLines int) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE import_jobs
		 SET total_chunks = $2, total_lines = $3, status = 'processing',
		     started_at = COALESCE(started_at, now()), last_checkpoint = now()
		 WHERE id = $1::uuid AND status IN ('queued', 'processing')
		 RETURNING `+jobColumns, id, totalChunks, totalLines))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: mark job %s chunked", id)
	}
	return job, nil
}

// SetTotalLines records the data line count of an incremental job.
func (s *Store) SetTotalLines(ctx context.Context, id string, totalLines int) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE import_jobs SET total_lines = $2 WHERE id = $1::uuid AND status = 'processing'",
		id, totalLines)
	return eris.Wrapf(err, "importjob: set total lines of %s", id)
}

// SaveCheckpoint advances the cursor of an incremental job and adds the
// step's counters. It returns false when the cursor no longer matches
// cp.PrevLine, meaning another worker already advanced it.
func (s *Store) SaveCheckpoint(ctx context.Context, id string, cp Checkpoint) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs SET
		   current_line = $3,
		   processed = processed + $4,
		   inserted = inserted + $5,
		   failed = failed + $6,
		   error_samples = `+mergeSamplesSQL("$7", "$8")+`,
		   progress_percent = GREATEST(progress_percent,
		     CASE WHEN total_lines > 0 THEN LEAST(100, round($3::numeric * 100 / total_lines, 2)) ELSE 0 END),
		   last_checkpoint = now()
		 WHERE id = $1::uuid AND status = 'processing' AND current_line = $2`,
		id, cp.PrevLine, cp.CurrentLine, cp.Processed, cp.Inserted, cp.Failed,
		marshalSamples(cp.ErrorSamples), s.maxSamples,
	)
	if err != nil {
		return false, eris.Wrapf(err, "importjob: checkpoint job %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

// AddProgress adds a processed chunk's counters to its job. Counters are
// only ever incremented; progress never decreases.
func (s *Store) AddProgress(ctx context.Context, id string, p Progress) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE import_jobs SET
		   processed_chunks = processed_chunks + $2,
		   processed = processed + $3,
		   inserted = inserted + $4,
		   failed = failed + $5,
		   error_samples = `+mergeSamplesSQL("$6", "$7")+`,
		   progress_percent = GREATEST(progress_percent,
		     CASE WHEN total_chunks > 0
		          THEN LEAST(100, round((processed_chunks + $2)::numeric * 100 / total_chunks, 2))
		          ELSE 0 END),
		   last_checkpoint = now()
		 WHERE id = $1::uuid
		 RETURNING `+jobColumns,
		id, p.Chunks, p.Processed, p.Inserted, p.Failed, marshalSamples(p.ErrorSamples), s.maxSamples,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: add progress to %s", id)
	}
	return job, nil
}

// Complete marks a processing job completed. It returns false when the job
// was not processing, so completion side effects run exactly once.
func (s *Store) Complete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs
		 SET status = 'completed', progress_percent = 100, finished_at = now(), last_checkpoint = now()
		 WHERE id = $1::uuid AND status = 'processing'`, id)
	if err != nil {
		return false, eris.Wrapf(err, "importjob: complete job %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

// Fail marks a job failed with structured details. Failed is terminal; a
// job that already finished is left untouched and false is returned.
func (s *Store) Fail(ctx context.Context, id string, details ErrorDetails) (bool, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return false, eris.Wrap(err, "importjob: marshal error details")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs
		 SET status = 'failed', error_details = $2::jsonb, finished_at = now()
		 WHERE id = $1::uuid AND status IN ('queued', 'processing')`, id, string(raw))
	if err != nil {
		return false, eris.Wrapf(err, "importjob: fail job %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

// JobSources lists the sources a job wrote factors for.
func (s *Store) JobSources(ctx context.Context, id string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT source FROM emission_factors WHERE import_job_id = $1::uuid ORDER BY source", id)
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: sources of %s", id)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, eris.Wrap(err, "importjob: scan source")
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// LinesPerChunk reads the chunk size from import_settings, falling back to
// def when the setting is missing or invalid.
func (s *Store) LinesPerChunk(ctx context.Context, def int) (int, error) {
	var raw string
	err := s.pool.QueryRow(ctx, "SELECT value FROM import_settings WHERE key = 'lines_per_chunk'").Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "importjob: read lines_per_chunk")
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(raw))
	if convErr != nil || n <= 0 {
		return def, nil
	}
	return n, nil
}

// InsertChunks persists chunks with COPY. Chunks are write-once.
func (s *Store) InsertChunks(ctx context.Context, jobID string, chunks []NewChunk) (int64, error) {
	rows := make([][]any, 0, len(chunks))
	for _, c := range chunks {
		data, err := json.Marshal(c.Rows)
		if err != nil {
			return 0, eris.Wrapf(err, "importjob: marshal chunk %d", c.Number)
		}
		rows = append(rows, []any{jobID, c.Number, string(data), len(c.Rows)})
	}
	n, err := db.CopyFrom(ctx, s.pool, "import_chunks",
		[]string{"job_id", "chunk_number", "data", "records_count"}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "importjob: insert chunks of %s", jobID)
	}
	return n, nil
}

// NextChunkNumber returns max(chunk_number)+1, or 0 for a job with no chunks.
func (s *Store) NextChunkNumber(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(chunk_number) + 1, 0) FROM import_chunks WHERE job_id = $1::uuid", jobID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "importjob: next chunk number of %s", jobID)
	}
	return n, nil
}

// ClaimChunk locks an unprocessed chunk. It returns nil when the chunk is
// processed, missing, or locked by another worker.
func (s *Store) ClaimChunk(ctx context.Context, jobID string, number int) (*Chunk, error) {
	var (
		c    Chunk
		data []byte
	)
	err := s.pool.QueryRow(ctx,
		`UPDATE import_chunks SET locked_at = now()
		 WHERE job_id = $1::uuid AND chunk_number = $2 AND NOT processed
		   AND (locked_at IS NULL OR locked_at < now() - make_interval(secs => $3))
		 RETURNING id, job_id::text, chunk_number, data, records_count`,
		jobID, number, s.lockTTL.Seconds(),
	).Scan(&c.ID, &c.JobID, &c.Number, &data, &c.RecordsCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: claim chunk %d of %s", number, jobID)
	}
	if err := json.Unmarshal(data, &c.Rows); err != nil {
		return nil, eris.Wrapf(err, "importjob: decode chunk %d of %s", number, jobID)
	}
	return &c, nil
}

// MarkChunkProcessed flags a chunk done. It returns false when the chunk
// was already processed.
func (s *Store) MarkChunkProcessed(ctx context.Context, chunkID int64, inserted int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_chunks
		 SET processed = true, processed_at = now(), inserted_count = $2, error_message = NULL, locked_at = NULL
		 WHERE id = $1 AND NOT processed`, chunkID, inserted)
	if err != nil {
		return false, eris.Wrapf(err, "importjob: mark chunk %d processed", chunkID)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkChunkFailed stores the error on a chunk and releases its lock.
func (s *Store) MarkChunkFailed(ctx context.Context, chunkID int64, msg string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE import_chunks SET error_message = $2, locked_at = NULL WHERE id = $1", chunkID, msg)
	return eris.Wrapf(err, "importjob: mark chunk %d failed", chunkID)
}

// RefreshChunkProgress recomputes processed_chunks and inserted of a job
// from its chunks. Used to reconcile counters after a crash.
func (s *Store) RefreshChunkProgress(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE import_jobs j SET
		   processed_chunks = c.done_chunks,
		   inserted = GREATEST(j.inserted, c.done_inserted),
		   progress_percent = GREATEST(j.progress_percent,
		     CASE WHEN j.total_chunks > 0 THEN LEAST(100, round(c.done_chunks::numeric * 100 / j.total_chunks, 2)) ELSE 0 END)
		 FROM (
		   SELECT count(*) FILTER (WHERE processed) AS done_chunks,
		          COALESCE(sum(inserted_count) FILTER (WHERE processed), 0) AS done_inserted
		   FROM import_chunks WHERE job_id = $1::uuid
		 ) c
		 WHERE j.id = $1::uuid
		 RETURNING `+jobColumns, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: refresh chunk progress of %s", jobID)
	}
	return job, nil
}

// PendingChunks lists the numbers of unprocessed chunks that are not
// currently locked.
func (s *Store) PendingChunks(ctx context.Context, jobID string) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chunk_number FROM import_chunks
		 WHERE job_id = $1::uuid AND NOT processed
		   AND (locked_at IS NULL OR locked_at < now() - make_interval(secs => $2))
		 ORDER BY chunk_number`, jobID, s.lockTTL.Seconds())
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: pending chunks of %s", jobID)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrap(err, "importjob: scan chunk number")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// mergeSamplesSQL appends new samples to error_samples, keeping at most max.
func mergeSamplesSQL(newParam, maxParam string) string {
	return `(SELECT COALESCE(jsonb_agg(e), '[]'::jsonb) FROM (
		SELECT e FROM jsonb_array_elements(import_jobs.error_samples || ` + newParam + `::jsonb) e
		LIMIT ` + maxParam + `) capped)`
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j                      Job
		mode, kind, status     string
		detailsRaw, samplesRaw []byte
	)
	err := row.Scan(
		&j.ID, &j.FilePath, &j.Language, &j.ReplaceAll, &mode, &kind,
		&j.DatasetName, &j.WorkspaceID, &status,
		&j.TotalLines, &j.CurrentLine, &j.TotalChunks, &j.ProcessedChunks, &j.Processed, &j.Inserted, &j.Failed,
		&j.ProgressPercent, &detailsRaw, &samplesRaw,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.LastCheckpoint,
	)
	if err != nil {
		return nil, err
	}
	j.Mode, j.Kind, j.Status = Mode(mode), Kind(kind), Status(status)
	if len(detailsRaw) > 0 && string(detailsRaw) != "null" {
		var d ErrorDetails
		if err := json.Unmarshal(detailsRaw, &d); err != nil {
			return nil, eris.Wrap(err, "importjob: decode error_details")
		}
		j.ErrorDetails = &d
	}
	j.ErrorSamples = []string{}
	if len(samplesRaw) > 0 {
		if err := json.Unmarshal(samplesRaw, &j.ErrorSamples); err != nil {
			return nil, eris.Wrap(err, "importjob: decode error_samples")
		}
	}
	return &j, nil
}
