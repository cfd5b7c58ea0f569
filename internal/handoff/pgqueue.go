package handoff

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/db"
	"github.com/sells-group/ef-pipeline/internal/monitoring"
)

// Task statuses in pipeline_tasks.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusDead       = "dead"
)

// PGQueue is the Postgres-backed task queue. Workers in any number of
// processes claim from it with FOR UPDATE SKIP LOCKED.
type PGQueue struct {
	pool        db.Pool
	maxAttempts int
	log         *zap.Logger
}

// NewPGQueue creates a PGQueue. maxAttempts <= 0 means 5.
func NewPGQueue(pool db.Pool, maxAttempts int) *PGQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PGQueue{
		pool:        pool,
		maxAttempts: maxAttempts,
		log:         zap.L().With(zap.String("component", "handoff.pg")),
	}
}

// Enqueue inserts tasks in one transaction. A task whose dedupe key is
// already pending or processing is skipped.
func (q *PGQueue) Enqueue(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "handoff: begin enqueue")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, t := range tasks {
		tag, err := tx.Exec(ctx, `
			INSERT INTO pipeline_tasks (id, kind, payload, dedupe_key)
			VALUES ($1, $2, $3, NULLIF($4, ''))
			ON CONFLICT (dedupe_key) WHERE status IN ('pending', 'processing') DO NOTHING`,
			t.ID, string(t.Kind), []byte(t.Payload), t.DedupeKey,
		)
		if err != nil {
			return eris.Wrapf(err, "handoff: enqueue %s", t.Kind)
		}
		if tag.RowsAffected() == 0 {
			q.log.Debug("duplicate task skipped",
				zap.String("kind", string(t.Kind)), zap.String("dedupe_key", t.DedupeKey))
		}
	}
	return eris.Wrap(tx.Commit(ctx), "handoff: commit enqueue")
}

// Claim marks up to limit due tasks as processing and returns them.
func (q *PGQueue) Claim(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := q.pool.Query(ctx, `
		UPDATE pipeline_tasks
		SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM pipeline_tasks
			WHERE status = 'pending' AND run_after <= now()
			ORDER BY run_after, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING id::text, kind, payload, COALESCE(dedupe_key, ''), attempts`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "handoff: claim")
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t       Task
			kind    string
			payload []byte
		)
		if err := rows.Scan(&t.ID, &kind, &payload, &t.DedupeKey, &t.Attempts); err != nil {
			return nil, eris.Wrap(err, "handoff: scan claimed task")
		}
		t.Kind = Kind(kind)
		t.Payload = payload
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "handoff: iterate claimed tasks")
}

// Complete marks a task done.
func (q *PGQueue) Complete(ctx context.Context, t Task) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE pipeline_tasks SET status = 'complete', last_error = NULL, updated_at = now()
		WHERE id = $1`, t.ID)
	return eris.Wrapf(err, "handoff: complete %s", t.ID)
}

// Fail puts the task back with a backoff, or marks it dead once it has been
// attempted maxAttempts times.
func (q *PGQueue) Fail(ctx context.Context, t Task, cause error) error {
	status := StatusPending
	delay := RetryDelay(t.Attempts)
	if t.Attempts >= q.maxAttempts {
		status = StatusDead
		delay = 0
		q.log.Error("task dead after max attempts",
			zap.String("task_id", t.ID), zap.String("kind", string(t.Kind)),
			zap.Int("attempts", t.Attempts), zap.Error(cause))
	}

	_, err := q.pool.Exec(ctx, `
		UPDATE pipeline_tasks
		SET status = $2, last_error = $3,
		    run_after = now() + $4 * interval '1 second', updated_at = now()
		WHERE id = $1`,
		t.ID, status, errMessage(cause), delay.Seconds(),
	)
	return eris.Wrapf(err, "handoff: fail %s", t.ID)
}

// Depth counts pending tasks by kind and publishes the queue depth gauge.
func (q *PGQueue) Depth(ctx context.Context) (map[Kind]int, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT kind, count(*) FROM pipeline_tasks
		WHERE status = 'pending'
		GROUP BY kind`)
	if err != nil {
		return nil, eris.Wrap(err, "handoff: depth")
	}
	defer rows.Close()

	depth := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		depth[k] = 0
	}
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, eris.Wrap(err, "handoff: scan depth")
		}
		depth[Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "handoff: iterate depth")
	}

	for k, n := range depth {
		monitoring.QueueDepth.WithLabelValues(string(k)).Set(float64(n))
	}
	return depth, nil
}

// DepthByKind is Depth keyed by plain strings, for the status collector.
func (q *PGQueue) DepthByKind(ctx context.Context) (map[string]int, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(depth))
	for k, n := range depth {
		out[string(k)] = n
	}
	return out, nil
}

// RecoverStale returns tasks stuck in processing for longer than olderThan
// to pending. A worker that died mid-task leaves them there.
func (q *PGQueue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE pipeline_tasks SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < now() - $1 * interval '1 second'`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "handoff: recover stale")
	}
	if n := tag.RowsAffected(); n > 0 {
		q.log.Warn("stale tasks returned to pending", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}
