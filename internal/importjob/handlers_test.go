package importjob

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ef-pipeline/internal/handoff"
)

type creatorFunc func(context.Context, NewJob) (*Job, error)

func (f creatorFunc) Create(ctx context.Context, nj NewJob) (*Job, error) { return f(ctx, nj) }

// taskQueue hands out its tasks once and records outcomes.
type taskQueue struct {
	mu       sync.Mutex
	pending  []handoff.Task
	complete []string
	failed   []string
}

func (q *taskQueue) Enqueue(_ context.Context, tasks ...handoff.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, tasks...)
	return nil
}

func (q *taskQueue) Claim(_ context.Context, limit int) ([]handoff.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.pending) {
		limit = len(q.pending)
	}
	out := q.pending[:limit]
	q.pending = q.pending[limit:]
	return out, nil
}

func (q *taskQueue) Complete(_ context.Context, t handoff.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.complete = append(q.complete, string(t.Kind))
	return nil
}

func (q *taskQueue) Fail(_ context.Context, t handoff.Task, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, string(t.Kind))
	return nil
}

func TestFirstTask(t *testing.T) {
	task, err := FirstTask(&Job{ID: "j1", Mode: ModeUpfront})
	require.NoError(t, err)
	assert.Equal(t, handoff.KindCreateChunks, task.Kind)
	assert.Equal(t, "chunks:j1", task.DedupeKey)

	task, err = FirstTask(&Job{ID: "j2", Mode: ModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, handoff.KindIncrementalStep, task.Kind)
	assert.Equal(t, "step:j2:0", task.DedupeKey)
}

func TestSubmit(t *testing.T) {
	q := &fakeQueue{}
	create := creatorFunc(func(_ context.Context, nj NewJob) (*Job, error) {
		return &Job{ID: "j1", FilePath: nj.FilePath, Mode: ModeUpfront, Status: StatusQueued}, nil
	})

	job, err := Submit(context.Background(), create, q, NewJob{FilePath: "a.csv"})
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Len(t, q.byKind(handoff.KindCreateChunks), 1)
}

func TestSubmit_EnqueueFailureKeepsJob(t *testing.T) {
	q := &fakeQueue{err: errors.New("queue down")}
	create := creatorFunc(func(context.Context, NewJob) (*Job, error) {
		return &Job{ID: "j1", Mode: ModeIncremental}, nil
	})

	job, err := Submit(context.Background(), create, q, NewJob{FilePath: "a.csv"})
	require.Error(t, err)
	require.NotNil(t, job)
	assert.Contains(t, err.Error(), "enqueue first stage of j1")
}

func TestSubmit_CreateError(t *testing.T) {
	create := creatorFunc(func(context.Context, NewJob) (*Job, error) { return nil, errors.New("bad input") })
	job, err := Submit(context.Background(), create, &fakeQueue{}, NewJob{})
	require.Error(t, err)
	assert.Nil(t, job)
}

func TestRegisterHandlers_DrivesUpfrontJob(t *testing.T) {
	h := newHarness()
	h.files["a.csv"] = csvFile(4)
	h.store.add(Job{ID: "job-1", FilePath: "a.csv"})

	q := &taskQueue{}
	h.deps.Queue = q
	settings := Settings{LinesPerChunk: 2}
	d := handoff.NewDispatcher(q, handoff.DispatcherConfig{BatchSize: 10, Concurrency: 1})
	RegisterHandlers(d, NewChunker(h.deps, settings), NewProcessor(h.deps, settings), NewStepper(h.deps, settings))

	d.Handle(handoff.KindSyncSources, func(context.Context, handoff.Task) error { return nil })

	job := h.store.job("job-1")
	first, err := FirstTask(&job)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), first))

	for i := 0; i < 5; i++ {
		if _, err := d.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	assert.Empty(t, q.failed)
	assert.Equal(t, StatusCompleted, h.store.job("job-1").Status)
	assert.Contains(t, q.complete, string(handoff.KindProcessChunk))
}
