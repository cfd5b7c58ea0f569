package importjob

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ef-pipeline/internal/handoff"
)

// Creator persists new jobs. *Store implements it.
type Creator interface {
	Create(ctx context.Context, nj NewJob) (*Job, error)
}

// FirstTask returns the task that starts a freshly created job.
func FirstTask(job *Job) (handoff.Task, error) {
	if job.Mode == ModeIncremental {
		return handoff.NewTask(handoff.KindIncrementalStep, handoff.JobPayload{JobID: job.ID}, "step:"+job.ID+":0")
	}
	return handoff.NewTask(handoff.KindCreateChunks, handoff.JobPayload{JobID: job.ID}, "chunks:"+job.ID)
}

// Submit creates a queued job and enqueues its first stage. When the
// enqueue fails the job is still returned: it stays queued and the worker
// schedule picks it up.
func Submit(ctx context.Context, jobs Creator, q handoff.Enqueuer, nj NewJob) (*Job, error) {
	job, err := jobs.Create(ctx, nj)
	if err != nil {
		return nil, err
	}
	task, err := FirstTask(job)
	if err != nil {
		return job, err
	}
	if err := q.Enqueue(ctx, task); err != nil {
		return job, eris.Wrapf(err, "importjob: enqueue first stage of %s", job.ID)
	}
	return job, nil
}

// RegisterHandlers routes the import task kinds to their stages.
func RegisterHandlers(d *handoff.Dispatcher, c *Chunker, p *Processor, s *Stepper) {
	d.Handle(handoff.KindCreateChunks, func(ctx context.Context, t handoff.Task) error {
		var pl handoff.JobPayload
		if err := t.Decode(&pl); err != nil {
			return err
		}
		_, err := c.CreateChunks(ctx, pl.JobID)
		return err
	})
	d.Handle(handoff.KindProcessChunk, func(ctx context.Context, t handoff.Task) error {
		var pl handoff.ChunkPayload
		if err := t.Decode(&pl); err != nil {
			return err
		}
		_, err := p.ProcessChunk(ctx, pl.JobID, pl.ChunkNumber)
		return err
	})
	d.Handle(handoff.KindIncrementalStep, func(ctx context.Context, t handoff.Task) error {
		var pl handoff.JobPayload
		if err := t.Decode(&pl); err != nil {
			return err
		}
		_, err := s.Step(ctx, pl.JobID)
		return err
	})
}
