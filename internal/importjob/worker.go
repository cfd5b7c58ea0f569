package importjob

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/handoff"
)

// Worker actions reported by RunOnce.
const (
	ActionIdle          = "idle"
	ActionStep          = "step"
	ActionQueueChunking = "queue_chunking"
	ActionRequeue       = "requeue_chunks"
	ActionFinish        = "finish"
	ActionWaiting       = "waiting"
)

// RunResult summarizes a worker pass.
type RunResult struct {
	JobID  string      `json:"job_id,omitempty"`
	Action string      `json:"action"`
	Step   *StepResult `json:"step,omitempty"`
	Chunks []int       `json:"chunks,omitempty"`
}

// Worker advances the oldest unfinished job. It is what the cron schedule
// and the "force worker run" trigger call.
type Worker struct {
	stage
	stepper *Stepper
}

// NewWorker creates a Worker.
func NewWorker(d Deps, cfg Settings) *Worker {
	return &Worker{stage: newStage(d, cfg, "worker"), stepper: NewStepper(d, cfg)}
}

// RunOnce picks the oldest queued or processing job and moves it forward:
// incremental jobs get one step, upfront jobs get their chunking or any
// stalled chunks re-enqueued.
func (w *Worker) RunOnce(ctx context.Context) (*RunResult, error) {
	job, err := w.Store.NextRunnable(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &RunResult{Action: ActionIdle}, nil
	}
	log := w.log.With(zap.String("job_id", job.ID), zap.String("mode", string(job.Mode)))

	if job.Mode == ModeIncremental {
		step, err := w.stepper.Step(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		return &RunResult{JobID: job.ID, Action: ActionStep, Step: step}, nil
	}

	if job.Status == StatusQueued || job.TotalChunks == 0 {
		task, err := handoff.NewTask(handoff.KindCreateChunks, handoff.JobPayload{JobID: job.ID}, "chunks:"+job.ID)
		if err != nil {
			return nil, err
		}
		if err := w.Queue.Enqueue(ctx, task); err != nil {
			return nil, err
		}
		log.Info("chunking enqueued")
		return &RunResult{JobID: job.ID, Action: ActionQueueChunking}, nil
	}

	job, err = w.Store.RefreshChunkProgress(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &RunResult{Action: ActionIdle}, nil
	}
	if job.ProcessedChunks >= job.TotalChunks {
		if err := w.finish(ctx, job); err != nil {
			return nil, err
		}
		return &RunResult{JobID: job.ID, Action: ActionFinish}, nil
	}

	pending, err := w.Store.PendingChunks(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &RunResult{JobID: job.ID, Action: ActionWaiting}, nil
	}
	tasks := make([]handoff.Task, 0, len(pending))
	for _, n := range pending {
		t, err := handoff.NewTask(handoff.KindProcessChunk,
			handoff.ChunkPayload{JobID: job.ID, ChunkNumber: n}, fmt.Sprintf("chunk:%s:%d", job.ID, n))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := w.Queue.Enqueue(ctx, tasks...); err != nil {
		return nil, err
	}
	log.Info("pending chunks re-enqueued", zap.Int("count", len(tasks)))
	return &RunResult{JobID: job.ID, Action: ActionRequeue, Chunks: pending}, nil
}
