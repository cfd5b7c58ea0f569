package importjob

import (
	"context"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/csvsource"
	"github.com/sells-group/ef-pipeline/internal/handoff"
)

// StepResult summarizes one incremental step.
type StepResult struct {
	JobID      string `json:"job_id"`
	Skipped    bool   `json:"skipped,omitempty"`
	FromLine   int    `json:"from_line"`
	ToLine     int    `json:"to_line"`
	TotalLines int    `json:"total_lines"`
	Processed  int    `json:"processed"`
	Inserted   int    `json:"inserted"`
	Failed     int    `json:"failed"`
	Done       bool   `json:"done"`
}

// Stepper advances an incremental job by a bounded number of lines per call.
// current_line counts the data lines already consumed, so resuming from a
// persisted cursor neither repeats nor skips a line.
type Stepper struct {
	stage
}

// NewStepper creates a Stepper.
func NewStepper(d Deps, cfg Settings) *Stepper {
	return &Stepper{stage: newStage(d, cfg, "stepper")}
}

// Step processes up to LinesPerStep lines from the job's cursor. It
// completes the job at end of file, otherwise it enqueues the next step.
func (s *Stepper) Step(ctx context.Context, jobID string) (*StepResult, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &StepResult{JobID: jobID, Skipped: true}, nil
	}
	log := s.log.With(zap.String("job_id", jobID))

	if job.CurrentLine == 0 {
		total, err := s.countLines(ctx, job)
		if err != nil {
			return nil, s.fail(ctx, jobID, ErrKindParse, "count lines failed", err)
		}
		if err := s.Store.SetTotalLines(ctx, jobID, total); err != nil {
			return nil, s.fail(ctx, jobID, ErrKindStorage, "record total lines failed", err)
		}
		job.TotalLines = total

		if job.ReplaceAll {
			n, err := s.Writer.RetireLanguage(ctx, job.Language)
			if err != nil {
				return nil, s.fail(ctx, jobID, ErrKindStorage, "retire previous versions failed", err)
			}
			log.Info("retired latest versions", zap.String("language", job.Language), zap.Int64("rows", n))
		}
	}

	f, err := s.open(ctx, job)
	if err != nil {
		return nil, s.fail(ctx, jobID, ErrKindParse, "open file failed", err)
	}
	defer f.Close() //nolint:errcheck

	if err := checkHeader(job, f.rd.Header()); err != nil {
		return nil, s.fail(ctx, jobID, ErrKindValidation, "invalid header", err)
	}
	if _, err := f.rd.Skip(job.CurrentLine); err != nil {
		return nil, s.fail(ctx, jobID, ErrKindParse, "seek to cursor failed", err)
	}

	res := &StepResult{JobID: jobID, FromLine: job.CurrentLine, TotalLines: job.TotalLines}
	samples := csvsource.NewErrorSamples(s.cfg.MaxErrorSamples)

	var (
		rows     []ChunkRow
		consumed int
		eof      bool
	)
	for consumed < s.cfg.LinesPerStep {
		row, err := f.rd.Next()
		if err == io.EOF {
			eof = true
			break
		}
		if err != nil {
			return nil, s.fail(ctx, jobID, ErrKindParse, "read file failed", err)
		}
		consumed++
		if row.Err != nil {
			res.Failed++
			samples.Add("%s", row.Err.Error())
			continue
		}
		rows = append(rows, ChunkRow{Line: row.Line, Fields: row.Fields})
	}

	recs, rejected := s.validateRows(job, rows, samples)
	res.Failed += rejected
	res.Processed = len(recs)
	res.Inserted, err = s.write(ctx, recs)
	if err != nil {
		return nil, s.fail(ctx, jobID, ErrKindStorage, fmt.Sprintf("write lines %d-%d failed", res.FromLine+1, res.FromLine+consumed), err)
	}

	res.ToLine = job.CurrentLine + consumed
	res.Done = eof || res.ToLine >= job.TotalLines

	saved, err := s.Store.SaveCheckpoint(ctx, jobID, Checkpoint{
		PrevLine:     job.CurrentLine,
		CurrentLine:  res.ToLine,
		Processed:    res.Processed,
		Inserted:     res.Inserted,
		Failed:       res.Failed,
		ErrorSamples: samples.Items(),
	})
	if err != nil {
		return nil, s.fail(ctx, jobID, ErrKindStorage, "save checkpoint failed", err)
	}
	if !saved {
		log.Warn("cursor moved by another worker, step discarded", zap.Int("from_line", res.FromLine))
		res.Skipped = true
		return res, nil
	}
	log.Info("step processed",
		zap.Int("from_line", res.FromLine),
		zap.Int("to_line", res.ToLine),
		zap.Int("total_lines", res.TotalLines),
		zap.Int("inserted", res.Inserted),
		zap.Int("failed", res.Failed),
	)

	if res.Done {
		return res, s.finish(ctx, job)
	}

	task, err := handoff.NewTask(handoff.KindIncrementalStep,
		handoff.JobPayload{JobID: jobID}, fmt.Sprintf("step:%s:%d", jobID, res.ToLine))
	if err == nil {
		err = s.Queue.Enqueue(ctx, task)
	}
	if err != nil {
		return nil, s.fail(ctx, jobID, ErrKindStorage, "enqueue next step failed", err)
	}
	return res, nil
}

// countLines returns the number of data lines (non-blank lines minus the
// header) of the job's file.
func (s *Stepper) countLines(ctx context.Context, job *Job) (int, error) {
	f, err := s.open(ctx, job)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck
	return f.rd.Skip(math.MaxInt)
}
