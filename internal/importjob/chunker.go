package importjob

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/csvsource"
	"github.com/sells-group/ef-pipeline/internal/handoff"
)

// ChunkResult summarizes a CreateChunks call.
type ChunkResult struct {
	JobID       string `json:"job_id"`
	Skipped     bool   `json:"skipped,omitempty"`
	FirstChunk  int    `json:"first_chunk"`
	Chunks      int    `json:"chunks_created"`
	TotalChunks int    `json:"total_chunks"`
	TotalLines  int    `json:"total_lines"`
	Dropped     int    `json:"dropped_lines"`
}

// Chunker splits an upfront job's file into fixed-size persisted chunks and
// enqueues one process_chunk task per chunk.
type Chunker struct {
	stage
}

// NewChunker creates a Chunker.
func NewChunker(d Deps, cfg Settings) *Chunker {
	return &Chunker{stage: newStage(d, cfg, "chunker")}
}

// CreateChunks streams the job's file into chunks. Chunk numbers are gapless
// from 0; a rerun after a crash resumes at max(chunk_number)+1 and skips the
// rows already chunked. Lines whose field count differs from the header are
// dropped and counted as failed.
func (c *Chunker) CreateChunks(ctx context.Context, jobID string) (*ChunkResult, error) {
	job, err := c.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.TotalChunks > 0 {
		return &ChunkResult{JobID: jobID, Skipped: true}, nil
	}
	log := c.log.With(zap.String("job_id", jobID))

	size, err := c.Store.LinesPerChunk(ctx, c.cfg.LinesPerChunk)
	if err != nil {
		return nil, c.fail(ctx, jobID, ErrKindStorage, "read chunk size failed", err)
	}
	next, err := c.Store.NextChunkNumber(ctx, jobID)
	if err != nil {
		return nil, c.fail(ctx, jobID, ErrKindStorage, "read chunk cursor failed", err)
	}

	f, err := c.open(ctx, job)
	if err != nil {
		return nil, c.fail(ctx, jobID, ErrKindParse, "open file failed", err)
	}
	defer f.Close() //nolint:errcheck

	if err := checkHeader(job, f.rd.Header()); err != nil {
		return nil, c.fail(ctx, jobID, ErrKindValidation, "invalid header", err)
	}

	if job.ReplaceAll && next == 0 {
		n, err := c.Writer.RetireLanguage(ctx, job.Language)
		if err != nil {
			return nil, c.fail(ctx, jobID, ErrKindStorage, "retire previous versions failed", err)
		}
		log.Info("retired latest versions", zap.String("language", job.Language), zap.Int64("rows", n))
	}

	res := &ChunkResult{JobID: jobID, FirstChunk: next}
	skip := next * size
	samples := csvsource.NewErrorSamples(c.cfg.MaxErrorSamples)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rows, errs := csvsource.StreamRows(streamCtx, f.rd)

	var (
		number  = next
		valid   int
		current []ChunkRow
		pending []NewChunk
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := c.Store.InsertChunks(ctx, jobID, pending); err != nil {
			return err
		}
		tasks := make([]handoff.Task, 0, len(pending))
		for _, ch := range pending {
			t, err := handoff.NewTask(handoff.KindProcessChunk,
				handoff.ChunkPayload{JobID: jobID, ChunkNumber: ch.Number},
				fmt.Sprintf("chunk:%s:%d", jobID, ch.Number))
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		if err := c.Queue.Enqueue(ctx, tasks...); err != nil {
			return err
		}
		res.Chunks += len(pending)
		pending = pending[:0]
		return nil
	}

	for row := range rows {
		res.TotalLines++
		if row.Err != nil {
			if valid >= skip {
				res.Dropped++
				samples.Add("%s", row.Err.Error())
			}
			continue
		}
		valid++
		if valid <= skip {
			continue
		}
		current = append(current, ChunkRow{Line: row.Line, Fields: row.Fields})
		if len(current) == size {
			pending = append(pending, NewChunk{Number: number, Rows: current})
			number++
			current = nil
			if len(pending) >= c.cfg.ChunksPerInsert {
				if err := flush(); err != nil {
					return nil, c.fail(ctx, jobID, ErrKindStorage, "persist chunks failed", err)
				}
			}
		}
	}
	if err := <-errs; err != nil {
		return nil, c.fail(ctx, jobID, ErrKindParse, "read file failed", err)
	}
	if len(current) > 0 {
		pending = append(pending, NewChunk{Number: number, Rows: current})
		number++
	}
	if err := flush(); err != nil {
		return nil, c.fail(ctx, jobID, ErrKindStorage, "persist chunks failed", err)
	}

	if res.Dropped > 0 {
		if _, err := c.Store.AddProgress(ctx, jobID, Progress{
			Failed:       res.Dropped,
			ErrorSamples: samples.Items(),
		}); err != nil {
			return nil, c.fail(ctx, jobID, ErrKindStorage, "record dropped lines failed", err)
		}
		log.Warn("dropped malformed lines", zap.Int("count", res.Dropped))
	}

	res.TotalChunks = number
	updated, err := c.Store.MarkChunked(ctx, jobID, number, res.TotalLines)
	if err != nil {
		return nil, c.fail(ctx, jobID, ErrKindStorage, "record chunk totals failed", err)
	}
	log.Info("chunks created",
		zap.Int("first_chunk", res.FirstChunk),
		zap.Int("created", res.Chunks),
		zap.Int("total_chunks", res.TotalChunks),
		zap.Int("total_lines", res.TotalLines),
	)

	// Every chunk may already be processed (or the file had no rows).
	if updated != nil && updated.ProcessedChunks >= updated.TotalChunks {
		if err := c.finish(ctx, updated); err != nil {
			return res, err
		}
	}
	return res, nil
}
