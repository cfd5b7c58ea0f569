package importjob

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/csvsource"
	"github.com/sells-group/ef-pipeline/internal/monitoring"
)

// ProcessResult summarizes one processed chunk.
type ProcessResult struct {
	JobID       string `json:"job_id"`
	ChunkNumber int    `json:"chunk_number"`
	Skipped     bool   `json:"skipped,omitempty"`
	Records     int    `json:"records"`
	Processed   int    `json:"processed"`
	Inserted    int    `json:"inserted"`
	Failed      int    `json:"failed"`
	JobDone     bool   `json:"job_done"`
}

// Processor validates and writes persisted chunks.
type Processor struct {
	stage
}

// NewProcessor creates a Processor.
func NewProcessor(d Deps, cfg Settings) *Processor {
	return &Processor{stage: newStage(d, cfg, "processor")}
}

// ProcessChunk claims one chunk, writes its valid rows in micro-batches and
// adds its counters to the job. The call that lands the last chunk completes
// the job. A chunk that is processed or locked elsewhere is skipped.
func (p *Processor) ProcessChunk(ctx context.Context, jobID string, number int) (*ProcessResult, error) {
	res := &ProcessResult{JobID: jobID, ChunkNumber: number}

	job, err := p.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		res.Skipped = true
		return res, nil
	}
	log := p.log.With(zap.String("job_id", jobID), zap.Int("chunk", number))

	chunk, err := p.Store.ClaimChunk(ctx, jobID, number)
	if err != nil {
		return nil, p.fail(ctx, jobID, ErrKindStorage, fmt.Sprintf("claim chunk %d failed", number), err)
	}
	if chunk == nil {
		log.Debug("chunk already processed or locked")
		res.Skipped = true
		return res, nil
	}

	samples := csvsource.NewErrorSamples(p.cfg.MaxErrorSamples)
	recs, failed := p.validateRows(job, chunk.Rows, samples)
	res.Records = len(chunk.Rows)
	res.Processed = len(recs)
	res.Failed = failed

	res.Inserted, err = p.write(ctx, recs)
	if err != nil {
		monitoring.ChunksProcessed.WithLabelValues("failed").Inc()
		if merr := p.Store.MarkChunkFailed(context.WithoutCancel(ctx), chunk.ID, err.Error()); merr != nil {
			log.Error("failed to record chunk error", zap.Error(merr))
		}
		return nil, p.fail(ctx, jobID, ErrKindStorage, fmt.Sprintf("chunk %d failed", number), err)
	}

	marked, err := p.Store.MarkChunkProcessed(ctx, chunk.ID, res.Inserted)
	if err != nil {
		return nil, p.fail(ctx, jobID, ErrKindStorage, fmt.Sprintf("mark chunk %d failed", number), err)
	}
	if !marked {
		res.Skipped = true
		return res, nil
	}
	monitoring.ChunksProcessed.WithLabelValues("ok").Inc()

	updated, err := p.Store.AddProgress(ctx, jobID, Progress{
		Chunks:       1,
		Processed:    res.Processed,
		Inserted:     res.Inserted,
		Failed:       res.Failed,
		ErrorSamples: samples.Items(),
	})
	if err != nil {
		return nil, p.fail(ctx, jobID, ErrKindStorage, "record progress failed", err)
	}
	log.Info("chunk processed",
		zap.Int("records", res.Records),
		zap.Int("inserted", res.Inserted),
		zap.Int("failed", res.Failed),
		zap.Int("processed_chunks", updated.ProcessedChunks),
		zap.Int("total_chunks", updated.TotalChunks),
	)

	// total_chunks stays 0 until the chunker finishes; the chunker then
	// completes the job itself if every chunk already landed.
	if updated.Status == StatusProcessing && updated.TotalChunks > 0 && updated.ProcessedChunks >= updated.TotalChunks {
		res.JobDone = true
		if err := p.finish(ctx, updated); err != nil {
			return res, err
		}
	}
	return res, nil
}
