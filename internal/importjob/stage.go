package importjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/csvsource"
	"github.com/sells-group/ef-pipeline/internal/factor"
	"github.com/sells-group/ef-pipeline/internal/handoff"
	"github.com/sells-group/ef-pipeline/internal/monitoring"
	"github.com/sells-group/ef-pipeline/internal/scd2"
)

// Deps are the collaborators shared by the import stages.
type Deps struct {
	Store      JobStore
	Opener     Opener
	Writer     RecordWriter
	Sources    SourceRegistry
	Projection Refresher
	Queue      handoff.Enqueuer
}

// Settings are the batching knobs of the import stages.
type Settings struct {
	LinesPerChunk   int
	LinesPerStep    int
	MicroBatchSize  int
	MaxErrorSamples int
	// ChunksPerInsert is how many chunks the chunker buffers per COPY.
	ChunksPerInsert int
}

func (s Settings) withDefaults() Settings {
	if s.LinesPerChunk <= 0 {
		s.LinesPerChunk = 500
	}
	if s.LinesPerStep <= 0 {
		s.LinesPerStep = 100
	}
	if s.MicroBatchSize <= 0 {
		s.MicroBatchSize = 25
	}
	if s.MaxErrorSamples <= 0 {
		s.MaxErrorSamples = 10
	}
	if s.ChunksPerInsert <= 0 {
		s.ChunksPerInsert = 10
	}
	return s
}

type stage struct {
	Deps
	cfg Settings
	log *zap.Logger
}

func newStage(d Deps, cfg Settings, component string) stage {
	return stage{
		Deps: d,
		cfg:  cfg.withDefaults(),
		log:  zap.L().With(zap.String("component", "importjob."+component)),
	}
}

// load fetches a job and claims it when queued. It returns nil for jobs
// that are terminal.
func (s *stage) load(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, eris.Wrapf(ErrNotFound, "importjob: job %s", jobID)
	}
	if job.Status == StatusQueued {
		claimed, err := s.Store.Claim(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if claimed == nil {
			// Lost the race; continue from whatever the winner left.
			if job, err = s.Store.Get(ctx, jobID); err != nil || job == nil {
				return nil, err
			}
		} else {
			job = claimed
		}
	}
	if job.Status.Terminal() {
		s.log.Debug("job already finished", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return nil, nil
	}
	return job, nil
}

type openFile struct {
	rd *csvsource.Reader
	rc io.ReadCloser
}

func (f *openFile) Close() error {
	err := f.rd.Close()
	if cerr := f.rc.Close(); err == nil {
		err = cerr
	}
	return err
}

// open streams the job's file. User datasets are read strictly: a line with
// the wrong number of fields fails the import instead of being dropped.
func (s *stage) open(ctx context.Context, job *Job) (*openFile, error) {
	rc, err := s.Opener.Open(ctx, job.FilePath)
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: open %s", job.FilePath)
	}
	rd, err := csvsource.Open(rc, csvsource.DetectEncoding(job.FilePath), csvsource.Options{Strict: job.Kind == KindUser})
	if err != nil {
		rc.Close() //nolint:errcheck
		return nil, err
	}
	return &openFile{rd: rd, rc: rc}, nil
}

// checkHeader reports the required columns a file lacks. User datasets get
// their source from the dataset name, so the Source column is optional.
func checkHeader(job *Job, header []string) error {
	missing := csvsource.MissingHeaders(header)
	if job.Kind == KindUser {
		kept := missing[:0]
		for _, m := range missing {
			if m != factor.ColSource {
				kept = append(kept, m)
			}
		}
		missing = kept
	}
	if len(missing) > 0 {
		return &ErrorDetails{
			Kind:    ErrKindValidation,
			Message: "missing required columns",
			Detail:  strings.Join(missing, ", "),
		}
	}
	return nil
}

func factorOptions(job *Job) factor.Options {
	opts := factor.Options{Language: job.Language, JobID: job.ID}
	if job.Kind == KindUser {
		opts.OverrideSource = job.DatasetName
		opts.WorkspaceID = job.WorkspaceID
	}
	return opts
}

// validateRows turns rows into records. Rejected rows are counted and
// sampled, never returned.
func (s *stage) validateRows(job *Job, rows []ChunkRow, samples *csvsource.ErrorSamples) ([]factor.Record, int) {
	opts := factorOptions(job)
	recs := make([]factor.Record, 0, len(rows))
	failed := 0
	for _, r := range rows {
		rec, rej := factor.Validate(r.Fields, opts)
		if rej != nil {
			failed++
			samples.Add("line %d: %s", r.Line, rej.Error())
			monitoring.RowsRejected.WithLabelValues(rej.Kind).Inc()
			s.log.Debug("row rejected", zap.String("job_id", job.ID), zap.Int("line", r.Line), zap.String("reason", rej.Error()))
			continue
		}
		recs = append(recs, *rec)
	}
	return recs, failed
}

// write registers the records' sources and writes them in micro-batches.
// The returned count is the sum of every batch's inserted rows.
func (s *stage) write(ctx context.Context, recs []factor.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if _, err := s.Sources.Ensure(ctx, scd2.Sources(recs)); err != nil {
		return 0, err
	}

	inserted := 0
	for start := 0; start < len(recs); start += s.cfg.MicroBatchSize {
		end := min(start+s.cfg.MicroBatchSize, len(recs))
		n, err := s.Writer.Write(ctx, recs[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	monitoring.RowsInserted.Add(float64(inserted))
	return inserted, nil
}

// fail records a terminal failure and returns cause wrapped. The failure is
// written even when ctx is already cancelled.
func (s *stage) fail(ctx context.Context, jobID, kind, message string, cause error) error {
	details := ErrorDetails{Kind: kind, Message: message, Detail: cause.Error()}
	var ed *ErrorDetails
	if errors.As(cause, &ed) {
		details = *ed
	}

	ok, err := s.Store.Fail(context.WithoutCancel(ctx), jobID, details)
	if err != nil {
		s.log.Error("failed to record job failure", zap.String("job_id", jobID), zap.Error(err))
	} else if ok {
		monitoring.JobsFinished.WithLabelValues(string(StatusFailed)).Inc()
		s.log.Warn("job failed",
			zap.String("job_id", jobID),
			zap.String("kind", details.Kind),
			zap.String("message", details.Message),
			zap.String("detail", details.Detail),
		)
	}
	return eris.Wrapf(cause, "importjob: job %s: %s", jobID, message)
}

// finish refreshes the projection, hands sync work to the queue and marks
// the job completed. replace_all jobs rebuild the whole projection and ask
// for a full reindex instead. The rows are already stored, so projection and
// sync problems are recorded on the job as error samples and never fail it;
// the next change event or reindex brings the index up to date.
func (s *stage) finish(ctx context.Context, job *Job) error {
	log := s.log.With(zap.String("job_id", job.ID))
	var warnings []string
	warn := func(msg string, err error) {
		log.Warn(msg, zap.Error(err))
		monitoring.SyncErrors.WithLabelValues("import").Inc()
		warnings = append(warnings, fmt.Sprintf("search sync: %s: %v", msg, err))
	}

	var payload *handoff.SyncPayload
	if job.ReplaceAll {
		if n, err := s.Projection.RebuildAll(ctx); err != nil {
			warn("projection rebuild failed", err)
		} else {
			log.Info("projection rebuilt", zap.Int("rows", n))
		}
		payload = &handoff.SyncPayload{Operation: handoff.OpReindex, Priority: 1}
	} else {
		sources, err := s.Store.JobSources(ctx, job.ID)
		if err != nil {
			warn("list job sources failed", err)
		}
		for _, src := range sources {
			n, err := s.Projection.Refresh(ctx, src)
			if err != nil {
				// The full sync refreshes the source again.
				warn("projection refresh of "+src+" failed", err)
				continue
			}
			log.Debug("projection refreshed", zap.String("source", src), zap.Int("rows", n))
		}
		if len(sources) > 0 {
			payload = &handoff.SyncPayload{Sources: sources, Operation: handoff.OpFullSync, Priority: 2}
		}
	}
	if payload != nil {
		task, err := handoff.NewTask(handoff.KindSyncSources, *payload, "sync:"+job.ID)
		if err == nil {
			err = s.Queue.Enqueue(ctx, task)
		}
		if err != nil {
			warn("enqueue sync failed", err)
		}
	}
	if len(warnings) > 0 {
		if _, err := s.Store.AddProgress(ctx, job.ID, Progress{ErrorSamples: warnings}); err != nil {
			log.Error("failed to record sync warnings", zap.Error(err))
		}
	}

	ok, err := s.Store.Complete(ctx, job.ID)
	if err != nil {
		return err
	}
	if ok {
		monitoring.JobsFinished.WithLabelValues(string(StatusCompleted)).Inc()
		s.log.Info("job completed", zap.String("job_id", job.ID))
	}
	return nil
}
