package searchsync

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Operation is what a queued sync job does to its sources.
type Operation string

// Optimizer operations.
const (
	OpFullSync        Operation = "full_sync"
	OpIncrementalSync Operation = "incremental_sync"
	OpDeleteSource    Operation = "delete_source"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpFullSync, OpIncrementalSync, OpDeleteSource:
		return true
	}
	return false
}

// Job is one queued sync request.
type Job struct {
	ID               string    `json:"id"`
	Sources          []string  `json:"sources"`
	Operation        Operation `json:"operation"`
	Priority         int       `json:"priority"`
	EstimatedRecords int       `json:"estimated_records"`
	CreatedAt        time.Time `json:"created_at"`
}

// SourceSyncer is the part of Engine the optimizer drives.
type SourceSyncer interface {
	FullSync(ctx context.Context, source string) Result
	SyncRecent(ctx context.Context, source string, since time.Time) Result
	DeleteSource(ctx context.Context, source string) Result
}

// OptimizerConfig bounds optimizer batches.
type OptimizerConfig struct {
	// MaxSources caps the sources of one batch.
	MaxSources int
	// MaxRecords caps the estimated rows of one batch. A single job larger
	// than the cap still runs alone.
	MaxRecords int
	// Interval is the pause between batches.
	Interval time.Duration
	// ParallelSources bounds concurrent full syncs inside a batch.
	ParallelSources int
	// IncrementalWindow is how far back incremental_sync looks.
	IncrementalWindow time.Duration
}

// OptimizerMetrics are cumulative optimizer counters.
type OptimizerMetrics struct {
	TotalJobs         int64   `json:"total_jobs"`
	BatchedJobs       int64   `json:"batched_jobs"`
	Batches           int64   `json:"batches"`
	RecordsProcessed  int64   `json:"records_processed"`
	AvgProcessingTime float64 `json:"avg_processing_ms"`
	ErrorRate         float64 `json:"error_rate"`
	failedSources     int64
	sources           int64
}

// OptimizerStatus is a snapshot of the queue.
type OptimizerStatus struct {
	Queued     int              `json:"queued"`
	Processing bool             `json:"processing"`
	Jobs       []Job            `json:"jobs"`
	Metrics    OptimizerMetrics `json:"metrics"`
}

// Optimizer groups queued sync jobs into bounded batches of one priority
// and runs them one batch at a time.
type Optimizer struct {
	syncer SourceSyncer
	cfg    OptimizerConfig
	log    *zap.Logger

	mu         sync.Mutex
	queue      []Job
	processing bool
	metrics    OptimizerMetrics
	closed     bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewOptimizer creates an idle Optimizer.
func NewOptimizer(syncer SourceSyncer, cfg OptimizerConfig) *Optimizer {
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 5
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 10000
	}
	if cfg.ParallelSources <= 0 {
		cfg.ParallelSources = 3
	}
	if cfg.IncrementalWindow <= 0 {
		cfg.IncrementalWindow = 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Optimizer{
		syncer:  syncer,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "searchsync.optimizer")),
		baseCtx: ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Add queues a job and starts processing when idle. It returns the job id.
func (o *Optimizer) Add(job Job) (string, error) {
	if !job.Operation.Valid() {
		return "", eris.Errorf("searchsync: unknown operation %q", job.Operation)
	}
	if len(job.Sources) == 0 {
		return "", eris.New("searchsync: job has no sources")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", eris.New("searchsync: optimizer closed")
	}

	job.ID = uuid.NewString()
	job.CreatedAt = o.now()
	o.queue = append(o.queue, job)
	slices.SortStableFunc(o.queue, func(a, b Job) int { return a.Priority - b.Priority })
	o.metrics.TotalJobs++

	if !o.processing {
		o.processing = true
		o.wg.Add(1)
		go o.loop()
	}
	return job.ID, nil
}

func (o *Optimizer) loop() {
	defer o.wg.Done()
	for {
		batch := o.nextBatch()
		if len(batch) == 0 {
			return
		}
		o.process(o.baseCtx, batch)

		select {
		case <-o.baseCtx.Done():
			o.mu.Lock()
			o.processing = false
			o.mu.Unlock()
			return
		case <-time.After(o.cfg.Interval):
		}
	}
}

// nextBatch takes jobs off the head of the queue. It clears the processing
// flag under the lock when the queue is empty so Add never misses a start.
func (o *Optimizer) nextBatch() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		o.processing = false
		return nil
	}

	var (
		batch   []Job
		sources int
		records int
	)
	priority := o.queue[0].Priority
	for _, job := range o.queue {
		if len(batch) > 0 {
			if job.Priority != priority ||
				sources+len(job.Sources) > o.cfg.MaxSources ||
				records+job.EstimatedRecords > o.cfg.MaxRecords {
				break
			}
		}
		batch = append(batch, job)
		sources += len(job.Sources)
		records += job.EstimatedRecords
	}
	o.queue = o.queue[len(batch):]
	o.metrics.BatchedJobs += int64(len(batch))
	return batch
}

// RunNow executes one job synchronously, bypassing the queue. It returns an
// error when any source failed.
func (o *Optimizer) RunNow(ctx context.Context, job Job) error {
	if !job.Operation.Valid() {
		return eris.Errorf("searchsync: unknown operation %q", job.Operation)
	}
	o.mu.Lock()
	o.metrics.TotalJobs++
	o.metrics.BatchedJobs++
	o.mu.Unlock()

	failed := o.process(ctx, []Job{job})
	if len(failed) > 0 {
		return eris.Errorf("searchsync: %d sources failed: %v", len(failed), failed)
	}
	return nil
}

// process runs a batch grouped by operation and returns the failed sources.
func (o *Optimizer) process(ctx context.Context, batch []Job) []string {
	start := o.now()
	byOp := map[Operation][]string{}
	for _, job := range batch {
		byOp[job.Operation] = append(byOp[job.Operation], job.Sources...)
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	collect := func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	for _, op := range []Operation{OpDeleteSource, OpFullSync, OpIncrementalSync} {
		sources := dedupe(byOp[op])
		switch op {
		case OpFullSync:
			g := new(errgroup.Group)
			g.SetLimit(o.cfg.ParallelSources)
			for _, src := range sources {
				g.Go(func() error {
					collect(o.syncer.FullSync(ctx, src))
					return nil
				})
			}
			_ = g.Wait()
		case OpIncrementalSync:
			since := o.now().Add(-o.cfg.IncrementalWindow)
			for _, src := range sources {
				collect(o.syncer.SyncRecent(ctx, src, since))
			}
		case OpDeleteSource:
			for _, src := range sources {
				collect(o.syncer.DeleteSource(ctx, src))
			}
		}
	}

	var (
		failed  []string
		records int
	)
	for _, r := range results {
		records += r.Upserted
		if r.Err != nil {
			failed = append(failed, r.Source)
		}
	}

	elapsed := o.now().Sub(start)
	o.mu.Lock()
	m := &o.metrics
	m.Batches++
	m.RecordsProcessed += int64(records)
	m.AvgProcessingTime += (float64(elapsed.Milliseconds()) - m.AvgProcessingTime) / float64(m.Batches)
	m.sources += int64(len(results))
	m.failedSources += int64(len(failed))
	if m.sources > 0 {
		m.ErrorRate = float64(m.failedSources) / float64(m.sources)
	}
	o.mu.Unlock()

	o.log.Info("batch processed",
		zap.Int("jobs", len(batch)),
		zap.Int("sources", len(results)),
		zap.Int("records", records),
		zap.Strings("failed", failed),
		zap.Duration("elapsed", elapsed),
	)
	return failed
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Status returns a snapshot of the queue and metrics.
func (o *Optimizer) Status() OptimizerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OptimizerStatus{
		Queued:     len(o.queue),
		Processing: o.processing,
		Jobs:       slices.Clone(o.queue),
		Metrics:    o.metrics,
	}
}

// Metrics returns the cumulative metrics.
func (o *Optimizer) Metrics() OptimizerMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// Close rejects new jobs and waits for the running batch, bounded by ctx.
// Jobs still queued when ctx expires are abandoned.
func (o *Optimizer) Close(ctx context.Context) {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.cancel()
		<-done
	}
}
