package batcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ef-pipeline/internal/monitoring"
)

// Batch is the coalesced pending work for one source.
type Batch struct {
	Source    string
	Ops       map[Op]struct{}
	ObjectIDs map[string]struct{}
	Priority  int
	FirstSeen time.Time
	Attempts  int
}

// HasOp reports whether any coalesced event had the given operation.
func (b Batch) HasOp(op Op) bool {
	_, ok := b.Ops[op]
	return ok
}

// IDs returns the affected object ids in sorted order.
func (b Batch) IDs() []string {
	ids := make([]string, 0, len(b.ObjectIDs))
	for id := range b.ObjectIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NeedsFullSync reports whether the batch must rewrite the whole source:
// any insert or delete, more than maxObjects ids, or no ids at all.
func (b Batch) NeedsFullSync(maxObjects int) bool {
	if b.HasOp(OpInsert) || b.HasOp(OpDelete) {
		return true
	}
	return len(b.ObjectIDs) == 0 || len(b.ObjectIDs) > maxObjects
}

func (b *Batch) merge(o *Batch) {
	for op := range o.Ops {
		b.Ops[op] = struct{}{}
	}
	for id := range o.ObjectIDs {
		b.ObjectIDs[id] = struct{}{}
	}
	if o.Priority < b.Priority {
		b.Priority = o.Priority
	}
	if o.FirstSeen.Before(b.FirstSeen) {
		b.FirstSeen = o.FirstSeen
	}
	if o.Attempts > b.Attempts {
		b.Attempts = o.Attempts
	}
}

// Syncer applies one source batch to the search index.
type Syncer interface {
	Sync(ctx context.Context, b Batch) error
}

// Config holds the flush policy.
type Config struct {
	Delay      time.Duration
	MaxSources int
	MaxWait    time.Duration
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = 5 * time.Second
	}
	if c.MaxSources <= 0 {
		c.MaxSources = 100
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Metrics is a snapshot of batcher activity.
type Metrics struct {
	EventsReceived    int64         `json:"events_received"`
	EventsIgnored     int64         `json:"events_ignored"`
	DuplicatesAvoided int64         `json:"duplicates_avoided"`
	Flushes           int64         `json:"flushes"`
	SourcesSynced     int64         `json:"sources_synced"`
	SyncErrors        int64         `json:"sync_errors"`
	Requeued          int64         `json:"requeued"`
	Dropped           int64         `json:"dropped"`
	AvgBatchSize      float64       `json:"avg_batch_size"`
	ErrorRate         float64       `json:"error_rate"`
	LastProcessing    time.Duration `json:"last_processing_ns"`
	Pending           int           `json:"pending"`
}

// FlushResult reports one flush.
type FlushResult struct {
	Sources  int
	Synced   []string
	Failed   map[string]error
	Requeued []string
	Dropped  []string
	Duration time.Duration
}

// Batcher owns the pending per-source batches and the single delay timer.
type Batcher struct {
	syncer Syncer
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*Batch
	timer   *time.Timer
	closed  bool
	metrics Metrics

	// flushMu serializes flushes so priority groups of two flushes never
	// interleave.
	flushMu sync.Mutex
	wg      sync.WaitGroup
	baseCtx context.Context
}

// New creates a Batcher that hands flushed batches to syncer.
func New(syncer Syncer, cfg Config) *Batcher {
	return &Batcher{
		syncer:  syncer,
		cfg:     cfg.withDefaults(),
		log:     zap.L().With(zap.String("component", "batcher")),
		now:     time.Now,
		pending: make(map[string]*Batch),
		baseCtx: context.Background(),
	}
}

// Add coalesces ev into the pending batch for its source and schedules a
// flush. Events without a source are counted and ignored; Add returns false
// for them and after Close.
func (b *Batcher) Add(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	source := ev.Source()
	if source == "" {
		b.metrics.EventsIgnored++
		return false
	}

	b.metrics.EventsReceived++
	monitoring.EventsReceived.Inc()

	incoming := &Batch{
		Source:    source,
		Ops:       map[Op]struct{}{ev.Operation(): {}},
		ObjectIDs: map[string]struct{}{},
		Priority:  ev.Priority(),
		FirstSeen: b.now(),
	}
	if id := ev.ObjectID(); id != "" {
		incoming.ObjectIDs[id] = struct{}{}
	}

	if existing, ok := b.pending[source]; ok {
		existing.merge(incoming)
		b.metrics.DuplicatesAvoided++
		monitoring.EventsCoalesced.Inc()
	} else {
		b.pending[source] = incoming
	}

	b.scheduleLocked()
	return true
}

// scheduleLocked flushes now when something is urgent, full or stale, and
// otherwise arms the delay timer if it is not already running.
func (b *Batcher) scheduleLocked() {
	if b.shouldFlushLocked() {
		b.stopTimerLocked()
		b.spawnFlushLocked()
		return
	}
	b.armTimerLocked()
}

func (b *Batcher) shouldFlushLocked() bool {
	if len(b.pending) >= b.cfg.MaxSources {
		return true
	}
	now := b.now()
	for _, p := range b.pending {
		if p.Priority == PriorityHigh && p.Attempts == 0 {
			return true
		}
		if now.Sub(p.FirstSeen) > b.cfg.MaxWait {
			return true
		}
	}
	return false
}

func (b *Batcher) armTimerLocked() {
	if b.timer != nil || len(b.pending) == 0 {
		return
	}
	b.timer = time.AfterFunc(b.cfg.Delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.timer = nil
		b.spawnFlushLocked()
	})
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher) spawnFlushLocked() {
	if b.closed {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Flush(b.baseCtx)
	}()
}

// Flush drains every pending batch and syncs them: priority groups run one
// after another, sources inside a group run in parallel. Failed sources are
// requeued until they exceed MaxRetries.
func (b *Batcher) Flush(ctx context.Context) FlushResult {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.stopTimerLocked()
	batches := make([]*Batch, 0, len(b.pending))
	for _, p := range b.pending {
		batches = append(batches, p)
	}
	b.pending = make(map[string]*Batch)
	b.mu.Unlock()

	res := FlushResult{Sources: len(batches), Failed: map[string]error{}}
	if len(batches) == 0 {
		return res
	}

	start := time.Now()
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].Priority != batches[j].Priority {
			return batches[i].Priority < batches[j].Priority
		}
		return batches[i].Source < batches[j].Source
	})

	b.log.Info("flushing batches", zap.Int("sources", len(batches)))

	var failed []*Batch
	for _, group := range groupByPriority(batches) {
		errs := make([]error, len(group))
		var g errgroup.Group
		for i, batch := range group {
			g.Go(func() error {
				errs[i] = b.syncer.Sync(ctx, *batch)
				return nil
			})
		}
		_ = g.Wait()

		for i, batch := range group {
			if errs[i] != nil {
				b.log.Warn("source sync failed",
					zap.String("source", batch.Source),
					zap.Int("attempt", batch.Attempts+1),
					zap.Error(errs[i]))
				res.Failed[batch.Source] = errs[i]
				failed = append(failed, batch)
				continue
			}
			res.Synced = append(res.Synced, batch.Source)
		}
	}

	res.Duration = time.Since(start)
	monitoring.BatchSize.Observe(float64(len(batches)))

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, batch := range failed {
		batch.Attempts++
		if batch.Attempts > b.cfg.MaxRetries {
			b.log.Error("dropping batch after retries",
				zap.String("source", batch.Source),
				zap.Int("attempts", batch.Attempts))
			res.Dropped = append(res.Dropped, batch.Source)
			continue
		}
		if existing, ok := b.pending[batch.Source]; ok {
			existing.merge(batch)
		} else {
			b.pending[batch.Source] = batch
		}
		res.Requeued = append(res.Requeued, batch.Source)
	}

	m := &b.metrics
	m.Flushes++
	m.SourcesSynced += int64(len(res.Synced))
	m.SyncErrors += int64(len(res.Failed))
	m.Requeued += int64(len(res.Requeued))
	m.Dropped += int64(len(res.Dropped))
	m.AvgBatchSize += (float64(len(batches)) - m.AvgBatchSize) / float64(m.Flushes)
	m.LastProcessing = res.Duration

	// Retries wait for the delay timer instead of flushing straight away.
	if len(res.Requeued) > 0 && !b.closed {
		b.armTimerLocked()
	}

	b.log.Info("flush complete",
		zap.Int("synced", len(res.Synced)),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("duration", res.Duration))
	return res
}

func groupByPriority(sorted []*Batch) [][]*Batch {
	var groups [][]*Batch
	for i, batch := range sorted {
		if i == 0 || batch.Priority != sorted[i-1].Priority {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], batch)
	}
	return groups
}

// Pending returns the number of sources waiting for a flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Metrics returns a snapshot of the counters.
func (b *Batcher) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metrics
	m.Pending = len(b.pending)
	if attempts := m.SourcesSynced + m.SyncErrors; attempts > 0 {
		m.ErrorRate = float64(m.SyncErrors) / float64(attempts)
	}
	return m
}

// Close stops the timer, waits for in-flight flushes and flushes whatever
// is still pending once. Add is rejected afterwards.
func (b *Batcher) Close(ctx context.Context) FlushResult {
	b.mu.Lock()
	b.closed = true
	b.stopTimerLocked()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("close: in-flight flush still running")
	}

	res := b.Flush(ctx)
	if left := b.Pending(); left > 0 {
		b.log.Warn("close: batches left unsynced", zap.Int("sources", left))
	}
	return res
}
