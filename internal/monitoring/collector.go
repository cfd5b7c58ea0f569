package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ef-pipeline/internal/resilience"
)

// Snapshot is a point-in-time view of pipeline health, served at /status.
type Snapshot struct {
	// Import jobs by status (all time).
	Jobs         map[string]int `json:"jobs"`
	JobsFinished int            `json:"jobs_finished"`
	JobFailRate  float64        `json:"job_fail_rate"`

	// Pending handoff tasks by kind. Absent when the driver cannot count.
	QueueDepth map[string]int `json:"queue_depth,omitempty"`
	QueueTotal int            `json:"queue_total"`

	// Index sync runs started within the lookback window, by status.
	Syncs       map[string]int `json:"syncs"`
	SyncsFailed int            `json:"syncs_failed"`

	Breakers   map[string]resilience.BreakerSnapshot `json:"breakers,omitempty"`
	Components map[string]any                        `json:"components,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// OpenBreakers lists breakers currently rejecting calls.
func (s *Snapshot) OpenBreakers() []string {
	var open []string
	for name, b := range s.Breakers {
		if b.State == resilience.CircuitOpen.String() {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// JobCounter counts import jobs by status.
type JobCounter interface {
	StatusCounts(ctx context.Context) (map[string]int, error)
}

// QueueDepther counts pending handoff tasks by kind.
type QueueDepther interface {
	DepthByKind(ctx context.Context) (map[string]int, error)
}

// SyncOutcomes counts sync runs started since a time, by status.
type SyncOutcomes interface {
	OutcomeCounts(ctx context.Context, since time.Time) (map[string]int, error)
}

// Collector gathers a Snapshot from the job store, the handoff queue and
// the sync log, plus whatever in-process components register themselves.
type Collector struct {
	jobs  JobCounter
	queue QueueDepther
	syncs SyncOutcomes
	now   func() time.Time

	mu         sync.Mutex
	breakers   map[string]*resilience.Breaker
	components map[string]func() any
}

// NewCollector creates a Collector. queue and syncs may be nil.
func NewCollector(jobs JobCounter, queue QueueDepther, syncs SyncOutcomes) *Collector {
	return &Collector{
		jobs:       jobs,
		queue:      queue,
		syncs:      syncs,
		now:        time.Now,
		breakers:   make(map[string]*resilience.Breaker),
		components: make(map[string]func() any),
	}
}

// RegisterBreaker includes b's state in every snapshot.
func (c *Collector) RegisterBreaker(name string, b *resilience.Breaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers[name] = b
}

// Register includes the value fn returns (it must marshal to JSON) under
// name in every snapshot.
func (c *Collector) Register(name string, fn func() any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = fn
}

// Collect builds a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}

	jobs, err := c.jobs.StatusCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count jobs")
	}
	snap.Jobs = jobs
	snap.JobsFinished = jobs["completed"] + jobs["failed"]
	if snap.JobsFinished > 0 {
		snap.JobFailRate = float64(jobs["failed"]) / float64(snap.JobsFinished)
	}

	if c.queue != nil {
		depth, err := c.queue.DepthByKind(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue depth")
		}
		snap.QueueDepth = depth
		for _, n := range depth {
			snap.QueueTotal += n
		}
	}

	snap.Syncs = map[string]int{}
	if c.syncs != nil {
		since := now.Add(-time.Duration(lookbackHours) * time.Hour)
		syncs, err := c.syncs.OutcomeCounts(ctx, since)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: sync outcomes")
		}
		snap.Syncs = syncs
		snap.SyncsFailed = syncs["failed"]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.breakers) > 0 {
		snap.Breakers = make(map[string]resilience.BreakerSnapshot, len(c.breakers))
		for name, b := range c.breakers {
			snap.Breakers[name] = b.Snapshot()
		}
	}
	if len(c.components) > 0 {
		snap.Components = make(map[string]any, len(c.components))
		for name, fn := range c.components {
			snap.Components[name] = fn()
		}
	}
	return snap, nil
}
