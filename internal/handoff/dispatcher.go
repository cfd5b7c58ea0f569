package handoff

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DispatcherConfig tunes how a Dispatcher drains its queue.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	// TaskTimeout bounds one handler call. Zero means no limit.
	TaskTimeout time.Duration
}

// Dispatcher claims tasks from a Queue and routes each to the handler
// registered for its kind.
type Dispatcher struct {
	queue    Queue
	cfg      DispatcherConfig
	handlers map[Kind]Handler
	log      *zap.Logger
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(q Queue, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Dispatcher{
		queue:    q,
		cfg:      cfg,
		handlers: make(map[Kind]Handler),
		log:      zap.L().With(zap.String("component", "handoff.dispatcher")),
	}
}

// Handle registers h for kind, replacing any earlier registration.
func (d *Dispatcher) Handle(kind Kind, h Handler) {
	d.handlers[kind] = h
}

// Run drains the queue until ctx is canceled. A full batch is followed
// immediately by another claim; otherwise the dispatcher sleeps for
// PollInterval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started",
		zap.Int("batch_size", d.cfg.BatchSize), zap.Int("concurrency", d.cfg.Concurrency))
	for {
		n, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			d.log.Info("dispatcher stopped")
			return nil
		}
		if err != nil {
			d.log.Error("dispatch pass failed", zap.Error(err))
		}
		if err == nil && n >= d.cfg.BatchSize {
			continue
		}

		t := time.NewTimer(d.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			d.log.Info("dispatcher stopped")
			return nil
		case <-t.C:
		}
	}
}

// RunOnce claims one batch and runs it to completion. It returns how many
// tasks were claimed. Handler failures are recorded on the queue, not
// returned.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.queue.Claim(ctx, d.cfg.BatchSize)
	if err != nil && len(tasks) == 0 {
		return 0, err
	}

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			return d.dispatch(ctx, t)
		})
	}
	if gerr := g.Wait(); gerr != nil {
		return len(tasks), gerr
	}
	return len(tasks), err
}

func (d *Dispatcher) dispatch(ctx context.Context, t Task) error {
	log := d.log.With(zap.String("task_id", t.ID), zap.String("kind", string(t.Kind)),
		zap.Int("attempt", t.Attempts))

	h, ok := d.handlers[t.Kind]
	if !ok {
		log.Error("no handler for task kind")
		return eris.Wrap(d.queue.Fail(ctx, t, eris.Errorf("handoff: no handler for kind %q", t.Kind)),
			"handoff: record unroutable task")
	}

	hctx := ctx
	if d.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.cfg.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	herr := h(hctx, t)
	// Record the outcome even when the worker is shutting down.
	rctx := context.WithoutCancel(ctx)
	if herr != nil {
		if errors.Is(herr, context.Canceled) && ctx.Err() != nil {
			log.Info("task interrupted by shutdown")
		} else {
			log.Warn("task failed", zap.Error(herr), zap.Duration("elapsed", time.Since(start)))
		}
		return eris.Wrap(d.queue.Fail(rctx, t, herr), "handoff: record failure")
	}
	log.Debug("task complete", zap.Duration("elapsed", time.Since(start)))
	return eris.Wrap(d.queue.Complete(rctx, t), "handoff: record completion")
}
