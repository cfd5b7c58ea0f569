package handoff

import (
	"context"
	"time"
)

// Queue is a durable task queue a Dispatcher drains. PGQueue and NATSQueue
// implement it.
type Queue interface {
	Enqueuer
	// Claim hands out up to limit runnable tasks. Attempts is already
	// incremented for the claim being made.
	Claim(ctx context.Context, limit int) ([]Task, error)
	Complete(ctx context.Context, t Task) error
	// Fail schedules a retry, or parks the task for good once it has used
	// its attempts.
	Fail(ctx context.Context, t Task, cause error) error
}

const (
	baseRetryDelay = 5 * time.Second
	maxRetryDelay  = 10 * time.Minute
)

// RetryDelay is the wait before a task that failed on its n-th attempt runs
// again: 5s doubling per attempt, capped at 10 minutes.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := baseRetryDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return msg
}
