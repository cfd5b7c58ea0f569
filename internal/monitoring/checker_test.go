package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ef-pipeline/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(stubJobs{counts: map[string]int{}}, nil, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestChecker_Check(t *testing.T) {
	cfg := config.MonitoringConfig{FailureRateThreshold: 0.1, QueueBacklogMax: 10, LookbackWindowHours: 12}
	collector := NewCollector(
		stubJobs{counts: map[string]int{"completed": 5, "failed": 5}},
		stubQueue{"process_chunk": 20},
		&stubSyncs{counts: map[string]int{}},
	)
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, AlertQueueBacklog, alerts[1].Type)
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(stubJobs{err: errors.New("db down")}, nil, nil), NewAlerter(cfg), cfg)
	assert.Nil(t, checker.Check(context.Background()))
}
