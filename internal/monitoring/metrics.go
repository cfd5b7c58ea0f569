package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ef_pipeline"

var ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "import",
	Name:      "chunks_processed_total",
	Help:      "Import chunks processed, by outcome",
}, []string{"outcome"})

var RowsInserted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "import",
	Name:      "rows_inserted_total",
	Help:      "Emission factor versions written by the SCD2 writer",
})

var RowsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "import",
	Name:      "rows_rejected_total",
	Help:      "Import rows rejected, by kind",
}, []string{"kind"})

var JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "import",
	Name:      "jobs_finished_total",
	Help:      "Import jobs reaching a terminal status",
}, []string{"status"})

var EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "batcher",
	Name:      "events_received_total",
	Help:      "Change events accepted by the batcher",
})

var EventsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "batcher",
	Name:      "events_coalesced_total",
	Help:      "Change events merged into an already pending source",
})

var BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "batcher",
	Name:      "batch_sources",
	Help:      "Sources per flushed batch",
	Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
})

var SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "search_sync",
	Name:      "duration_seconds",
	Help:      "Per-source index sync duration, by mode",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"mode"})

var SyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "search_sync",
	Name:      "errors_total",
	Help:      "Per-source index sync failures, by mode",
}, []string{"mode"})

var ObjectsIndexed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "search_sync",
	Name:      "objects_indexed_total",
	Help:      "Objects written to the search index",
})

var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "handoff",
	Name:      "queue_depth",
	Help:      "Pending handoff tasks, by kind",
}, []string{"kind"})
