// Package handoff carries work between pipeline stages through a durable
// queue, so no stage depends on a fire-and-forget call to the next one.
package handoff

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Kind names a pipeline stage.
type Kind string

// Task kinds.
const (
	KindCreateChunks    Kind = "create_chunks"
	KindProcessChunk    Kind = "process_chunk"
	KindIncrementalStep Kind = "incremental_step"
	KindSyncSources     Kind = "sync_sources"
)

// Kinds lists every task kind.
var Kinds = []Kind{KindCreateChunks, KindProcessChunk, KindIncrementalStep, KindSyncSources}

// Task is one unit of stage work.
type Task struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
	Attempts  int             `json:"attempts"`
}

// JobPayload addresses a whole import job.
type JobPayload struct {
	JobID string `json:"job_id"`
}

// ChunkPayload addresses one chunk of an import job.
type ChunkPayload struct {
	JobID       string `json:"job_id"`
	ChunkNumber int    `json:"chunk_number"`
}

// Sync operations.
const (
	OpFullSync        = "full_sync"
	OpIncrementalSync = "incremental_sync"
	OpDeleteSource    = "delete_source"
	OpReindex         = "reindex"
)

// SyncPayload requests index synchronization for a set of sources.
type SyncPayload struct {
	Sources   []string `json:"sources,omitempty"`
	Operation string   `json:"operation"`
	Priority  int      `json:"priority,omitempty"`
}

// NewTask builds a task with a fresh id and a JSON payload.
func NewTask(kind Kind, payload any, dedupeKey string) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, eris.Wrapf(err, "handoff: marshal %s payload", kind)
	}
	return Task{ID: uuid.NewString(), Kind: kind, Payload: raw, DedupeKey: dedupeKey}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return eris.Wrapf(err, "handoff: decode %s payload", t.Kind)
	}
	return nil
}

// Enqueuer accepts tasks for later execution. Tasks whose dedupe key is
// already pending are dropped silently.
type Enqueuer interface {
	Enqueue(ctx context.Context, tasks ...Task) error
}

// Handler executes one task. A returned error schedules a retry.
type Handler func(ctx context.Context, t Task) error
