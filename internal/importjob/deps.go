package importjob

import (
	"context"
	"io"

	"github.com/sells-group/ef-pipeline/internal/factor"
)

// JobStore is the persistence the import stages need. *Store implements it.
type JobStore interface {
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	NextRunnable(ctx context.Context) (*Job, error)
	MarkChunked(ctx context.Context, id string, totalChunks, totalLines int) (*Job, error)
	SetTotalLines(ctx context.Context, id string, totalLines int) error
	SaveCheckpoint(ctx context.Context, id string, cp Checkpoint) (bool, error)
	AddProgress(ctx context.Context, id string, p Progress) (*Job, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id string, details ErrorDetails) (bool, error)
	JobSources(ctx context.Context, id string) ([]string, error)
	LinesPerChunk(ctx context.Context, def int) (int, error)
	InsertChunks(ctx context.Context, jobID string, chunks []NewChunk) (int64, error)
	NextChunkNumber(ctx context.Context, jobID string) (int, error)
	ClaimChunk(ctx context.Context, jobID string, number int) (*Chunk, error)
	MarkChunkProcessed(ctx context.Context, chunkID int64, inserted int) (bool, error)
	MarkChunkFailed(ctx context.Context, chunkID int64, msg string) error
	RefreshChunkProgress(ctx context.Context, jobID string) (*Job, error)
	PendingChunks(ctx context.Context, jobID string) ([]int, error)
}

// Opener resolves a file reference to a readable stream.
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// RecordWriter persists validated records as SCD2 versions.
type RecordWriter interface {
	Write(ctx context.Context, recs []factor.Record) (int64, error)
	RetireLanguage(ctx context.Context, lang string) (int64, error)
}

// SourceRegistry registers the sources an import touches.
type SourceRegistry interface {
	Ensure(ctx context.Context, names []string) (int64, error)
}

// Refresher recomputes the search projection.
type Refresher interface {
	Refresh(ctx context.Context, source string) (int, error)
	RebuildAll(ctx context.Context) (int, error)
}

var _ JobStore = (*Store)(nil)
