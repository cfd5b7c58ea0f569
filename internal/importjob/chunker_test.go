package importjob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ef-pipeline/internal/handoff"
)

func TestCreateChunks_SplitsAndEnqueues(t *testing.T) {
	h := newHarness()
	h.files["s3://bucket/a.csv"] = csvFile(5, "broken,line")
	h.store.add(Job{ID: "job-1", FilePath: "s3://bucket/a.csv", Mode: ModeUpfront})

	c := NewChunker(h.deps, Settings{LinesPerChunk: 2, ChunksPerInsert: 2})
	res, err := c.CreateChunks(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, 0, res.FirstChunk)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 6, res.TotalLines)
	assert.Equal(t, 1, res.Dropped)

	chunks := h.store.chunks["job-1"]
	require.Len(t, chunks, 3)
	total := 0
	for n := 0; n < 3; n++ {
		require.Contains(t, chunks, n, "chunk numbers must be gapless")
		total += len(chunks[n].rows)
	}
	assert.Equal(t, 5, total)
	assert.Len(t, chunks[2].rows, 1)
	assert.Equal(t, 1, chunks[0].rows[0].Line)

	tasks := h.queue.byKind(handoff.KindProcessChunk)
	require.Len(t, tasks, 3)
	var p handoff.ChunkPayload
	require.NoError(t, tasks[2].Decode(&p))
	assert.Equal(t, handoff.ChunkPayload{JobID: "job-1", ChunkNumber: 2}, p)
	assert.Equal(t, "chunk:job-1:2", tasks[2].DedupeKey)

	job := h.store.job("job-1")
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 3, job.TotalChunks)
	assert.Equal(t, 1, job.Failed)
	assert.Len(t, job.ErrorSamples, 1)
}

func TestCreateChunks_UsesStoredChunkSize(t *testing.T) {
	h := newHarness()
	h.store.linesPer = 4
	h.files["a.csv"] = csvFile(9)
	h.store.add(Job{ID: "job-1", FilePath: "a.csv"})

	res, err := NewChunker(h.deps, Settings{LinesPerChunk: 500}).CreateChunks(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalChunks)
}

func TestCreateChunks_ResumesAfterExistingChunks(t *testing.T) {
	h := newHarness()
	h.files["a.csv"] = csvFile(5)
	h.store.add(Job{ID: "job-1", FilePath: "a.csv", Status: StatusProcessing})
	_, err := h.store.InsertChunks(context.Background(), "job-1", []NewChunk{{Number: 0, Rows: []ChunkRow{{Line: 1}, {Line: 2}}}})
	require.NoError(t, err)

	res, err := NewChunker(h.deps, Settings{LinesPerChunk: 2}).CreateChunks(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, 1, res.FirstChunk)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 3, h.store.chunks["job-1"][1].rows[0].Line)
	assert.Equal(t, 5, h.store.chunks["job-1"][2].rows[0].Line)
}

func TestCreateChunks_AlreadyChunkedIsNoop(t *testing.T) {
	h := newHarness()
	h.store.add(Job{ID: "job-1", FilePath: "a.csv", Status: StatusProcessing, TotalChunks: 4})

	res, err := NewChunker(h.deps, Settings{}).CreateChunks(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.queue.tasks)
}

func TestCreateChunks_MissingHeadersFailsJob(t *testing.T) {
	h := newHarness()
	h.files["a.csv"] = "Nom,FE\nx,1\n"
	h.store.add(Job{ID: "job-1", FilePath: "a.csv"})

	_, err := NewChunker(h.deps, Settings{}).CreateChunks(context.Background(), "job-1")
	require.Error(t, err)

	job := h.store.job("job-1")
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, ErrKindValidation, job.ErrorDetails.Kind)
	assert.Contains(t, job.ErrorDetails.Detail, "Source")
}

func TestCreateChunks_UserDatasetRejectsMalformedLine(t *testing.T) {
	h := newHarness()
	h.files["u.csv"] = csvFile(2, "broken,line")
	h.store.add(Job{ID: "job-u", FilePath: "u.csv", Kind: KindUser, DatasetName: "Mine", WorkspaceID: "ws-1"})

	_, err := NewChunker(h.deps, Settings{}).CreateChunks(context.Background(), "job-u")
	require.Error(t, err)

	job := h.store.job("job-u")
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.ErrorDetails)
	assert.Equal(t, ErrKindParse, job.ErrorDetails.Kind)
	assert.Contains(t, job.ErrorDetails.Detail, "strict mode")
	assert.Empty(t, h.queue.byKind(handoff.KindProcessChunk))
}

func TestCreateChunks_EmptyFileCompletesJob(t *testing.T) {
	h := newHarness()
	h.files["a.csv"] = testHeader + "\n"
	h.store.add(Job{ID: "job-1", FilePath: "a.csv"})

	res, err := NewChunker(h.deps, Settings{}).CreateChunks(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Zero(t, res.TotalChunks)
	assert.Equal(t, StatusCompleted, h.store.job("job-1").Status)
	assert.Empty(t, h.queue.byKind(handoff.KindSyncSources))
}

func TestCreateChunks_ReplaceAllRetiresOnce(t *testing.T) {
	h := newHarness()
	h.files["a.csv"] = csvFile(2)
	h.store.add(Job{ID: "job-1", FilePath: "a.csv", ReplaceAll: true, Language: "en"})

	_, err := NewChunker(h.deps, Settings{}).CreateChunks(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"en"}, h.writer.retired)
}

func TestCreateChunks_InsertFailureFailsJob(t *testing.T) {
	h := newHarness()
	h.files["a.csv"] = csvFile(3)
	h.store.add(Job{ID: "job-1", FilePath: "a.csv"})
	h.store.failNext["InsertChunks"] = errBoom

	_, err := NewChunker(h.deps, Settings{LinesPerChunk: 2}).CreateChunks(context.Background(), "job-1")
	require.ErrorIs(t, err, errBoom)

	job := h.store.job("job-1")
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, ErrKindStorage, job.ErrorDetails.Kind)
}

func TestCreateChunks_UnknownJob(t *testing.T) {
	h := newHarness()
	_, err := NewChunker(h.deps, Settings{}).CreateChunks(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
