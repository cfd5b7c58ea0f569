package importjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/factor"
	"github.com/sells-group/ef-pipeline/internal/handoff"
	"github.com/sells-group/ef-pipeline/internal/scd2"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const testHeader = "ID,Nom,FE,Unité donnée d'activité,Source,Périmètre,Localisation,Date"

// csvFile builds a file with n valid rows alternating between two sources.
func csvFile(n int, extra ...string) string {
	var b strings.Builder
	b.WriteString(testHeader + "\n")
	for i := 1; i <= n; i++ {
		src := "ADEME"
		if i%2 == 0 {
			src = "EPA"
		}
		fmt.Fprintf(&b, "id-%d,Factor %d,\"0,5\",kWh,%s,Scope 2,France,2023\n", i, i, src)
	}
	for _, line := range extra {
		b.WriteString(line + "\n")
	}
	return b.String()
}

type memOpener map[string]string

func (m memOpener) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	body, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("no such file %s", ref)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type memChunk struct {
	id        int64
	rows      []ChunkRow
	processed bool
	locked    bool
	inserted  int
	errMsg    string
}

// memStore mirrors the conditional semantics of Store in memory.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	chunks     map[string]map[int]*memChunk
	nextID     int64
	linesPer   int
	maxSamples int
	writer     *fakeWriter
	failNext   map[string]error

	beforeCheckpoint func(*Job)
}

func newMemStore(w *fakeWriter) *memStore {
	return &memStore{
		jobs:       map[string]*Job{},
		chunks:     map[string]map[int]*memChunk{},
		maxSamples: 10,
		writer:     w,
		failNext:   map[string]error{},
	}
}

func (m *memStore) add(j Job) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.Language == "" {
		j.Language = "fr"
	}
	if j.Kind == "" {
		j.Kind = KindAdmin
	}
	if j.ErrorSamples == nil {
		j.ErrorSamples = []string{}
	}
	cp := j
	m.jobs[j.ID] = &cp
	return &cp
}

func (m *memStore) job(id string) Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) injected(op string) error {
	err := m.failNext[op]
	delete(m.failNext, op)
	return err
}

func (m *memStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusQueued {
		return nil, nil
	}
	j.Status = StatusProcessing
	cp := *j
	return &cp, nil
}

func (m *memStore) NextRunnable(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id, j := range m.jobs {
		if j.Status == StatusQueued || j.Status == StatusProcessing {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	cp := *m.jobs[ids[0]]
	return &cp, nil
}

func (m *memStore) MarkChunked(_ context.Context, id string, totalChunks, totalLines int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.Terminal() {
		return nil, nil
	}
	j.TotalChunks, j.TotalLines, j.Status = totalChunks, totalLines, StatusProcessing
	cp := *j
	return &cp, nil
}

func (m *memStore) SetTotalLines(_ context.Context, id string, totalLines int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].TotalLines = totalLines
	return nil
}

func (m *memStore) mergeSamples(j *Job, samples []string) {
	for _, s := range samples {
		if len(j.ErrorSamples) < m.maxSamples {
			j.ErrorSamples = append(j.ErrorSamples, s)
		}
	}
}

func (m *memStore) SaveCheckpoint(_ context.Context, id string, cp Checkpoint) (bool, error) {
	if err := m.injected("SaveCheckpoint"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if m.beforeCheckpoint != nil {
		m.beforeCheckpoint(j)
		m.beforeCheckpoint = nil
	}
	if j.Status != StatusProcessing || j.CurrentLine != cp.PrevLine {
		return false, nil
	}
	j.CurrentLine = cp.CurrentLine
	j.Processed += cp.Processed
	j.Inserted += cp.Inserted
	j.Failed += cp.Failed
	m.mergeSamples(j, cp.ErrorSamples)
	if j.TotalLines > 0 {
		j.ProgressPercent = max(j.ProgressPercent, progressPercent(cp.CurrentLine, j.TotalLines))
	}
	return true, nil
}

func (m *memStore) AddProgress(_ context.Context, id string, p Progress) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.ProcessedChunks += p.Chunks
	j.Processed += p.Processed
	j.Inserted += p.Inserted
	j.Failed += p.Failed
	m.mergeSamples(j, p.ErrorSamples)
	if j.TotalChunks > 0 {
		j.ProgressPercent = max(j.ProgressPercent, progressPercent(j.ProcessedChunks, j.TotalChunks))
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) Complete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status != StatusProcessing {
		return false, nil
	}
	j.Status = StatusCompleted
	j.ProgressPercent = 100
	return true, nil
}

func (m *memStore) Fail(_ context.Context, id string, d ErrorDetails) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.Terminal() {
		return false, nil
	}
	j.Status = StatusFailed
	j.ErrorDetails = &d
	return true, nil
}

func (m *memStore) JobSources(_ context.Context, id string) ([]string, error) {
	return m.writer.sourcesFor(id), nil
}

func (m *memStore) LinesPerChunk(_ context.Context, def int) (int, error) {
	if m.linesPer > 0 {
		return m.linesPer, nil
	}
	return def, nil
}

func (m *memStore) InsertChunks(_ context.Context, jobID string, chunks []NewChunk) (int64, error) {
	if err := m.injected("InsertChunks"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[jobID] == nil {
		m.chunks[jobID] = map[int]*memChunk{}
	}
	for _, c := range chunks {
		if _, dup := m.chunks[jobID][c.Number]; dup {
			return 0, fmt.Errorf("duplicate chunk %d", c.Number)
		}
		m.nextID++
		rows := make([]ChunkRow, len(c.Rows))
		copy(rows, c.Rows)
		m.chunks[jobID][c.Number] = &memChunk{id: m.nextID, rows: rows}
	}
	return int64(len(chunks)), nil
}

func (m *memStore) NextChunkNumber(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 0
	for n := range m.chunks[jobID] {
		if n+1 > next {
			next = n + 1
		}
	}
	return next, nil
}

func (m *memStore) chunkByID(id int64) *memChunk {
	for _, byNum := range m.chunks {
		for _, c := range byNum {
			if c.id == id {
				return c
			}
		}
	}
	return nil
}

func (m *memStore) ClaimChunk(_ context.Context, jobID string, number int) (*Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[jobID][number]
	if !ok || c.processed || c.locked {
		return nil, nil
	}
	c.locked = true
	return &Chunk{ID: c.id, JobID: jobID, Number: number, Rows: c.rows, RecordsCount: len(c.rows)}, nil
}

func (m *memStore) MarkChunkProcessed(_ context.Context, chunkID int64, inserted int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chunkByID(chunkID)
	if c.processed {
		return false, nil
	}
	c.processed, c.locked, c.inserted, c.errMsg = true, false, inserted, ""
	return true, nil
}

func (m *memStore) MarkChunkFailed(_ context.Context, chunkID int64, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chunkByID(chunkID)
	c.errMsg, c.locked = msg, false
	return nil
}

func (m *memStore) RefreshChunkProgress(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	done := 0
	for _, c := range m.chunks[jobID] {
		if c.processed {
			done++
		}
	}
	j.ProcessedChunks = done
	cp := *j
	return &cp, nil
}

func (m *memStore) PendingChunks(_ context.Context, jobID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for n, c := range m.chunks[jobID] {
		if !c.processed && !c.locked {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	calls   [][]factor.Record
	retired []string
	err     error
}

func (w *fakeWriter) Write(_ context.Context, recs []factor.Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	batch := scd2.Dedupe(recs)
	w.calls = append(w.calls, batch)
	return int64(len(batch)), nil
}

func (w *fakeWriter) RetireLanguage(_ context.Context, lang string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retired = append(w.retired, lang)
	return 3, nil
}

func (w *fakeWriter) sourcesFor(jobID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, call := range w.calls {
		for _, r := range call {
			if r.ImportJobID == jobID && !seen[r.Source] {
				seen[r.Source] = true
				out = append(out, r.Source)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (w *fakeWriter) written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		n += len(c)
	}
	return n
}

type fakeSources struct {
	mu    sync.Mutex
	names map[string]bool
}

func (f *fakeSources) Ensure(_ context.Context, names []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.names == nil {
		f.names = map[string]bool{}
	}
	for _, n := range names {
		f.names[n] = true
	}
	return int64(len(names)), nil
}

type fakeProjection struct {
	mu        sync.Mutex
	refreshed []string
	rebuilt   int
	err       error
}

func (p *fakeProjection) Refresh(_ context.Context, source string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.refreshed = append(p.refreshed, source)
	return 1, nil
}

func (p *fakeProjection) RebuildAll(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.rebuilt++
	return 10, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []handoff.Task
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, tasks ...handoff.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, tasks...)
	return nil
}

func (q *fakeQueue) byKind(k handoff.Kind) []handoff.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []handoff.Task
	for _, t := range q.tasks {
		if t.Kind == k {
			out = append(out, t)
		}
	}
	return out
}

type harness struct {
	store  *memStore
	writer *fakeWriter
	srcs   *fakeSources
	proj   *fakeProjection
	queue  *fakeQueue
	files  memOpener
	deps   Deps
}

func newHarness() *harness {
	h := &harness{
		writer: &fakeWriter{},
		srcs:   &fakeSources{},
		proj:   &fakeProjection{},
		queue:  &fakeQueue{},
		files:  memOpener{},
	}
	h.store = newMemStore(h.writer)
	h.deps = Deps{
		Store:      h.store,
		Opener:     h.files,
		Writer:     h.writer,
		Sources:    h.srcs,
		Projection: h.proj,
		Queue:      h.queue,
	}
	return h
}

var errBoom = errors.New("boom")
