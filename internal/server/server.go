// Package server exposes the pipeline's trigger surface over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/batcher"
	"github.com/sells-group/ef-pipeline/internal/factor"
	"github.com/sells-group/ef-pipeline/internal/handoff"
	"github.com/sells-group/ef-pipeline/internal/importjob"
	"github.com/sells-group/ef-pipeline/internal/monitoring"
	"github.com/sells-group/ef-pipeline/internal/searchsync"
)

// Jobs is the job store surface the handlers use.
type Jobs interface {
	importjob.Creator
	Get(ctx context.Context, id string) (*importjob.Job, error)
	List(ctx context.Context, f importjob.ListFilter) ([]importjob.Job, error)
}

// Chunker splits upfront jobs.
type Chunker interface {
	CreateChunks(ctx context.Context, jobID string) (*importjob.ChunkResult, error)
}

// ChunkProcessor writes one chunk.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, jobID string, number int) (*importjob.ProcessResult, error)
}

// Stepper advances incremental jobs.
type Stepper interface {
	Step(ctx context.Context, jobID string) (*importjob.StepResult, error)
}

// Worker advances the oldest unfinished job.
type Worker interface {
	RunOnce(ctx context.Context) (*importjob.RunResult, error)
}

// Analyzer produces dry-run reports.
type Analyzer interface {
	Analyze(ctx context.Context, ref string, opts factor.Options) (*importjob.Analysis, error)
}

// Events accepts decoded change events.
type Events interface {
	Add(ev batcher.Event) bool
	Metrics() batcher.Metrics
}

// SyncQueue is the optimizer surface.
type SyncQueue interface {
	Add(job searchsync.Job) (string, error)
	Status() searchsync.OptimizerStatus
}

// Assignments changes source visibility per workspace.
type Assignments interface {
	ExactName(ctx context.Context, name string) (string, error)
	Assign(ctx context.Context, source, workspaceID, assignedBy string) (bool, error)
	Unassign(ctx context.Context, source, workspaceID string) (bool, error)
}

// StatusCollector builds the /status snapshot.
type StatusCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.Snapshot, error)
}

// Deps are the collaborators behind the routes. Nil collaborators disable
// the routes that need them with 503.
type Deps struct {
	Jobs        Jobs
	Queue       handoff.Enqueuer
	Chunker     Chunker
	Processor   ChunkProcessor
	Stepper     Stepper
	Worker      Worker
	Analyzer    Analyzer
	Events      Events
	Sync        SyncQueue
	Assignments Assignments
	Status      StatusCollector

	LookbackHours int
	CORSOrigins   []string
	MetricsPath   string
}

// Server holds the routed handler.
type Server struct {
	d   Deps
	log *zap.Logger
}

// New builds the router.
func New(d Deps) http.Handler {
	s := &Server{d: d, log: zap.L().With(zap.String("component", "server"))}

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "apikey", "x-client-info"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	path := d.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	r.Handle(path, promhttp.Handler())
	r.Get("/status", s.status)

	r.Post("/imports", s.submitImport)
	r.Post("/imports/analyze", s.analyzeImport)
	r.Post("/imports/step", s.stepImport)
	r.Post("/chunks/create", s.createChunks)
	r.Post("/chunks/process", s.processChunk)
	r.Post("/worker/run", s.runWorker)
	r.Get("/jobs", s.listJobs)
	r.Get("/jobs/{id}", s.getJob)

	r.Post("/webhooks/db", s.dbWebhook)
	r.Post("/sync", s.queueSync)
	r.Get("/sync/status", s.syncStatus)
	r.Post("/reindex", s.reindex)
	r.Post("/sources/assignments", s.changeAssignment)

	// Non-preflight OPTIONS requests still answer 200 with the CORS headers.
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.d.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status collector not configured")
		return
	}
	snap, err := s.d.Status.Collect(r.Context(), s.d.LookbackHours)
	if err != nil {
		s.internalError(w, "collect status", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK answers {"ok": true, ...fields}.
func writeOK(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
