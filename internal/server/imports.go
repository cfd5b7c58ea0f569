package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/ef-pipeline/internal/factor"
	"github.com/sells-group/ef-pipeline/internal/importjob"
)

func (s *Server) submitImport(w http.ResponseWriter, r *http.Request) {
	if s.d.Jobs == nil || s.d.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "imports not configured")
		return
	}
	var nj importjob.NewJob
	if !decode(w, r, &nj) {
		return
	}
	if err := nj.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := importjob.Submit(r.Context(), s.d.Jobs, s.d.Queue, nj)
	if err != nil && job == nil {
		s.internalError(w, "submit import", err)
		return
	}
	fields := map[string]any{"job_id": job.ID, "job": job}
	if err != nil {
		// The job exists and the worker schedule will start it.
		fields["warning"] = err.Error()
	}
	writeOK(w, http.StatusAccepted, fields)
}

type analyzeRequest struct {
	FilePath    string `json:"file_path"`
	Language    string `json:"language"`
	DatasetName string `json:"dataset_name"`
	WorkspaceID string `json:"workspace_id"`
}

func (s *Server) analyzeImport(w http.ResponseWriter, r *http.Request) {
	if s.d.Analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "analyzer not configured")
		return
	}
	var req analyzeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	if req.Language == "" {
		req.Language = "fr"
	}

	report, err := s.d.Analyzer.Analyze(r.Context(), req.FilePath, factor.Options{
		Language:       req.Language,
		OverrideSource: req.DatasetName,
		WorkspaceID:    req.WorkspaceID,
	})
	if err != nil {
		s.internalError(w, "analyze import", err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"analysis": report})
}

type jobRequest struct {
	JobID       string `json:"job_id"`
	ChunkNumber *int   `json:"chunk_number,omitempty"`
}

func (s *Server) jobRequest(w http.ResponseWriter, r *http.Request) (jobRequest, bool) {
	var req jobRequest
	if !decode(w, r, &req) {
		return req, false
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return req, false
	}
	return req, true
}

func (s *Server) createChunks(w http.ResponseWriter, r *http.Request) {
	if s.d.Chunker == nil {
		writeError(w, http.StatusServiceUnavailable, "chunker not configured")
		return
	}
	req, ok := s.jobRequest(w, r)
	if !ok {
		return
	}
	res, err := s.d.Chunker.CreateChunks(r.Context(), req.JobID)
	if err != nil {
		s.internalError(w, "create chunks", err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) processChunk(w http.ResponseWriter, r *http.Request) {
	if s.d.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processor not configured")
		return
	}
	req, ok := s.jobRequest(w, r)
	if !ok {
		return
	}
	if req.ChunkNumber == nil || *req.ChunkNumber < 0 {
		writeError(w, http.StatusBadRequest, "chunk_number is required")
		return
	}
	res, err := s.d.Processor.ProcessChunk(r.Context(), req.JobID, *req.ChunkNumber)
	if err != nil {
		s.internalError(w, "process chunk", err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) stepImport(w http.ResponseWriter, r *http.Request) {
	if s.d.Stepper == nil {
		writeError(w, http.StatusServiceUnavailable, "stepper not configured")
		return
	}
	req, ok := s.jobRequest(w, r)
	if !ok {
		return
	}
	res, err := s.d.Stepper.Step(r.Context(), req.JobID)
	if err != nil {
		s.internalError(w, "import step", err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) runWorker(w http.ResponseWriter, r *http.Request) {
	if s.d.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "worker not configured")
		return
	}
	res, err := s.d.Worker.RunOnce(r.Context())
	if err != nil {
		s.internalError(w, "worker run", err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.d.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "jobs not configured")
		return
	}
	f := importjob.ListFilter{Status: importjob.Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	jobs, err := s.d.Jobs.List(r.Context(), f)
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []importjob.Job{}
	}
	writeOK(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.d.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "jobs not configured")
		return
	}
	job, err := s.d.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "get job", err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"job": job})
}
