package server

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/batcher"
	"github.com/sells-group/ef-pipeline/internal/handoff"
	"github.com/sells-group/ef-pipeline/internal/searchsync"
)

func (s *Server) dbWebhook(w http.ResponseWriter, r *http.Request) {
	if s.d.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "batcher not configured")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	events, err := batcher.DecodeMany(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted := 0
	for _, ev := range events {
		if s.d.Events.Add(ev) {
			accepted++
		}
	}
	s.log.Debug("webhook events", zap.Int("received", len(events)), zap.Int("accepted", accepted))
	writeOK(w, http.StatusOK, map[string]any{
		"received": len(events),
		"accepted": accepted,
		"ignored":  len(events) - accepted,
		"metrics":  s.d.Events.Metrics(),
	})
}

type syncRequest struct {
	Sources          []string             `json:"sources"`
	Operation        searchsync.Operation `json:"operation"`
	Priority         int                  `json:"priority"`
	EstimatedRecords int                  `json:"estimated_records"`
}

func (s *Server) queueSync(w http.ResponseWriter, r *http.Request) {
	if s.d.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync optimizer not configured")
		return
	}
	var req syncRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Operation == "" {
		req.Operation = searchsync.OpFullSync
	}
	if req.Priority <= 0 {
		req.Priority = 2
	}

	id, err := s.d.Sync.Add(searchsync.Job{
		Sources:          req.Sources,
		Operation:        req.Operation,
		Priority:         req.Priority,
		EstimatedRecords: req.EstimatedRecords,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, http.StatusAccepted, map[string]any{"job_id": id, "queue": s.d.Sync.Status()})
}

func (s *Server) syncStatus(w http.ResponseWriter, _ *http.Request) {
	if s.d.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync optimizer not configured")
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"queue": s.d.Sync.Status()})
}

// reindex hands the whole-index replacement to a worker: it outlives any
// request timeout.
func (s *Server) reindex(w http.ResponseWriter, r *http.Request) {
	if s.d.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	task, err := handoff.NewTask(handoff.KindSyncSources,
		handoff.SyncPayload{Operation: handoff.OpReindex, Priority: 1}, "reindex")
	if err != nil {
		s.internalError(w, "build reindex task", err)
		return
	}
	if err := s.d.Queue.Enqueue(r.Context(), task); err != nil {
		s.internalError(w, "enqueue reindex", err)
		return
	}
	writeOK(w, http.StatusAccepted, map[string]any{"task_id": task.ID})
}

type assignmentRequest struct {
	SourceName  string `json:"source_name"`
	WorkspaceID string `json:"workspace_id"`
	Action      string `json:"action"`
	AssignedBy  string `json:"assigned_by"`
}

// changeAssignment grants or revokes a workspace's access to a source and
// feeds the change to the batcher, which resyncs the source.
func (s *Server) changeAssignment(w http.ResponseWriter, r *http.Request) {
	if s.d.Assignments == nil || s.d.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "assignments not configured")
		return
	}
	var req assignmentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SourceName == "" || req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "source_name and workspace_id are required")
		return
	}
	action := strings.ToLower(req.Action)
	if action == "" {
		action = "assign"
	}
	if action != "assign" && action != "unassign" {
		writeError(w, http.StatusBadRequest, "action must be assign or unassign")
		return
	}

	name, err := s.d.Assignments.ExactName(r.Context(), req.SourceName)
	if err != nil {
		s.internalError(w, "resolve source", err)
		return
	}
	if name == "" {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}

	var (
		changed bool
		op      = batcher.OpInsert
	)
	if action == "assign" {
		changed, err = s.d.Assignments.Assign(r.Context(), name, req.WorkspaceID, req.AssignedBy)
	} else {
		op = batcher.OpDelete
		changed, err = s.d.Assignments.Unassign(r.Context(), name, req.WorkspaceID)
	}
	if err != nil {
		s.internalError(w, action, err)
		return
	}

	queued := false
	if changed {
		queued = s.d.Events.Add(batcher.AssignmentEvent{Op: op, SourceName: name, WorkspaceID: req.WorkspaceID})
	}
	writeOK(w, http.StatusOK, map[string]any{
		"source_name":  name,
		"workspace_id": req.WorkspaceID,
		"action":       action,
		"changed":      changed,
		"sync_queued":  queued,
	})
}
