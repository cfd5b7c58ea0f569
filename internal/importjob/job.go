// Package importjob drives CSV/XLSX imports: the job and chunk status store,
// the upfront chunker, the incremental stepper, the chunk processor and the
// dry-run analyzer.
package importjob

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Status of an import job.
type Status string

// Job statuses. Completed and failed are terminal.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further work may happen on a job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode selects how a job is split into work.
type Mode string

// Import modes.
const (
	ModeUpfront     Mode = "upfront"
	ModeIncremental Mode = "incremental"
)

// Kind distinguishes catalog imports from user datasets.
type Kind string

// Job kinds.
const (
	KindAdmin Kind = "admin"
	KindUser  Kind = "user"
)

// Error kinds stored in ErrorDetails.
const (
	ErrKindParse      = "parse"
	ErrKindValidation = "validation"
	ErrKindStorage    = "storage"
)

// ErrorDetails is the structured failure reason of a job.
type ErrorDetails struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *ErrorDetails) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Job is one import_jobs row.
type Job struct {
	ID              string        `json:"id"`
	FilePath        string        `json:"file_path"`
	Language        string        `json:"language"`
	ReplaceAll      bool          `json:"replace_all"`
	Mode            Mode          `json:"mode"`
	Kind            Kind          `json:"job_kind"`
	DatasetName     string        `json:"dataset_name,omitempty"`
	WorkspaceID     string        `json:"workspace_id,omitempty"`
	Status          Status        `json:"status"`
	TotalLines      int           `json:"total_lines"`
	CurrentLine     int           `json:"current_line"`
	TotalChunks     int           `json:"total_chunks"`
	ProcessedChunks int           `json:"processed_chunks"`
	Processed       int           `json:"processed"`
	Inserted        int           `json:"inserted"`
	Failed          int           `json:"failed"`
	ProgressPercent float64       `json:"progress_percent"`
	ErrorDetails    *ErrorDetails `json:"error_details,omitempty"`
	ErrorSamples    []string      `json:"error_samples"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	LastCheckpoint  *time.Time    `json:"last_checkpoint,omitempty"`
}

// NewJob is the input of Store.Create.
type NewJob struct {
	FilePath    string `json:"file_path"`
	Language    string `json:"language"`
	ReplaceAll  bool   `json:"replace_all"`
	Mode        Mode   `json:"mode"`
	Kind        Kind   `json:"job_kind"`
	DatasetName string `json:"dataset_name"`
	WorkspaceID string `json:"workspace_id"`
}

// Normalize fills defaults and rejects input no stage could run.
func (nj *NewJob) Normalize() error {
	if nj.FilePath == "" {
		return eris.New("importjob: file_path is required")
	}
	if nj.Language == "" {
		nj.Language = "fr"
	}
	if nj.Mode == "" {
		nj.Mode = ModeUpfront
	}
	if nj.Mode != ModeUpfront && nj.Mode != ModeIncremental {
		return eris.Errorf("importjob: invalid mode %q", nj.Mode)
	}
	if nj.Kind == "" {
		nj.Kind = KindAdmin
	}
	if nj.Kind != KindAdmin && nj.Kind != KindUser {
		return eris.Errorf("importjob: invalid job kind %q", nj.Kind)
	}
	if nj.Kind == KindUser && (nj.DatasetName == "" || nj.WorkspaceID == "") {
		return eris.New("importjob: user imports need dataset_name and workspace_id")
	}
	return nil
}

// ChunkRow is one header-mapped data line stored in a chunk.
type ChunkRow struct {
	Line   int               `json:"line"`
	Fields map[string]string `json:"fields"`
}

// NewChunk is a chunk ready to be persisted.
type NewChunk struct {
	Number int
	Rows   []ChunkRow
}

// Chunk is one claimed import_chunks row.
type Chunk struct {
	ID           int64
	JobID        string
	Number       int
	Rows         []ChunkRow
	RecordsCount int
}

// Checkpoint is the progress an incremental step persists.
type Checkpoint struct {
	// PrevLine guards against two workers advancing the same cursor.
	PrevLine     int
	CurrentLine  int
	Processed    int
	Inserted     int
	Failed       int
	ErrorSamples []string
}

// Progress is the increment a processed chunk contributes.
type Progress struct {
	Chunks       int
	Processed    int
	Inserted     int
	Failed       int
	ErrorSamples []string
}

// ListFilter narrows Store.List.
type ListFilter struct {
	Status Status
	Limit  int
}

func progressPercent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return float64(int(p*100)) / 100
}

func marshalSamples(samples []string) string {
	if samples == nil {
		samples = []string{}
	}
	b, _ := json.Marshal(samples)
	return string(b)
}
