// Package jobs implements the job lifecycle engine sitting on top of
// the translation pipeline and result cache — admission, a priority
// queue, a worker pool that drives jobs through decompilation and
// translation, and the control operations (cancel/retry/reset) the API
// layer exposes. Job state lives in the shared KV store so a restarted
// process can recover in-flight work.
package jobs

import (
	"fmt"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/pipeline"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// IsTerminal reports whether status never transitions again except
// failed -> pending via an explicit retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsRecoverable reports whether a job in this status should be resumed
// after a process restart.
func (s Status) IsRecoverable() bool {
	switch s {
	case StatusPending, StatusProcessing:
		return true
	default:
		return false
	}
}

// Priority is the admission priority class; queue ordering is by
// priority first, then FIFO by admission sequence within a priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// rank orders priorities for the queue score: smaller sorts first, so
// urgent gets the smallest rank.
var priorityRank = map[Priority]int64{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityNormal: 2,
	PriorityLow:    3,
}

func (p Priority) rank() int64 {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// Valid reports whether p is one of the four recognized priority names.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// FileRef identifies the uploaded file a job analyzes. The decompiler
// itself is out of scope; this is the minimal handle the Decompiler
// interface is invoked with.
type FileRef struct {
	StoragePath string `json:"storage_path"`
	FileHash    string `json:"file_hash"`
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Job is the persisted unit of work. Field names follow the HTTP/JSON
// wire shape directly since the API layer serializes it with minimal
// translation.
type Job struct {
	ID            string               `json:"id"`
	Sequence      int64                `json:"sequence"`
	File          FileRef              `json:"file"`
	Priority      Priority             `json:"priority"`
	Status        Status               `json:"status"`
	Config        pipeline.Config      `json:"config"`
	Preferences   selector.Preferences `json:"preferences"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	Progress      int                  `json:"progress"`
	CurrentStep   string               `json:"current_step,omitempty"`
	WorkerID      *string              `json:"worker_id,omitempty"`
	RetryCount    int                  `json:"retry_count"`
	MaxRetries    int                  `json:"max_retries"`
	ErrorMessage  *string              `json:"error_message,omitempty"`
	CallbackURL   *string              `json:"callback_url,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Tags          []string             `json:"tags,omitempty"`
	Metadata      map[string]string    `json:"metadata,omitempty"`
	Result        *pipeline.Result     `json:"result,omitempty"`
}

// queueScore is this job's stable sort key in the pending priority
// queue: priority rank as the coarse bucket, admission sequence as the
// FIFO tie-break within it. Using the monotonic sequence rather than a
// timestamp keeps every member's score exact under float64 and unique,
// which the KV store's exact-score ZRemRangeByScore removal depends on.
func (j *Job) queueScore() float64 {
	return float64(j.Priority.rank())*1e12 + float64(j.Sequence)
}

// validateInvariants checks Job's structural invariants:
// started_at >= created_at, completed_at >= started_at, progress==100
// iff completed, worker_id set iff processing, retry_count never
// negative. It is called after every local mutation, before persisting.
func (j *Job) validateInvariants() error {
	if j.StartedAt != nil && j.StartedAt.Before(j.CreatedAt) {
		return fmt.Errorf("jobs: started_at before created_at for %s", j.ID)
	}
	if j.CompletedAt != nil && j.StartedAt != nil && j.CompletedAt.Before(*j.StartedAt) {
		return fmt.Errorf("jobs: completed_at before started_at for %s", j.ID)
	}
	if j.Status == StatusCompleted && j.Progress != 100 {
		return fmt.Errorf("jobs: completed job %s has progress %d, want 100", j.ID, j.Progress)
	}
	if (j.Status == StatusProcessing) != (j.WorkerID != nil) {
		return fmt.Errorf("jobs: worker_id presence (%v) disagrees with processing status for %s", j.WorkerID != nil, j.ID)
	}
	if j.RetryCount < 0 {
		return fmt.Errorf("jobs: negative retry_count for %s", j.ID)
	}
	return nil
}

// transitionTo applies status and the bookkeeping each transition
// implies, in place. Callers must persist the result.
func (j *Job) transitionTo(status Status, now time.Time) {
	switch status {
	case StatusProcessing:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case StatusCompleted:
		j.Progress = 100
		j.CompletedAt = &now
		j.WorkerID = nil
	case StatusFailed, StatusCancelled, StatusTimeout:
		j.CompletedAt = &now
		j.WorkerID = nil
	case StatusPending:
		j.WorkerID = nil
		j.StartedAt = nil
		j.CompletedAt = nil
		j.Progress = 0
		j.ErrorMessage = nil
	}
	j.Status = status
	j.UpdatedAt = now
}
