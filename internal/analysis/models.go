package analysis

import (
	"time"

	"github.com/talentsift/screener/internal/score"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusUnprocessed Status = "unprocessed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether s is a final state. Terminal rows are immutable
// and only superseded by a fresh attempt row.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusUnprocessed, StatusFailed:
		return true
	}
	return false
}

// Failure codes recorded alongside unprocessed/failed rows, beyond the codes
// the parse and score adapters produce themselves.
const (
	FailureWorkerLost  = "worker_lost"
	FailureStoreError  = "store_error"
	FailureMaxAttempts = "max_attempts"
)

// AnalysisResult is one analysis attempt lineage for an applicant/job pair.
//
// Active is "1" while the row is non-terminal and NULL once terminal; the
// unique index over (applicant_id, job_id, active) is what guarantees at most
// one non-terminal row per pair.
type AnalysisResult struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	ApplicantID string `gorm:"size:64;not null;index:idx_results_pair,priority:1;uniqueIndex:uniq_results_active,priority:1"`
	JobID       string `gorm:"size:64;not null;index:idx_results_pair,priority:2;uniqueIndex:uniq_results_active,priority:2;index:idx_results_job_status"`

	Status Status  `gorm:"type:varchar(16);not null;index:idx_results_job_status"`
	Active *string `gorm:"type:varchar(1);uniqueIndex:uniq_results_active,priority:3"`

	// Filled only when completed
	Score         *int           `gorm:"type:int"`
	Category      score.Category `gorm:"type:varchar(16)"`
	Justification string         `gorm:"type:text"`

	// Filled only when unprocessed/failed
	FailureCode    string `gorm:"type:varchar(32)"`
	FailureMessage string `gorm:"type:text"`

	AttemptCount int `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AnalysisResult) TableName() string { return "analysis_results" }

// Submission is the stored resume reference for an applicant/job pair. The
// row is owned by the intake service; this engine only reads it to locate the
// blob and to select bulk candidates.
type Submission struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ApplicantID string `gorm:"size:64;not null;uniqueIndex:uniq_submission_pair,priority:1"`
	JobID       string `gorm:"size:64;not null;uniqueIndex:uniq_submission_pair,priority:2;index"`
	ResumeKey   string `gorm:"size:255;not null"`
	MimeType    string `gorm:"size:64;not null"` // application/pdf or docx, validated at upload
	CreatedAt   time.Time
}

func (Submission) TableName() string { return "submissions" }

// JobRequirement mirrors the job service's requirement sheet for one job.
// Like Submission it is externally owned; the engine reads it to build the
// scoring adapter's structured input. Skill lists are JSON-encoded arrays.
type JobRequirement struct {
	JobID       string `gorm:"primaryKey;size:64"`
	Title       string `gorm:"size:255;not null"`
	Required    string `gorm:"type:text"`
	NiceToHave  string `gorm:"type:text"`
	Description string `gorm:"type:text"`
	UpdatedAt   time.Time
}

func (JobRequirement) TableName() string { return "job_requirements" }

type BulkStatus string

const (
	BulkRunning    BulkStatus = "running"
	BulkCancelling BulkStatus = "cancelling"
	BulkCancelled  BulkStatus = "cancelled"
	BulkCompleted  BulkStatus = "completed"
)

// BulkFilter selects which applicants a bulk run targets.
type BulkFilter string

const (
	FilterUnanalyzed  BulkFilter = "unanalyzed"   // never had any result
	FilterRerunFailed BulkFilter = "rerun_failed" // latest outcome was unprocessed/failed
	FilterAll         BulkFilter = "all"          // everyone without an in-flight result
)

func ValidBulkFilter(f BulkFilter) bool {
	switch f {
	case FilterUnanalyzed, FilterRerunFailed, FilterAll:
		return true
	}
	return false
}

// BulkRun is the progress record for one bulk initiation.
type BulkRun struct {
	ID     string     `gorm:"primaryKey;size:26"`
	JobID  string     `gorm:"size:64;not null;index"`
	Filter BulkFilter `gorm:"type:varchar(16);not null"`
	Status BulkStatus `gorm:"type:varchar(16);not null"`

	AcceptedCount int `gorm:"not null;default:0"`
	SkippedCount  int `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BulkRun) TableName() string { return "bulk_runs" }

// WorkItem is the queue message for one analysis attempt. Delivery is
// at-least-once; handlers stay idempotent by checking AttemptNumber against
// the stored row. Consumers must tolerate unknown extra fields.
type WorkItem struct {
	ApplicantID   string    `json:"applicant_id"`
	JobID         string    `json:"job_id"`
	AttemptNumber int       `json:"attempt_number"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}
