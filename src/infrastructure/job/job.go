package job

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Status defines the lifecycle state of an ingest job. Transitions only
// move forward: queued -> processing -> completed | failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorList is the append-only list of row and job errors, persisted as JSON.
type ErrorList []string

func (l ErrorList) Value() (driver.Value, error) {
	if l == nil {
		l = ErrorList{}
	}
	return json.Marshal(l)
}

func (l *ErrorList) Scan(value interface{}) error {
	if value == nil {
		*l = ErrorList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for ErrorList: %T", value)
	}
}

// IngestJob is the durable record of one bulk-upload's processing lifecycle.
// It is created by the submission endpoint and mutated only by the worker
// that owns it; every other call site is a reader. Jobs are never deleted.
type IngestJob struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	PolicyID      int64      `gorm:"index;not null" json:"policy_id"`
	Filename      string     `gorm:"not null" json:"filename"`
	UploaderID    string     `json:"uploader_id"`
	Status        Status     `gorm:"not null" json:"status"`
	TotalRows     int        `gorm:"not null" json:"total_rows"`
	ProcessedRows int        `gorm:"not null" json:"processed_rows"`
	Errors        ErrorList  `gorm:"type:jsonb" json:"errors"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (IngestJob) TableName() string {
	return "ingest_jobs"
}

// ProgressPercent derives a percentage from a processed/total pair,
// rounded to the nearest integer. A zero total reports 0.
func ProgressPercent(processed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

// Repository defines the persistence contract for ingest jobs.
// Implementations must refuse any mutation of a terminal job.
type Repository interface {
	Create(ctx context.Context, job *IngestJob) error
	Get(ctx context.Context, id string) (*IngestJob, error)
	ListByPolicy(ctx context.Context, policyID int64) ([]IngestJob, error)
	// MarkProcessing moves a job into the processing state and resets its
	// counters. A queue-level retry re-enters processing the same way.
	MarkProcessing(ctx context.Context, id string) error
	// SaveProgress persists a counter/error snapshot for a live job.
	SaveProgress(ctx context.Context, id string, processedRows int, errs []string) error
	// Finish moves a job into a terminal state and sets finishedAt exactly once.
	Finish(ctx context.Context, id string, status Status, processedRows int, errs []string, finishedAt time.Time) error
}
