package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrTerminal is returned when a mutation targets a job that already
// reached a terminal state, or that does not exist.
var ErrTerminal = errors.New("job is terminal or does not exist")

type PostgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, job *IngestJob) error {
	if job.Errors == nil {
		job.Errors = ErrorList{}
	}
	result := r.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		return fmt.Errorf("failed to create ingest job: %w", result.Error)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*IngestJob, error) {
	var job IngestJob
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ingest job: %w", result.Error)
	}
	return &job, nil
}

func (r *PostgresRepository) ListByPolicy(ctx context.Context, policyID int64) ([]IngestJob, error) {
	var jobs []IngestJob
	result := r.db.WithContext(ctx).
		Where("policy_id = ?", policyID).
		Order("created_at DESC").
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list ingest jobs: %w", result.Error)
	}
	return jobs, nil
}

// MarkProcessing guards the transition with a status predicate so a job
// that already finished can never be dragged back into processing.
func (r *PostgresRepository) MarkProcessing(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ? AND status IN ?", id, []Status{StatusQueued, StatusProcessing}).
		Updates(map[string]interface{}{
			"status":         StatusProcessing,
			"processed_rows": 0,
			"errors":         ErrorList{},
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark job processing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTerminal
	}
	return nil
}

func (r *PostgresRepository) SaveProgress(ctx context.Context, id string, processedRows int, errs []string) error {
	result := r.db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]interface{}{
			"processed_rows": processedRows,
			"errors":         ErrorList(errs),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save job progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTerminal
	}
	return nil
}

func (r *PostgresRepository) Finish(ctx context.Context, id string, status Status, processedRows int, errs []string, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}
	result := r.db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ? AND status IN ?", id, []Status{StatusQueued, StatusProcessing}).
		Updates(map[string]interface{}{
			"status":         status,
			"processed_rows": processedRows,
			"errors":         ErrorList(errs),
			"finished_at":    finishedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTerminal
	}
	return nil
}
