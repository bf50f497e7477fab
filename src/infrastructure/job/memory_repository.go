package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository used by tests and by local
// development without Postgres. It enforces the same lifecycle guards as
// the Postgres implementation.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*IngestJob
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]*IngestJob)}
}

func (r *MemoryRepository) Create(_ context.Context, job *IngestJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *job
	if stored.Errors == nil {
		stored.Errors = ErrorList{}
	}
	r.jobs[job.ID] = &stored
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*IngestJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return copyJob(stored), nil
}

func (r *MemoryRepository) ListByPolicy(_ context.Context, policyID int64) ([]IngestJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var jobs []IngestJob
	for _, stored := range r.jobs {
		if stored.PolicyID == policyID {
			jobs = append(jobs, *copyJob(stored))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (r *MemoryRepository) MarkProcessing(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[id]
	if !ok || stored.Status.Terminal() {
		return ErrTerminal
	}
	stored.Status = StatusProcessing
	stored.ProcessedRows = 0
	stored.Errors = ErrorList{}
	return nil
}

func (r *MemoryRepository) SaveProgress(_ context.Context, id string, processedRows int, errs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[id]
	if !ok || stored.Status != StatusProcessing {
		return ErrTerminal
	}
	stored.ProcessedRows = processedRows
	stored.Errors = append(ErrorList{}, errs...)
	return nil
}

func (r *MemoryRepository) Finish(_ context.Context, id string, status Status, processedRows int, errs []string, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[id]
	if !ok || stored.Status.Terminal() {
		return ErrTerminal
	}
	stored.Status = status
	stored.ProcessedRows = processedRows
	stored.Errors = append(ErrorList{}, errs...)
	stored.FinishedAt = &finishedAt
	return nil
}

func copyJob(stored *IngestJob) *IngestJob {
	out := *stored
	out.Errors = append(ErrorList{}, stored.Errors...)
	if stored.FinishedAt != nil {
		finished := *stored.FinishedAt
		out.FinishedAt = &finished
	}
	return &out
}
