package job

import "sync"

// ProgressTracker keeps the live processed-row count per job between batch
// persists, so pollers see fresher progress than the durable record. The
// worker is the only writer; the status endpoint reads.
type ProgressTracker struct {
	mu     sync.RWMutex
	counts map[string]int
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{counts: make(map[string]int)}
}

func (t *ProgressTracker) Set(jobID string, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[jobID] = processed
}

func (t *ProgressTracker) Get(jobID string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	processed, ok := t.counts[jobID]
	return processed, ok
}

// Forget drops a job's live counter once it reached a terminal state.
func (t *ProgressTracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, jobID)
}
