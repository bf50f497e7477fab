// Package ingestctrl drives the row loop for bulk comment ingestion jobs.
package ingestctrl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"policypulse/src/infrastructure/integrations/enrichment"
	"policypulse/src/infrastructure/job"
	"policypulse/src/infrastructure/realtime"
	"policypulse/src/storage/postgres/commentctrl"
	"policypulse/src/tabular"
)

// CommentStore persists row-derived comments. Create must be idempotent
// with respect to the comment's dedupe key.
type CommentStore interface {
	Create(ctx context.Context, comment *commentctrl.Comment) error
}

// Enricher produces best-effort enrichment for a comment's text; a nil
// result means the row is persisted without enrichment fields.
type Enricher interface {
	Enrich(ctx context.Context, text string) *enrichment.Result
}

// Config tunes the row loop.
type Config struct {
	// BatchSize is how many rows are processed between progress persists.
	BatchSize int
	// MaxErrors caps the persisted error list; errors beyond the cap are
	// counted and reported as a single summary entry.
	MaxErrors int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 1000
	}
	return c
}

// IngestTask executes one ingest job: transform each row, enrich it
// best-effort, persist the comment, and track progress. A bad row never
// aborts the job; only errors outside the row loop do.
type IngestTask struct {
	jobs        job.Repository
	comments    CommentStore
	enricher    Enricher
	broadcaster realtime.Broadcaster
	progress    *job.ProgressTracker
	cfg         Config
	logger      logr.Logger
}

func NewIngestTask(
	jobs job.Repository,
	comments CommentStore,
	enricher Enricher,
	broadcaster realtime.Broadcaster,
	progress *job.ProgressTracker,
	cfg Config,
	logger logr.Logger,
) *IngestTask {
	return &IngestTask{
		jobs:        jobs,
		comments:    comments,
		enricher:    enricher,
		broadcaster: broadcaster,
		progress:    progress,
		cfg:         cfg.withDefaults(),
		logger:      logger,
	}
}

// Handle runs the row loop for one work item. A returned error marks the
// attempt failed and makes the queue retry the whole job; retried jobs
// restart from the first row and rely on dedupe keys to skip rows that
// were already persisted.
func (t *IngestTask) Handle(ctx context.Context, item job.WorkItem) error {
	record, err := t.jobs.Get(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if record == nil {
		return fmt.Errorf("job not found: %s", item.JobID)
	}
	if record.Status.Terminal() {
		// Duplicate delivery of an already finished job.
		return nil
	}

	if err := t.jobs.MarkProcessing(ctx, item.JobID); err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	t.progress.Set(item.JobID, 0)
	t.publishJobUpdate(ctx, record, job.StatusProcessing, 0, 0)

	collector := newErrorCollector(t.cfg.MaxErrors)
	processed := 0
	for i, row := range item.Rows {
		if rowErr := t.processRow(ctx, item, i, row); rowErr != nil {
			collector.add(fmt.Sprintf("row %d: %v", i+1, rowErr))
		}
		processed++
		t.progress.Set(item.JobID, processed)

		if processed%t.cfg.BatchSize == 0 && processed < len(item.Rows) {
			if err := t.jobs.SaveProgress(ctx, item.JobID, processed, collector.list()); err != nil {
				return fmt.Errorf("failed to save progress: %w", err)
			}
			t.publishJobUpdate(ctx, record, job.StatusProcessing, processed, collector.count())
		}
	}

	finishedAt := time.Now().UTC()
	if err := t.jobs.Finish(ctx, item.JobID, job.StatusCompleted, processed, collector.list(), finishedAt); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	t.progress.Forget(item.JobID)
	t.publishJobUpdate(ctx, record, job.StatusCompleted, processed, collector.count())

	t.logger.Info("ingest job completed",
		"jobId", item.JobID, "policyId", item.PolicyID,
		"rows", processed, "rowErrors", collector.count())
	return nil
}

// Abort marks the job failed after the queue exhausted its retries.
func (t *IngestTask) Abort(ctx context.Context, item job.WorkItem, cause error) {
	record, err := t.jobs.Get(ctx, item.JobID)
	if err != nil || record == nil {
		t.logger.Error(err, "failed to load job for abort", "jobId", item.JobID)
		return
	}
	if record.Status.Terminal() {
		return
	}

	processed := record.ProcessedRows
	if live, ok := t.progress.Get(item.JobID); ok {
		processed = live
	}
	errs := append([]string(nil), record.Errors...)
	errs = append(errs, cause.Error())

	if err := t.jobs.Finish(ctx, item.JobID, job.StatusFailed, processed, errs, time.Now().UTC()); err != nil {
		t.logger.Error(err, "failed to mark job failed", "jobId", item.JobID)
		return
	}
	t.progress.Forget(item.JobID)
	t.publishJobUpdate(ctx, record, job.StatusFailed, processed, len(errs))
	t.logger.Info("ingest job failed", "jobId", item.JobID, "cause", cause.Error())
}

// processRow handles a single row. A returned error is row-scoped: it is
// recorded against the job and the loop continues.
func (t *IngestTask) processRow(ctx context.Context, item job.WorkItem, index int, row tabular.Row) error {
	draft, err := tabular.TransformRow(row)
	if err != nil {
		return err
	}

	comment := &commentctrl.Comment{
		PolicyID:    item.PolicyID,
		SourceID:    draft.SourceID,
		Text:        draft.Text,
		Author:      draft.Author,
		City:        draft.City,
		State:       draft.State,
		Lat:         draft.Lat,
		Lon:         draft.Lon,
		SubmittedAt: draft.SubmittedAt,
		DedupeKey:   dedupeKey(item.JobID, index+1, row),
	}

	// Enrichment is awaited inline; its client owns the timeout and
	// swallows every failure, so it can only ever add fields.
	if t.enricher != nil {
		if result := t.enricher.Enrich(ctx, draft.Text); result != nil {
			comment.SentimentScore = &result.SentimentScore
			comment.SummaryShort = &result.SummaryShort
			comment.SummaryDetailed = &result.SummaryDetailed
			comment.Keywords = commentctrl.Keywords(result.Keywords)
		}
	}

	if err := t.comments.Create(ctx, comment); err != nil {
		return fmt.Errorf("failed to persist comment: %w", err)
	}
	return nil
}

func (t *IngestTask) publishJobUpdate(ctx context.Context, record *job.IngestJob, status job.Status, processed, errorCount int) {
	event := realtime.Event{
		Channel: realtime.PolicyChannel(record.PolicyID),
		Type:    realtime.EventJobUpdate,
		Payload: realtime.Payload(map[string]interface{}{
			"jobId":         record.ID,
			"policyId":      record.PolicyID,
			"status":        status,
			"totalRows":     record.TotalRows,
			"processedRows": processed,
			"progress":      job.ProgressPercent(processed, record.TotalRows),
			"errorCount":    errorCount,
		}),
	}
	if err := t.broadcaster.Publish(ctx, event); err != nil {
		t.logger.Error(err, "failed to publish job update", "jobId", record.ID)
	}
}

// dedupeKey derives the per-row idempotency key from the job id, the
// 1-based row index and the row's content.
func dedupeKey(jobID string, rowIndex int, row tabular.Row) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", jobID, rowIndex)
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, row[k])
		io.WriteString(h, ";")
	}
	return hex.EncodeToString(h.Sum(nil))
}

type errorCollector struct {
	max        int
	errs       []string
	suppressed int
}

func newErrorCollector(max int) *errorCollector {
	return &errorCollector{max: max}
}

func (c *errorCollector) add(err string) {
	if len(c.errs) >= c.max {
		c.suppressed++
		return
	}
	c.errs = append(c.errs, err)
}

func (c *errorCollector) count() int {
	return len(c.errs) + c.suppressed
}

// list returns the persisted error snapshot, ending with a summary entry
// when the cap suppressed anything.
func (c *errorCollector) list() []string {
	out := append([]string(nil), c.errs...)
	if c.suppressed > 0 {
		out = append(out, fmt.Sprintf("%d additional row errors suppressed (cap %d)", c.suppressed, c.max))
	}
	return out
}
