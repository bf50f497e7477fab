package job

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"policypulse/src/tabular"
)

// TopicIngestJobs is the queue topic carrying ingest work items.
const TopicIngestJobs = "ingest.jobs"

// metadataPolicyID lets the worker route a message to its policy lane
// without unmarshaling the full payload.
const metadataPolicyID = "policy_id"

// WorkItem is the queue message for one ingest job: the job id plus every
// parsed row, in file order.
type WorkItem struct {
	JobID    string        `json:"job_id"`
	PolicyID int64         `json:"policy_id"`
	Rows     []tabular.Row `json:"rows"`
}

// UploadArchive stores the raw uploaded file for the audit trail.
type UploadArchive interface {
	StoreUpload(ctx context.Context, jobID, filename string, data []byte) (string, error)
}

// Service creates queued ingest jobs and publishes their work items.
type Service struct {
	publisher message.Publisher
	repo      Repository
	archive   UploadArchive
	logger    logr.Logger
}

func NewService(publisher message.Publisher, repo Repository, archive UploadArchive, logger logr.Logger) *Service {
	return &Service{
		publisher: publisher,
		repo:      repo,
		archive:   archive,
		logger:    logger,
	}
}

// Submit creates a job in the queued state and enqueues its work item.
// The raw file bytes are archived best-effort; an archive failure never
// rejects the submission. A publish failure marks the job failed, since
// no worker will ever pick it up.
func (s *Service) Submit(ctx context.Context, policyID int64, filename, uploaderID string, doc *tabular.Document, raw []byte) (*IngestJob, error) {
	job := &IngestJob{
		ID:         uuid.NewString(),
		PolicyID:   policyID,
		Filename:   filename,
		UploaderID: uploaderID,
		Status:     StatusQueued,
		TotalRows:  len(doc.Rows),
		Errors:     ErrorList{},
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if s.archive != nil && len(raw) > 0 {
		if _, err := s.archive.StoreUpload(ctx, job.ID, filename, raw); err != nil {
			s.logger.Error(err, "failed to archive upload", "jobId", job.ID)
		}
	}

	payload, err := json.Marshal(WorkItem{
		JobID:    job.ID,
		PolicyID: policyID,
		Rows:     doc.Rows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal work item: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataPolicyID, strconv.FormatInt(policyID, 10))
	if err := s.publisher.Publish(TopicIngestJobs, msg); err != nil {
		// No worker will ever see this job; fail it so pollers are not left
		// watching a queued record forever.
		publishErr := fmt.Errorf("failed to publish work item: %w", err)
		if finishErr := s.repo.Finish(ctx, job.ID, StatusFailed, 0,
			[]string{publishErr.Error()}, time.Now().UTC()); finishErr != nil {
			s.logger.Error(finishErr, "failed to mark unpublished job failed", "jobId", job.ID)
		}
		return nil, publishErr
	}

	s.logger.Info("ingest job enqueued",
		"jobId", job.ID, "policyId", policyID, "totalRows", job.TotalRows)
	return job, nil
}
