package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"policypulse/src/infrastructure/job"
	"policypulse/src/tabular"
)

// DefaultMaxUploadBytes bounds uploaded file size (10MB).
const DefaultMaxUploadBytes = 10 << 20

// PolicyFinder checks that a submission's target policy exists. Policy
// CRUD itself belongs to another service.
type PolicyFinder interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

type IngestHandler struct {
	jobService     *job.Service
	jobs           job.Repository
	policies       PolicyFinder
	progress       *job.ProgressTracker
	maxUploadBytes int64
}

func NewIngestHandler(jobService *job.Service, jobs job.Repository, policies PolicyFinder, progress *job.ProgressTracker, maxUploadBytes int64) *IngestHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &IngestHandler{
		jobService:     jobService,
		jobs:           jobs,
		policies:       policies,
		progress:       progress,
		maxUploadBytes: maxUploadBytes,
	}
}

// Submit validates an uploaded spreadsheet and creates a queued ingest
// job. No job record is created on any validation failure.
func (h *IngestHandler) Submit(c *gin.Context) {
	policyID, err := strconv.ParseInt(c.Param("policyId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid policy id"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	defer file.Close()

	if header.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds upload size limit"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds upload size limit"})
		return
	}

	doc, err := tabular.Parse(header.Filename, data)
	if err != nil {
		var missing *tabular.MissingHeaderError
		if errors.As(err, &missing) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":          "Missing required columns",
				"missingColumns": missing.Missing,
				"foundColumns":   missing.Found,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exists, err := h.policies.Exists(c.Request.Context(), policyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up policy"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Policy not found"})
		return
	}

	uploaderID := c.GetHeader("X-Uploader-Id")
	created, err := h.jobService.Submit(c.Request.Context(), policyID, header.Filename, uploaderID, doc, data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue ingest job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":        created.ID,
		"totalRecords": created.TotalRows,
		"status":       created.Status,
	})
}

// Status returns the durable job record plus a derived progress
// percentage. While a job is processing, the live in-memory counter is
// preferred over the last batch-persisted value.
func (h *IngestHandler) Status(c *gin.Context) {
	record, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, h.jobResponse(record))
}

// ListByPolicy returns every ingest job targeting a policy, newest first.
func (h *IngestHandler) ListByPolicy(c *gin.Context) {
	policyID, err := strconv.ParseInt(c.Param("policyId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid policy id"})
		return
	}

	records, err := h.jobs.ListByPolicy(c.Request.Context(), policyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	jobs := make([]gin.H, 0, len(records))
	for i := range records {
		jobs = append(jobs, h.jobResponse(&records[i]))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *IngestHandler) jobResponse(record *job.IngestJob) gin.H {
	processed := record.ProcessedRows
	if record.Status == job.StatusProcessing {
		if live, ok := h.progress.Get(record.ID); ok && live > processed {
			processed = live
		}
	}

	var finishedAt *time.Time
	if record.FinishedAt != nil {
		finishedAt = record.FinishedAt
	}
	return gin.H{
		"id":            record.ID,
		"policyId":      record.PolicyID,
		"filename":      record.Filename,
		"status":        record.Status,
		"totalRows":     record.TotalRows,
		"processedRows": processed,
		"errors":        record.Errors,
		"createdAt":     record.CreatedAt,
		"finishedAt":    finishedAt,
		"progress":      job.ProgressPercent(processed, record.TotalRows),
	}
}
