package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"policypulse/src/storage/postgres/commentctrl"
)

const (
	defaultCommentPageSize = 50
	maxCommentPageSize     = 200
)

// CommentLister reads a policy's persisted comments, newest first.
type CommentLister interface {
	ListByPolicy(ctx context.Context, policyID int64, limit, offset int) ([]commentctrl.Comment, error)
}

type CommentHandler struct {
	comments CommentLister
}

func NewCommentHandler(comments CommentLister) *CommentHandler {
	return &CommentHandler{comments: comments}
}

// ListByPolicy returns one page of a policy's comments. Ingested rows show
// up here once their job has persisted them, including mid-job.
func (h *CommentHandler) ListByPolicy(c *gin.Context) {
	policyID, err := strconv.ParseInt(c.Param("policyId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid policy id"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultCommentPageSize)))
	if err != nil || limit <= 0 {
		limit = defaultCommentPageSize
	}
	if limit > maxCommentPageSize {
		limit = maxCommentPageSize
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	comments, err := h.comments.ListByPolicy(c.Request.Context(), policyID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list comments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"comments": comments,
		"limit":    limit,
		"offset":   offset,
	})
}
