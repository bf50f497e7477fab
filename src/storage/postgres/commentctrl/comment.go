package commentctrl

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Keywords is the enrichment keyword list, persisted as JSON.
type Keywords []string

func (k Keywords) Value() (driver.Value, error) {
	if k == nil {
		return nil, nil
	}
	return json.Marshal(k)
}

func (k *Keywords) Scan(value interface{}) error {
	if value == nil {
		*k = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, k)
	case string:
		return json.Unmarshal([]byte(v), k)
	default:
		return fmt.Errorf("unsupported type for Keywords: %T", value)
	}
}

// Comment is one citizen comment attached to a policy. Enrichment fields
// are nullable and filled best-effort during ingestion.
type Comment struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	PolicyID        int64      `gorm:"index;not null" json:"policy_id"`
	SourceID        string     `json:"source_id"`
	Text            string     `gorm:"not null" json:"text"`
	Author          string     `gorm:"not null" json:"author"`
	City            string     `json:"city,omitempty"`
	State           string     `json:"state,omitempty"`
	Lat             *float64   `json:"lat,omitempty"`
	Lon             *float64   `json:"lon,omitempty"`
	SentimentScore  *float64   `json:"sentiment_score,omitempty"`
	SummaryShort    *string    `json:"summary_short,omitempty"`
	SummaryDetailed *string    `json:"summary_detailed,omitempty"`
	Keywords        Keywords   `gorm:"type:jsonb" json:"keywords,omitempty"`
	DedupeKey       string     `gorm:"uniqueIndex;not null;column:dedupe_key" json:"-"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (Comment) TableName() string {
	return "comments"
}

type CommentService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewCommentService(db *gorm.DB) (*CommentService, error) {
	// Initialize snowflake node
	node, err := snowflake.NewNode(2) // Node number 2 for comments
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &CommentService{
		db:        db,
		snowflake: node,
	}, nil
}

// Create persists a comment idempotently: a comment whose dedupe key was
// already stored (a retried job re-attempting the same row) is silently
// skipped.
func (s *CommentService) Create(ctx context.Context, comment *Comment) error {
	if comment.ID == 0 {
		comment.ID = s.snowflake.Generate().Int64()
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(comment)
	if result.Error != nil {
		return fmt.Errorf("failed to create comment: %v", result.Error)
	}
	return nil
}

// ListByPolicy returns a paginated list of a policy's comments, newest first.
func (s *CommentService) ListByPolicy(ctx context.Context, policyID int64, limit, offset int) ([]Comment, error) {
	var comments []Comment
	result := s.db.WithContext(ctx).
		Where("policy_id = ?", policyID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&comments)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list comments: %v", result.Error)
	}
	return comments, nil
}
