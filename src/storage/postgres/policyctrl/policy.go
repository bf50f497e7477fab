package policyctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Policy is the feedback target comments and votes attach to. Policy CRUD
// lives in another service; this store only reads.
type Policy struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	Title       string    `gorm:"not null" json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Policy) TableName() string {
	return "policies"
}

type PolicyService struct {
	db *gorm.DB
}

func NewPolicyService(db *gorm.DB) *PolicyService {
	return &PolicyService{db: db}
}

func (s *PolicyService) GetByID(ctx context.Context, id int64) (*Policy, error) {
	var policy Policy
	result := s.db.WithContext(ctx).First(&policy, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get policy: %v", result.Error)
	}
	return &policy, nil
}

// Exists reports whether a policy id refers to a known policy.
func (s *PolicyService) Exists(ctx context.Context, id int64) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&Policy{}).Where("id = ?", id).Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check policy existence: %v", result.Error)
	}
	return count > 0, nil
}
