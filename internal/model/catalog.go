package model

import (
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
)

type Resource struct {
	ID             int64                 `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID           string                `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	Title          string                `gorm:"type:varchar(255)" json:"title"`
	Description    string                `gorm:"type:text" json:"description"`
	Link           string                `gorm:"type:varchar(2048)" json:"link"`
	CategoryID     int64                 `gorm:"index" json:"category_id"`
	OwnerID        string                `gorm:"type:varchar(64);index" json:"owner_id"`
	BatchUUID      string                `gorm:"type:varchar(36);index" json:"batch_uuid"`
	Status         consts.ResourceStatus `gorm:"type:varchar(16);index" json:"status"`
	IsFree         bool                  `json:"is_free"`
	Credits        int                   `json:"credits"`
	AIRiskScore    *int                  `json:"ai_risk_score,omitempty"`
	AIReviewReason string                `gorm:"type:varchar(512)" json:"ai_review_reason,omitempty"`
	ReviewedAt     *time.Time            `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func (Resource) TableName() string { return "resources" }

type Tag struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(64);uniqueIndex" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (Tag) TableName() string { return "tags" }

type ResourceTag struct {
	ResourceID int64 `gorm:"primaryKey" json:"resource_id"`
	TagID      int64 `gorm:"primaryKey" json:"tag_id"`
}

func (ResourceTag) TableName() string { return "resource_tags" }

type Category struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(64);uniqueIndex" json:"name"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
}

func (Category) TableName() string { return "categories" }

// ReviewJob is handed to the async reviewer after a resource is inserted.
type ReviewJob struct {
	ResourceID   int64  `json:"resource_id"`
	ResourceUUID string `json:"resource_uuid"`
	TaskUUID     string `json:"task_uuid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Link         string `json:"link"`
}

// ReviewDeadLetter records a review that could not be completed.
type ReviewDeadLetter struct {
	Job       ReviewJob `json:"job"`
	Reason    string    `json:"reason"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}
