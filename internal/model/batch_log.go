package model

import (
	"time"

	"gorm.io/datatypes"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
)

// BatchLog is the durable record of a batch import; it outlives the fast-store task.
type BatchLog struct {
	ID               int64             `gorm:"primaryKey;autoIncrement" json:"-"`
	UUID             string            `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	Type             string            `gorm:"type:varchar(32);index" json:"type"`
	OwnerID          string            `gorm:"type:varchar(64);index" json:"owner_id"`
	Title            string            `gorm:"type:varchar(255)" json:"title"`
	Status           consts.TaskStatus `gorm:"type:varchar(16);index" json:"status"`
	TotalResources   int               `json:"total_resources"`
	TotalBatches     int               `json:"total_batches"`
	CompletedBatches int               `json:"completed_batches"`
	SuccessCount     int               `json:"success_count"`
	FailedCount      int               `json:"failed_count"`
	Details          datatypes.JSON    `json:"details,omitempty"`
	ErrorMessage     string            `gorm:"type:varchar(1024)" json:"error_message,omitempty"`
	CreatedAt        time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

func (BatchLog) TableName() string { return "batch_import_logs" }

type BatchLogDetails struct {
	BatchSize   int            `json:"batch_size"`
	Batches     []BatchDetail  `json:"batches"`
	Unprocessed []ResourceItem `json:"unprocessed,omitempty"`
}

type BatchDetail struct {
	BatchIndex   int               `json:"batch_index"`
	SubtaskUUID  string            `json:"subtask_uuid"`
	Status       consts.TaskStatus `json:"status"`
	Size         int               `json:"size"`
	SuccessCount int               `json:"success_count"`
	FailedCount  int               `json:"failed_count"`
	Unprocessed  int               `json:"unprocessed,omitempty"`
	Results      []ItemResult      `json:"results,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// BatchLogFilter 列表查询条件
type BatchLogFilter struct {
	Type    string
	Status  consts.TaskStatus
	OwnerID string
	Limit   int
	Offset  int
}
