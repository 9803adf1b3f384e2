package model

import (
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
)

// MainTask lives in the fast store while active; BatchLog is its durable mirror.
type MainTask struct {
	UUID             string            `json:"uuid"`
	OwnerID          string            `json:"owner_id"`
	Title            string            `json:"title"`
	Status           consts.TaskStatus `json:"status"`
	TotalResources   int               `json:"total_resources"`
	TotalBatches     int               `json:"total_batches"`
	CompletedBatches int               `json:"completed_batches"`
	SuccessCount     int               `json:"success_count"`
	FailedCount      int               `json:"failed_count"`
	BatchSize        int               `json:"batch_size"`
	LastError        string            `json:"last_error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (t *MainTask) RemainingBatches() int {
	if r := t.TotalBatches - t.CompletedBatches; r > 0 {
		return r
	}
	return 0
}

type Subtask struct {
	UUID         string            `json:"uuid"`
	TaskUUID     string            `json:"task_uuid"`
	BatchIndex   int               `json:"batch_index"`
	Status       consts.TaskStatus `json:"status"`
	Items        []ResourceItem    `json:"items"`
	Results      []ItemResult      `json:"results"`
	SuccessCount int               `json:"success_count"`
	FailedCount  int               `json:"failed_count"`
	// Unprocessed is the tail left behind by a partial timeout.
	Unprocessed int        `json:"unprocessed"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ResourceItem struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

type ItemResult struct {
	Name         string              `json:"name"`
	Link         string              `json:"link"`
	Success      bool                `json:"success"`
	ResourceUUID string              `json:"resource_uuid,omitempty"`
	Error        string              `json:"error,omitempty"`
	Source       consts.EnrichSource `json:"source,omitempty"`
}

type EnrichedResource struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Link        string              `json:"link"`
	CategoryID  int64               `json:"category_id"`
	Tags        []string            `json:"tags"`
	Source      consts.EnrichSource `json:"source"`
}
