package consts

// TaskStatus covers MainTask, Subtask and BatchLog; transitions only move forward:
// PENDING -> PROCESSING -> COMPLETED|FAILED.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ResourceStatus 资源审核状态
type ResourceStatus string

const (
	ResourcePending  ResourceStatus = "pending"
	ResourceApproved ResourceStatus = "approved"
	ResourceRejected ResourceStatus = "rejected"
)

// EnrichSource 元数据来源
type EnrichSource string

const (
	SourceAI       EnrichSource = "ai"
	SourceFallback EnrichSource = "fallback"
)

// PartialTimeoutPolicy 子任务超时后剩余条目的处理方式
type PartialTimeoutPolicy string

const (
	PartialRequeue PartialTimeoutPolicy = "requeue"
	PartialDrop    PartialTimeoutPolicy = "drop"
)

// ChainMode 续跑触发方式
type ChainMode string

const (
	ChainHTTP  ChainMode = "http"
	ChainKafka ChainMode = "kafka"
)

const (
	LogTypeBatchImport = "batch_import"

	RoleAdmin = "admin"

	HeaderInternalToken = "X-Internal-Token"
	HeaderUserID        = "X-User-ID"
	HeaderUserRole      = "X-User-Role"

	InternalRunPath = "/internal/v1/subtasks/run"

	MaxTagsPerResource = 5
)
