package service

import (
	"context"
	"sort"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 100
	activeScanLimit = 500
)

type LogQuery struct {
	Type   string
	Status consts.TaskStatus
	Page   int
	Limit  int
}

type LogEntry struct {
	UUID               string            `json:"uuid"`
	Type               string            `json:"type"`
	Source             string            `json:"source"`
	Title              string            `json:"title"`
	OwnerID            string            `json:"owner_id"`
	Status             consts.TaskStatus `json:"status"`
	TotalResources     int               `json:"total_resources"`
	TotalBatches       int               `json:"total_batches"`
	CompletedBatches   int               `json:"completed_batches"`
	SuccessCount       int               `json:"success_count"`
	FailedCount        int               `json:"failed_count"`
	ProgressPercentage float64           `json:"progress_percentage"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

type LogPage struct {
	Items []LogEntry `json:"items"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
}

// LogsService merges active fast-store tasks with durable history.
type LogsService struct {
	*core.BaseComponent
	TaskState dao.TaskStateDao `infra:"dep:task_state_dao"`
	BatchLogs dao.BatchLogDao  `infra:"dep:batch_log_dao"`
}

func NewLogsService() *LogsService {
	return &LogsService{BaseComponent: core.NewBaseComponent(consts.COMP_SVC_LOGS, appconsts.COMPONENT_LOGGING)}
}

func (s *LogsService) List(ctx context.Context, caller model.Caller, q LogQuery) (*LogPage, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("invalid status filter", "status: must be one of pending, processing, completed, failed")
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = defaultLogLimit
	}
	if q.Limit > maxLogLimit {
		q.Limit = maxLogLimit
	}
	owner := ""
	if !caller.IsAdmin() {
		owner = caller.UserID
	}

	// 1. 活跃任务
	var active []LogEntry
	activeIDs := map[string]struct{}{}
	if q.Type == "" || q.Type == consts.LogTypeBatchImport {
		tasks, err := s.TaskState.ListActive(ctx, activeScanLimit)
		if err != nil {
			return nil, apperr.Internal(err, "list active tasks")
		}
		for _, t := range tasks {
			if owner != "" && t.OwnerID != owner {
				continue
			}
			activeIDs[t.UUID] = struct{}{}
			if q.Status != "" && t.Status != q.Status {
				continue
			}
			active = append(active, liveEntry(t))
		}
	}

	// 2. 历史记录，窗口覆盖到当前页
	window := q.Page*q.Limit + len(activeIDs)
	filter := model.BatchLogFilter{Type: q.Type, Status: q.Status, OwnerID: owner, Limit: window}
	logs, err := s.BatchLogs.List(ctx, filter)
	if err != nil {
		return nil, apperr.Internal(err, "list batch logs")
	}
	total, err := s.BatchLogs.Count(ctx, filter)
	if err != nil {
		return nil, apperr.Internal(err, "count batch logs")
	}

	// 3. 合并去重，活跃优先
	merged := make([]LogEntry, 0, len(active)+len(logs))
	merged = append(merged, active...)
	dups := 0
	for _, l := range logs {
		if _, ok := activeIDs[l.UUID]; ok {
			dups++
			continue
		}
		merged = append(merged, historyEntry(l))
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Source == SourceLive && b.Source != SourceLive
	})

	// 4. 分页
	page := &LogPage{Total: int(total) - dups + len(active), Page: q.Page, Limit: q.Limit, Items: []LogEntry{}}
	from := (q.Page - 1) * q.Limit
	if from < len(merged) {
		to := min(from+q.Limit, len(merged))
		page.Items = merged[from:to]
	}
	return page, nil
}

func liveEntry(t *model.MainTask) LogEntry {
	return LogEntry{
		UUID:               t.UUID,
		Type:               consts.LogTypeBatchImport,
		Source:             SourceLive,
		Title:              t.Title,
		OwnerID:            t.OwnerID,
		Status:             t.Status,
		TotalResources:     t.TotalResources,
		TotalBatches:       t.TotalBatches,
		CompletedBatches:   t.CompletedBatches,
		SuccessCount:       t.SuccessCount,
		FailedCount:        t.FailedCount,
		ProgressPercentage: percent(t.CompletedBatches, t.TotalBatches),
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func historyEntry(l *model.BatchLog) LogEntry {
	return LogEntry{
		UUID:               l.UUID,
		Type:               l.Type,
		Source:             SourceHistory,
		Title:              l.Title,
		OwnerID:            l.OwnerID,
		Status:             l.Status,
		TotalResources:     l.TotalResources,
		TotalBatches:       l.TotalBatches,
		CompletedBatches:   l.CompletedBatches,
		SuccessCount:       l.SuccessCount,
		FailedCount:        l.FailedCount,
		ProgressPercentage: percent(l.SuccessCount+l.FailedCount, l.TotalResources),
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
		CompletedAt:        l.CompletedAt,
	}
}
