package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

const (
	SourceLive    = "live"
	SourceHistory = "history"
)

type ProgressView struct {
	TaskUUID           string                 `json:"task_uuid"`
	Source             string                 `json:"source"`
	Title              string                 `json:"title"`
	Status             consts.TaskStatus      `json:"status"`
	TotalResources     int                    `json:"total_resources"`
	TotalBatches       int                    `json:"total_batches"`
	CompletedBatches   int                    `json:"completed_batches"`
	RemainingBatches   int                    `json:"remaining_batches"`
	SuccessCount       int                    `json:"success_count"`
	FailedCount        int                    `json:"failed_count"`
	ProgressPercentage float64                `json:"progress_percentage"`
	LastError          string                 `json:"last_error,omitempty"`
	Details            *model.BatchLogDetails `json:"details,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

// ProgressService answers from the fast store while a task is active and from the durable
// log once it has been retired.
type ProgressService struct {
	*core.BaseComponent
	TaskState dao.TaskStateDao `infra:"dep:task_state_dao"`
	BatchLogs dao.BatchLogDao  `infra:"dep:batch_log_dao"`
}

func NewProgressService() *ProgressService {
	return &ProgressService{BaseComponent: core.NewBaseComponent(consts.COMP_SVC_PROGRESS, appconsts.COMPONENT_LOGGING)}
}

func (s *ProgressService) Get(ctx context.Context, caller model.Caller, taskUUID string) (*ProgressView, error) {
	task, err := s.TaskState.GetTask(ctx, taskUUID)
	switch {
	case err == nil:
		if !caller.CanAccess(task.OwnerID) {
			return nil, apperr.Authorization("task %s belongs to another user", taskUUID)
		}
		return LiveView(task), nil
	case !errors.Is(err, dao.ErrNotFound):
		// fast store trouble should not hide history
		logging.Warn(ctx, "fast store read failed, falling back to history", zap.String("task", taskUUID), zap.Error(err))
	}

	l, err := s.BatchLogs.Get(ctx, taskUUID)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, apperr.NotFound("batch import %s not found", taskUUID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load batch log %s", taskUUID)
	}
	if !caller.CanAccess(l.OwnerID) {
		return nil, apperr.Authorization("task %s belongs to another user", taskUUID)
	}
	return HistoryView(ctx, l), nil
}

func LiveView(t *model.MainTask) *ProgressView {
	return &ProgressView{
		TaskUUID:           t.UUID,
		Source:             SourceLive,
		Title:              t.Title,
		Status:             t.Status,
		TotalResources:     t.TotalResources,
		TotalBatches:       t.TotalBatches,
		CompletedBatches:   t.CompletedBatches,
		RemainingBatches:   t.RemainingBatches(),
		SuccessCount:       t.SuccessCount,
		FailedCount:        t.FailedCount,
		ProgressPercentage: percent(t.CompletedBatches, t.TotalBatches),
		LastError:          t.LastError,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func HistoryView(ctx context.Context, l *model.BatchLog) *ProgressView {
	v := &ProgressView{
		TaskUUID:           l.UUID,
		Source:             SourceHistory,
		Title:              l.Title,
		Status:             l.Status,
		TotalResources:     l.TotalResources,
		TotalBatches:       l.TotalBatches,
		CompletedBatches:   l.CompletedBatches,
		RemainingBatches:   max(l.TotalBatches-l.CompletedBatches, 0),
		SuccessCount:       l.SuccessCount,
		FailedCount:        l.FailedCount,
		ProgressPercentage: percent(l.SuccessCount+l.FailedCount, l.TotalResources),
		LastError:          l.ErrorMessage,
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
		CompletedAt:        l.CompletedAt,
	}
	if len(l.Details) > 0 {
		var d model.BatchLogDetails
		if err := json.Unmarshal(l.Details, &d); err != nil {
			logging.Warn(ctx, "batch log details unreadable", zap.String("task", l.UUID), zap.Error(err))
		} else {
			v.Details = &d
		}
	}
	return v
}

// percent rounds to two decimals and caps at 100.
func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := math.Round(float64(done)/float64(total)*10000) / 100
	return math.Min(p, 100)
}
