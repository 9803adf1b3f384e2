package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

type SubmitRequest struct {
	Title     string               `json:"title"`
	Resources []model.ResourceItem `json:"resources"`
}

type SubmitBatch struct {
	BatchIndex  int    `json:"batch_index"`
	SubtaskUUID string `json:"subtask_uuid"`
	Size        int    `json:"size"`
}

type SubmitResult struct {
	TaskUUID       string            `json:"task_uuid"`
	Status         consts.TaskStatus `json:"status"`
	TotalResources int               `json:"total_resources"`
	TotalBatches   int               `json:"total_batches"`
	BatchSize      int               `json:"batch_size"`
	Batches        []SubmitBatch     `json:"batches"`
}

type Submitter struct {
	*core.BaseComponent
	TaskState  dao.TaskStateDao    `infra:"dep:task_state_dao"`
	BatchLogs  dao.BatchLogDao     `infra:"dep:batch_log_dao"`
	Dispatcher ContinuationTrigger `infra:"dep:dispatcher"`

	cfg config.IngestConfig
	now func() time.Time
}

func NewSubmitter(cfg config.IngestConfig) *Submitter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxResources <= 0 {
		cfg.MaxResources = 500
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = 200
	}
	if cfg.MaxTitleLength <= 0 {
		cfg.MaxTitleLength = 120
	}
	return &Submitter{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_SUBMITTER, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		now:           time.Now,
	}
}

// Validate sanitizes the items and collects every problem into one validation error.
func (s *Submitter) Validate(req SubmitRequest) ([]model.ResourceItem, error) {
	if len(req.Resources) == 0 {
		return nil, apperr.Validation("resources must not be empty")
	}
	if len(req.Resources) > s.cfg.MaxResources {
		return nil, apperr.Validation(fmt.Sprintf("at most %d resources per batch, got %d", s.cfg.MaxResources, len(req.Resources)))
	}
	items := make([]model.ResourceItem, 0, len(req.Resources))
	var problems []string
	for i, r := range req.Resources {
		name := model.SanitizeName(r.Name, s.cfg.MaxNameLength)
		if name == "" {
			problems = append(problems, fmt.Sprintf("resources[%d].name: must not be empty", i))
		}
		if !model.ValidLink(r.Link) {
			problems = append(problems, fmt.Sprintf("resources[%d].link: must be an absolute http(s) URL", i))
		}
		items = append(items, model.ResourceItem{Name: name, Link: r.Link})
	}
	if len(problems) > 0 {
		return nil, apperr.Validation(fmt.Sprintf("%d invalid resources", len(problems)), problems...)
	}
	return items, nil
}

func (s *Submitter) Submit(ctx context.Context, caller model.Caller, req SubmitRequest) (*SubmitResult, error) {
	// 1. 校验
	items, err := s.Validate(req)
	if err != nil {
		return nil, err
	}
	now := s.now()
	title := model.SanitizeName(req.Title, s.cfg.MaxTitleLength)
	if title == "" {
		title = "Batch import " + now.Format("2006-01-02 15:04")
	}

	// 2. 切分
	taskUUID := uuid.NewString()
	ctx = logging.WithTraceID(ctx, taskUUID)
	subtasks := splitBatches(taskUUID, items, s.cfg.BatchSize, now)
	task := &model.MainTask{
		UUID:           taskUUID,
		OwnerID:        caller.UserID,
		Title:          title,
		Status:         consts.StatusPending,
		TotalResources: len(items),
		TotalBatches:   len(subtasks),
		BatchSize:      s.cfg.BatchSize,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res := &SubmitResult{
		TaskUUID:       taskUUID,
		Status:         consts.StatusPending,
		TotalResources: task.TotalResources,
		TotalBatches:   task.TotalBatches,
		BatchSize:      task.BatchSize,
		Batches:        make([]SubmitBatch, 0, len(subtasks)),
	}
	for _, st := range subtasks {
		res.Batches = append(res.Batches, SubmitBatch{BatchIndex: st.BatchIndex, SubtaskUUID: st.UUID, Size: len(st.Items)})
	}

	// 3. 先写持久日志，再写快存储
	details, err := json.Marshal(BuildBatchDetails(task, subtasks))
	if err != nil {
		return nil, apperr.Internal(err, "encode batch details")
	}
	if err := s.BatchLogs.Create(ctx, &model.BatchLog{
		UUID:           taskUUID,
		Type:           consts.LogTypeBatchImport,
		OwnerID:        caller.UserID,
		Title:          title,
		Status:         consts.StatusPending,
		TotalResources: task.TotalResources,
		TotalBatches:   task.TotalBatches,
		Details:        datatypes.JSON(details),
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return nil, apperr.Internal(err, "create batch log")
	}
	if err := s.TaskState.CreateTask(ctx, task, subtasks); err != nil {
		if merr := s.BatchLogs.MarkFailed(ctx, taskUUID, "fast store unavailable"); merr != nil {
			logging.Error(ctx, "mark batch log failed", zap.Error(merr))
		}
		return nil, apperr.Internal(err, "create task state")
	}
	logging.Info(ctx, "batch import submitted", zap.String("task", taskUUID), zap.String("owner", caller.UserID),
		zap.Int("resources", task.TotalResources), zap.Int("batches", task.TotalBatches))

	// 4. 触发第一个子任务，失败交给巡检
	if err := s.Dispatcher.Trigger(ctx, taskUUID, subtasks[0].UUID); err != nil {
		logging.Error(ctx, "first trigger failed, reconciler will retry", zap.String("task", taskUUID), zap.Error(err))
		if serr := s.TaskState.SetLastError(ctx, taskUUID, err.Error()); serr != nil {
			logging.Warn(ctx, "record last error failed", zap.Error(serr))
		}
	}
	return res, nil
}

func splitBatches(taskUUID string, items []model.ResourceItem, size int, now time.Time) []*model.Subtask {
	out := make([]*model.Subtask, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, &model.Subtask{
			UUID:       uuid.NewString(),
			TaskUUID:   taskUUID,
			BatchIndex: len(out) + 1,
			Status:     consts.StatusPending,
			Items:      append([]model.ResourceItem(nil), items[i:end]...),
			CreatedAt:  now,
		})
	}
	return out
}
