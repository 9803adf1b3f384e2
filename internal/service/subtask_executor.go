package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
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
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/metrics"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

// SubtaskRunner executes one subtask invocation.
type SubtaskRunner interface {
	Execute(ctx context.Context, subtaskUUID string) (*ExecutionReport, error)
}

type ExecutionReport struct {
	TaskUUID     string            `json:"task_uuid"`
	SubtaskUUID  string            `json:"subtask_uuid"`
	BatchIndex   int               `json:"batch_index"`
	Status       consts.TaskStatus `json:"status"`
	Duplicate    bool              `json:"duplicate,omitempty"`
	Processed    int               `json:"processed"`
	SuccessCount int               `json:"success_count"`
	FailedCount  int               `json:"failed_count"`
	Unprocessed  int               `json:"unprocessed,omitempty"`
	RequeuedAs   string            `json:"requeued_as,omitempty"` // subtask created for a timed-out tail
	Finalized    bool              `json:"finalized,omitempty"`
	TaskStatus   consts.TaskStatus `json:"task_status,omitempty"`
	NextSubtask  string            `json:"next_subtask,omitempty"`
	Partial      string            `json:"partial,omitempty"`
}

// SubtaskExecutor is stateless per call; all progress lives in the fast store.
type SubtaskExecutor struct {
	*core.BaseComponent
	TaskState  dao.TaskStateDao       `infra:"dep:task_state_dao"`
	BatchLogs  dao.BatchLogDao        `infra:"dep:batch_log_dao"`
	Categories CategoryResolver       `infra:"dep:category_cache"`
	Pipeline   ItemProcessor          `infra:"dep:item_pipeline"`
	Dispatcher ContinuationTrigger    `infra:"dep:dispatcher"`
	Metrics    *metrics.IngestMetrics `infra:"dep:ingest_metrics?"`

	cfg config.ExecutorConfig
	now func() time.Time
}

func NewSubtaskExecutor(cfg config.ExecutorConfig) *SubtaskExecutor {
	if cfg.MaxExecution <= 0 {
		cfg.MaxExecution = 50 * time.Second
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 15 * time.Second
	}
	if cfg.PartialTimeoutPolicy == "" {
		cfg.PartialTimeoutPolicy = consts.PartialRequeue
	}
	return &SubtaskExecutor{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_EXECUTOR, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		now:           time.Now,
	}
}

func (e *SubtaskExecutor) Execute(ctx context.Context, subtaskUUID string) (*ExecutionReport, error) {
	// 1. 加载子任务
	st, err := e.TaskState.GetSubtask(ctx, subtaskUUID)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, apperr.NotFound("subtask %s not found", subtaskUUID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load subtask %s", subtaskUUID)
	}
	ctx = logging.WithTraceID(ctx, st.TaskUUID)

	// 2. 加载主任务
	task, err := e.TaskState.GetTask(ctx, st.TaskUUID)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, apperr.OrchestrationStall(nil, "main task %s missing for subtask %s", st.TaskUUID, subtaskUUID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load task %s", st.TaskUUID)
	}
	report := &ExecutionReport{TaskUUID: task.UUID, SubtaskUUID: st.UUID, BatchIndex: st.BatchIndex}

	// 3. pending -> processing, anything else is a duplicate delivery
	ok, err := e.TaskState.TransitionSubtask(ctx, st.UUID, consts.StatusProcessing, consts.StatusPending)
	if err != nil {
		return nil, apperr.Internal(err, "claim subtask %s", st.UUID)
	}
	if !ok {
		logging.Info(ctx, "subtask already claimed, skipping", zap.String("subtask", st.UUID))
		report.Duplicate = true
		report.Status = st.Status
		return report, nil
	}
	if moved, err := e.TaskState.TransitionTask(ctx, task.UUID, consts.StatusProcessing, consts.StatusPending); err != nil {
		logging.Warn(ctx, "mark task processing failed", zap.Error(err))
	} else if moved {
		task.Status = consts.StatusProcessing
		e.milestone(ctx, task)
	}

	// 4. 分类映射只解析一次
	cats := e.Categories.GetMap(ctx)

	// 5. 逐条处理
	start := e.now()
	results := make([]model.ItemResult, 0, len(st.Items))
	var partial error
	for i, item := range st.Items {
		if elapsed := e.now().Sub(start); elapsed >= e.cfg.MaxExecution {
			partial = apperr.PartialBatchTimeout(i, len(st.Items)-i, e.cfg.MaxExecution)
			break
		}
		results = append(results, e.runItem(ctx, task, item, cats))
	}

	// 6. 汇总
	success, failed := 0, 0
	for _, r := range results {
		if r.Success {
			success++
		} else {
			failed++
		}
	}
	tail := st.Items[len(results):]
	now := e.now()
	st.Results = results
	st.SuccessCount, st.FailedCount = success, failed
	st.CompletedAt = &now
	st.Status = consts.StatusCompleted
	if success == 0 && failed > 0 {
		st.Status = consts.StatusFailed
	}

	// 7. 超时剩余部分
	var requeue *model.Subtask
	if len(tail) > 0 {
		report.Partial = partial.Error()
		logging.Warn(ctx, "subtask stopped early", zap.String("subtask", st.UUID), zap.Error(partial),
			zap.String("policy", string(e.cfg.PartialTimeoutPolicy)))
		if e.cfg.PartialTimeoutPolicy == consts.PartialRequeue {
			st.Items = st.Items[:len(results)]
			requeue = &model.Subtask{
				UUID:      uuid.NewString(),
				TaskUUID:  task.UUID,
				Status:    consts.StatusPending,
				Items:     append([]model.ResourceItem(nil), tail...),
				CreatedAt: now,
			}
		} else {
			st.Unprocessed = len(tail)
		}
	}

	saved, err := e.TaskState.SaveSubtaskResult(ctx, st)
	if err != nil {
		return nil, apperr.Internal(err, "save subtask %s", st.UUID)
	}
	if !saved {
		// settled by the reconciler while we were running; its requeued copy owns the items now
		logging.Warn(ctx, "subtask no longer processing, result discarded", zap.String("subtask", st.UUID))
		report.Status = consts.StatusFailed
		return report, nil
	}
	report.Status = st.Status
	report.Processed = len(results)
	report.SuccessCount, report.FailedCount = success, failed
	report.Unprocessed = st.Unprocessed
	e.Metrics.SubtaskFinished(st.Status)

	if requeue != nil {
		fresh, err := e.TaskState.GetTask(ctx, task.UUID)
		if err != nil {
			return nil, apperr.Internal(err, "reload task %s", task.UUID)
		}
		requeue.BatchIndex = fresh.TotalBatches + 1
		if err := e.TaskState.AppendSubtask(ctx, task.UUID, requeue); err != nil {
			return nil, apperr.Internal(err, "requeue tail of subtask %s", st.UUID)
		}
		report.RequeuedAs = requeue.UUID
	}

	// 8. 计数原子累加
	task, counted, err := e.TaskState.BumpCounters(ctx, task.UUID, st.UUID, success, failed)
	if err != nil {
		return nil, apperr.Internal(err, "bump counters for %s", st.UUID)
	}
	if !counted {
		logging.Warn(ctx, "subtask already counted", zap.String("subtask", st.UUID))
	}

	// 9. 全部完成则归档，否则续跑
	if task.CompletedBatches >= task.TotalBatches {
		status, err := e.Finalize(ctx, task)
		if err != nil {
			return report, err
		}
		report.Finalized = true
		report.TaskStatus = status
		return report, nil
	}
	report.TaskStatus = task.Status
	e.milestone(ctx, task)
	next, err := e.nextPending(ctx, task.UUID)
	if err != nil {
		return report, apperr.Internal(err, "find next subtask of %s", task.UUID)
	}
	if next == nil {
		logging.Warn(ctx, "no pending subtask left before completion", zap.String("task", task.UUID),
			zap.Int("completed", task.CompletedBatches), zap.Int("total", task.TotalBatches))
		return report, nil
	}
	report.NextSubtask = next.UUID
	e.TriggerNext(ctx, task.UUID, next.UUID)
	return report, nil
}

// runItem races the pipeline against the item timeout; a timeout fails only that item.
func (e *SubtaskExecutor) runItem(ctx context.Context, task *model.MainTask, item model.ResourceItem, cats *CategoryMap) model.ItemResult {
	ictx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
	defer cancel()
	ch := make(chan model.ItemResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- model.ItemResult{Name: item.Name, Link: item.Link, Error: fmt.Sprintf("item panicked: %v", rec)}
			}
		}()
		ch <- e.Pipeline.Process(ictx, task, item, cats)
	}()
	timer := time.NewTimer(e.cfg.ItemTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r
	case <-timer.C:
		logging.Warn(ctx, "batch item timed out", zap.String("link", item.Link), zap.Duration("timeout", e.cfg.ItemTimeout))
		return model.ItemResult{
			Name:  item.Name,
			Link:  item.Link,
			Error: fmt.Sprintf("item timed out after %s", e.cfg.ItemTimeout),
		}
	}
}

func (e *SubtaskExecutor) nextPending(ctx context.Context, taskUUID string) (*model.Subtask, error) {
	subs, err := e.TaskState.ListSubtasks(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].BatchIndex < subs[j].BatchIndex })
	for _, s := range subs {
		if s.Status == consts.StatusPending {
			return s, nil
		}
	}
	return nil, nil
}

// TriggerNext dispatches a subtask; failures are recorded on the task and left to the reconciler.
func (e *SubtaskExecutor) TriggerNext(ctx context.Context, taskUUID, subtaskUUID string) {
	if err := e.Dispatcher.Trigger(ctx, taskUUID, subtaskUUID); err != nil {
		logging.Error(ctx, "continuation trigger failed", zap.String("task", taskUUID), zap.String("subtask", subtaskUUID), zap.Error(err))
		if serr := e.TaskState.SetLastError(ctx, taskUUID, err.Error()); serr != nil && !errors.Is(serr, dao.ErrNotFound) {
			logging.Warn(ctx, "record last error failed", zap.Error(serr))
		}
	}
}

func (e *SubtaskExecutor) milestone(ctx context.Context, task *model.MainTask) {
	if err := e.BatchLogs.UpdateProgress(ctx, task.UUID, dao.ProgressUpdate{
		Status:           consts.StatusProcessing,
		TotalBatches:     task.TotalBatches,
		CompletedBatches: task.CompletedBatches,
		SuccessCount:     task.SuccessCount,
		FailedCount:      task.FailedCount,
	}); err != nil {
		logging.Warn(ctx, "update batch log milestone failed", zap.String("task", task.UUID), zap.Error(err))
	}
}

// Finalize copies the task summary into the durable log and retires it from the fast store.
// Safe to repeat: the durable write only applies once and retiring twice is a no-op.
func (e *SubtaskExecutor) Finalize(ctx context.Context, task *model.MainTask) (consts.TaskStatus, error) {
	subs, err := e.TaskState.ListSubtasks(ctx, task.UUID)
	if err != nil {
		return "", apperr.Internal(err, "list subtasks of %s", task.UUID)
	}
	status := consts.StatusCompleted
	errMsg := ""
	if task.SuccessCount == 0 && task.FailedCount > 0 {
		status = consts.StatusFailed
		errMsg = "no resource in the batch could be imported"
	}
	details, err := json.Marshal(BuildBatchDetails(task, subs))
	if err != nil {
		return "", apperr.Internal(err, "encode details of %s", task.UUID)
	}
	applied, err := e.BatchLogs.Finalize(ctx, task.UUID, dao.ProgressUpdate{
		Status:           status,
		TotalBatches:     task.TotalBatches,
		CompletedBatches: task.CompletedBatches,
		SuccessCount:     task.SuccessCount,
		FailedCount:      task.FailedCount,
		ErrorMessage:     errMsg,
	}, datatypes.JSON(details))
	if err != nil {
		// keep the fast-store copy so the reconciler can retry
		return "", apperr.Internal(err, "finalize batch log %s", task.UUID)
	}
	if _, err := e.TaskState.TransitionTask(ctx, task.UUID, status, consts.StatusPending, consts.StatusProcessing); err != nil &&
		!errors.Is(err, dao.ErrNotFound) {
		logging.Warn(ctx, "mark task terminal failed", zap.Error(err))
	}
	if err := e.TaskState.Retire(ctx, task.UUID); err != nil {
		logging.Warn(ctx, "retire task failed", zap.String("task", task.UUID), zap.Error(err))
	}
	logging.Info(ctx, "batch import finalized", zap.String("task", task.UUID), zap.String("status", string(status)),
		zap.Bool("applied", applied), zap.Int("success", task.SuccessCount), zap.Int("failed", task.FailedCount))
	return status, nil
}

// BuildBatchDetails turns the fast-store subtasks into the durable per-batch details.
func BuildBatchDetails(task *model.MainTask, subs []*model.Subtask) model.BatchLogDetails {
	sorted := append([]*model.Subtask(nil), subs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BatchIndex < sorted[j].BatchIndex })
	d := model.BatchLogDetails{BatchSize: task.BatchSize, Batches: make([]model.BatchDetail, 0, len(sorted))}
	for _, s := range sorted {
		d.Batches = append(d.Batches, model.BatchDetail{
			BatchIndex:   s.BatchIndex,
			SubtaskUUID:  s.UUID,
			Status:       s.Status,
			Size:         len(s.Items),
			SuccessCount: s.SuccessCount,
			FailedCount:  s.FailedCount,
			Unprocessed:  s.Unprocessed,
			Results:      s.Results,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
		})
		if s.Unprocessed > 0 && len(s.Results) < len(s.Items) {
			d.Unprocessed = append(d.Unprocessed, s.Items[len(s.Results):]...)
		}
	}
	return d
}
