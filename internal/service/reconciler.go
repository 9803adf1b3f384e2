package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

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

const (
	ActionFinalize  = "finalize"
	ActionRecount   = "recount"
	ActionRequeue   = "requeue_stuck"
	ActionRetrigger = "retrigger"
)

type ReconcileAction struct {
	TaskUUID    string `json:"task_uuid"`
	SubtaskUUID string `json:"subtask_uuid,omitempty"`
	Action      string `json:"action"`
	Error       string `json:"error,omitempty"`
}

type ReconcileReport struct {
	Scanned int               `json:"scanned"`
	Actions []ReconcileAction `json:"actions"`
}

// Finalizer is implemented by SubtaskExecutor.
type Finalizer interface {
	Finalize(ctx context.Context, task *model.MainTask) (consts.TaskStatus, error)
	TriggerNext(ctx context.Context, taskUUID, subtaskUUID string)
}

// Reconciler repairs chains that stopped advancing: unfinalized tasks, subtasks stuck in
// processing, and tasks whose continuation was never delivered.
type Reconciler struct {
	*core.BaseComponent
	TaskState dao.TaskStateDao       `infra:"dep:task_state_dao"`
	Executor  Finalizer              `infra:"dep:subtask_executor"`
	Metrics   *metrics.IngestMetrics `infra:"dep:ingest_metrics?"`

	cfg    config.ReconcilerConfig
	now    func() time.Time
	mu     sync.Mutex // one sweep at a time
	cancel context.CancelFunc
}

func NewReconciler(cfg config.ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 2 * time.Minute
	}
	if cfg.StuckSubtaskAfter <= 0 {
		cfg.StuckSubtaskAfter = 150 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	return &Reconciler{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_RECONCILER, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		now:           time.Now,
	}
}

func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if !r.cfg.Enabled {
		logging.Info(ctx, "reconciler loop disabled")
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if rep, err := r.RunOnce(loopCtx); err != nil {
					logging.Warn(loopCtx, "reconcile sweep failed", zap.Error(err))
				} else if len(rep.Actions) > 0 {
					logging.Info(loopCtx, "reconcile sweep repaired tasks", zap.Int("scanned", rep.Scanned), zap.Int("actions", len(rep.Actions)))
				}
			}
		}
	}()
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.BaseComponent.Stop(ctx)
}

func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks, err := r.TaskState.ListActive(ctx, r.cfg.BatchLimit)
	if err != nil {
		return nil, apperr.Internal(err, "list active tasks")
	}
	rep := &ReconcileReport{Scanned: len(tasks), Actions: []ReconcileAction{}}
	for _, t := range tasks {
		rep.Actions = append(rep.Actions, r.reconcileTask(logging.WithTraceID(ctx, t.UUID), t)...)
	}
	for _, a := range rep.Actions {
		r.Metrics.Reconciled(a.Action)
	}
	return rep, nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, t *model.MainTask) []ReconcileAction {
	subs, err := r.TaskState.ListSubtasks(ctx, t.UUID)
	if err != nil {
		logging.Warn(ctx, "reconcile: list subtasks failed", zap.String("task", t.UUID), zap.Error(err))
		return nil
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].BatchIndex < subs[j].BatchIndex })
	now := r.now()
	var actions []ReconcileAction

	// 1. 已结束但计数缺失的子任务补计数（按子任务幂等）
	allTerminal := len(subs) > 0
	for _, s := range subs {
		if !s.Status.Terminal() {
			allTerminal = false
			continue
		}
		// a live executor may still be between saving and counting
		if t.CompletedBatches >= t.TotalBatches || s.CompletedAt == nil || now.Sub(*s.CompletedAt) < r.cfg.StallAfter {
			continue
		}
		fresh, counted, err := r.TaskState.BumpCounters(ctx, t.UUID, s.UUID, s.SuccessCount, s.FailedCount)
		if err != nil {
			actions = append(actions, ReconcileAction{TaskUUID: t.UUID, SubtaskUUID: s.UUID, Action: ActionRecount, Error: err.Error()})
			continue
		}
		if counted {
			actions = append(actions, ReconcileAction{TaskUUID: t.UUID, SubtaskUUID: s.UUID, Action: ActionRecount})
		}
		t = fresh
	}

	// 2. 全部结束未归档
	if t.Status.Terminal() || (allTerminal && t.CompletedBatches >= t.TotalBatches) {
		a := ReconcileAction{TaskUUID: t.UUID, Action: ActionFinalize}
		if _, err := r.Executor.Finalize(ctx, t); err != nil {
			a.Error = err.Error()
		}
		return append(actions, a)
	}

	// 3. 卡在 processing 的子任务：结束为 failed，条目转入新子任务
	processing := false
	for _, s := range subs {
		if s.Status != consts.StatusProcessing {
			continue
		}
		if s.StartedAt == nil || now.Sub(*s.StartedAt) < r.cfg.StuckSubtaskAfter {
			processing = true
			continue
		}
		requeued, err := r.requeueStuck(ctx, t.UUID, s, now)
		if requeued == nil && err == nil {
			continue
		}
		a := ReconcileAction{TaskUUID: t.UUID, SubtaskUUID: s.UUID, Action: ActionRequeue}
		if err != nil {
			a.Error = err.Error()
		} else {
			subs = append(subs, requeued)
		}
		actions = append(actions, a)
	}

	// 4. 长时间无进展则重新触发
	if processing || (now.Sub(t.UpdatedAt) < r.cfg.StallAfter && len(actions) == 0) {
		return actions
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].BatchIndex < subs[j].BatchIndex })
	for _, s := range subs {
		if s.Status == consts.StatusPending {
			r.Executor.TriggerNext(ctx, t.UUID, s.UUID)
			actions = append(actions, ReconcileAction{TaskUUID: t.UUID, SubtaskUUID: s.UUID, Action: ActionRetrigger})
			break
		}
	}
	return actions
}

// requeueStuck moves a stalled subtask forward to failed and hands its items to a new pending
// subtask. Returns nil, nil when the subtask finished on its own in the meantime.
func (r *Reconciler) requeueStuck(ctx context.Context, taskUUID string, s *model.Subtask, now time.Time) (*model.Subtask, error) {
	fresh := &model.Subtask{
		UUID:      uuid.NewString(),
		TaskUUID:  taskUUID,
		Status:    consts.StatusPending,
		Items:     append([]model.ResourceItem(nil), s.Items...),
		CreatedAt: now,
	}
	settled := *s
	settled.Status = consts.StatusFailed
	settled.Items = nil
	settled.Results = nil
	settled.SuccessCount, settled.FailedCount, settled.Unprocessed = 0, 0, 0
	settled.CompletedAt = &now

	// the conditional save decides the race with a late-finishing invocation
	saved, err := r.TaskState.SaveSubtaskResult(ctx, &settled)
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, nil
	}
	task, err := r.TaskState.GetTask(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	fresh.BatchIndex = task.TotalBatches + 1
	if err := r.TaskState.AppendSubtask(ctx, taskUUID, fresh); err != nil {
		return nil, err
	}
	if _, _, err := r.TaskState.BumpCounters(ctx, taskUUID, s.UUID, 0, 0); err != nil {
		return nil, err
	}
	logging.Warn(ctx, "requeued stuck subtask", zap.String("subtask", s.UUID), zap.String("requeued_as", fresh.UUID),
		zap.Time("started_at", *s.StartedAt), zap.Int("items", len(fresh.Items)))
	return fresh, nil
}
