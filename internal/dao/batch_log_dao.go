package dao

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

type BatchLogDao interface {
	core.Component
	Create(ctx context.Context, l *model.BatchLog) error
	Get(ctx context.Context, uuid string) (*model.BatchLog, error)
	UpdateProgress(ctx context.Context, uuid string, p ProgressUpdate) error
	// Finalize writes the terminal outcome once; false means it was already terminal.
	Finalize(ctx context.Context, uuid string, p ProgressUpdate, details datatypes.JSON) (bool, error)
	MarkFailed(ctx context.Context, uuid, msg string) error
	List(ctx context.Context, f model.BatchLogFilter) ([]*model.BatchLog, error)
	Count(ctx context.Context, f model.BatchLogFilter) (int64, error)
	DeleteOlderThan(ctx context.Context, deadline time.Time) (int64, error)
}

type ProgressUpdate struct {
	Status           consts.TaskStatus
	TotalBatches     int
	CompletedBatches int
	SuccessCount     int
	FailedCount      int
	ErrorMessage     string
}

var terminalStatuses = []consts.TaskStatus{consts.StatusCompleted, consts.StatusFailed}

type batchLogDaoImpl struct {
	gormBase
}

func NewBatchLogDao(dsName string) BatchLogDao {
	return &batchLogDaoImpl{gormBase{
		BaseComponent: core.NewBaseComponent(consts.COMP_DAO_BATCH_LOG, appconsts.COMPONENT_LOGGING),
		dsName:        dsName,
	}}
}

func (d *batchLogDaoImpl) Create(ctx context.Context, l *model.BatchLog) error {
	if l.Type == "" {
		l.Type = consts.LogTypeBatchImport
	}
	if l.Status == "" {
		l.Status = consts.StatusPending
	}
	if len(l.Details) == 0 {
		l.Details = datatypes.JSON("{}")
	}
	return errors.Wrapf(d.db.WithContext(ctx).Create(l).Error, "create batch log %s", l.UUID)
}

func (d *batchLogDaoImpl) Get(ctx context.Context, uuid string) (*model.BatchLog, error) {
	var l model.BatchLog
	err := d.db.WithContext(ctx).Where("uuid = ?", uuid).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get batch log %s", uuid)
	}
	return &l, nil
}

func (d *batchLogDaoImpl) UpdateProgress(ctx context.Context, uuid string, p ProgressUpdate) error {
	updates := map[string]any{
		"total_batches":     p.TotalBatches,
		"completed_batches": p.CompletedBatches,
		"success_count":     p.SuccessCount,
		"failed_count":      p.FailedCount,
		"updated_at":        time.Now(),
	}
	if p.Status != "" {
		updates["status"] = p.Status
	}
	// milestones never rewind a finalized log
	res := d.db.WithContext(ctx).Model(&model.BatchLog{}).
		Where("uuid = ? AND status NOT IN ?", uuid, terminalStatuses).
		Updates(updates)
	return errors.Wrapf(res.Error, "update progress %s", uuid)
}

func (d *batchLogDaoImpl) Finalize(ctx context.Context, uuid string, p ProgressUpdate, details datatypes.JSON) (bool, error) {
	now := time.Now()
	updates := map[string]any{
		"status":            p.Status,
		"total_batches":     p.TotalBatches,
		"completed_batches": p.CompletedBatches,
		"success_count":     p.SuccessCount,
		"failed_count":      p.FailedCount,
		"error_message":     p.ErrorMessage,
		"completed_at":      now,
		"updated_at":        now,
	}
	if len(details) > 0 {
		updates["details"] = details
	}
	res := d.db.WithContext(ctx).Model(&model.BatchLog{}).
		Where("uuid = ? AND status NOT IN ?", uuid, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "finalize %s", uuid)
	}
	return res.RowsAffected > 0, nil
}

func (d *batchLogDaoImpl) MarkFailed(ctx context.Context, uuid, msg string) error {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&model.BatchLog{}).
		Where("uuid = ? AND status NOT IN ?", uuid, terminalStatuses).
		Updates(map[string]any{"status": consts.StatusFailed, "error_message": msg, "completed_at": now, "updated_at": now})
	return errors.Wrapf(res.Error, "mark failed %s", uuid)
}

func (d *batchLogDaoImpl) scoped(ctx context.Context, f model.BatchLogFilter) *gorm.DB {
	q := d.db.WithContext(ctx).Model(&model.BatchLog{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	return q
}

func (d *batchLogDaoImpl) List(ctx context.Context, f model.BatchLogFilter) ([]*model.BatchLog, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	var list []*model.BatchLog
	err := d.scoped(ctx, f).
		Omit("details").
		Order("created_at DESC").Order("id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&list).Error
	return list, errors.Wrap(err, "list batch logs")
}

func (d *batchLogDaoImpl) Count(ctx context.Context, f model.BatchLogFilter) (int64, error) {
	var n int64
	err := d.scoped(ctx, f).Count(&n).Error
	return n, errors.Wrap(err, "count batch logs")
}

func (d *batchLogDaoImpl) DeleteOlderThan(ctx context.Context, deadline time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("created_at < ? AND status IN ?", deadline, terminalStatuses).
		Delete(&model.BatchLog{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete old batch logs")
}
