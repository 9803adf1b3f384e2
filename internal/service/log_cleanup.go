package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

// LogCleanupService deletes finished batch logs past the retention age.
type LogCleanupService struct {
	*core.BaseComponent
	BatchLogs dao.BatchLogDao `infra:"dep:batch_log_dao"`
	cfg       config.RetentionConfig
	cancel    context.CancelFunc
}

func NewLogCleanupService(cfg config.RetentionConfig) *LogCleanupService {
	return &LogCleanupService{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_LOG_CLEANUP, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
	}
}

func (s *LogCleanupService) Start(ctx context.Context) error {
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if !s.cfg.Enabled {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.autoCleanup(loopCtx)
			}
		}
	}()
	return nil
}

func (s *LogCleanupService) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.BaseComponent.Stop(ctx)
}

// CleanupByAge deletes finished logs created before now-maxAge.
func (s *LogCleanupService) CleanupByAge(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("invalid maxAge")
	}
	return s.BatchLogs.DeleteOlderThan(ctx, time.Now().Add(-maxAge))
}

func (s *LogCleanupService) autoCleanup(ctx context.Context) {
	n, err := s.CleanupByAge(ctx, s.cfg.MaxAge)
	if err != nil {
		logging.Error(ctx, "batch log cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		logging.Info(ctx, "batch log cleanup", zap.Int64("deleted", n), zap.Duration("max_age", s.cfg.MaxAge))
	}
}
