package registry_ext

import (
	bizConfig "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/gormdb"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/registry"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

func init() {
	biz := bizConfig.GetBizConfig()

	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, dao.NewTaskStateDao(biz.Store.KeyPrefix, biz.Store.TaskTTL), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		// auto_migrate picks these up when gorm_db starts
		gormdb.RegisterModels(biz.Store.Datasource,
			&model.Category{}, &model.Resource{}, &model.Tag{}, &model.ResourceTag{}, &model.BatchLog{})
		return true, dao.NewBatchLogDao(biz.Store.Datasource), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, dao.NewResourceDao(biz.Store.Datasource), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, dao.NewCategoryDao(biz.Store.Datasource), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, dao.NewDeadLetterDao(biz.Review.DeadLetterPath), nil
	})
}
