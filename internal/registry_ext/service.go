package registry_ext

import (
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/ai"
	bizConfig "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/registry"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/metrics"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/service"
)

func init() {
	// read inside the builders: the yaml biz_config section is decoded over this pointer at boot
	biz := bizConfig.GetBizConfig()

	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, metrics.NewIngestMetrics(), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, ai.NewChatProvider(biz.AI), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewCategoryCache(biz.Category), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewEnricher(biz.Enrich, biz.Ingest), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewReviewer(biz.Review), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewItemPipeline(), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewDispatcher(biz.Chain), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewSubtaskExecutor(biz.Executor), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewSubmitter(biz.Ingest), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewProgressService(), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewLogsService(), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewTextParser(biz.AI, biz.Ingest), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewReconciler(biz.Reconciler), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, service.NewLogCleanupService(biz.Retention), nil
	})

	// kafka chain mode only
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if biz.Chain.Mode != consts.ChainKafka {
			return false, nil, nil
		}
		return true, service.NewContinuationConsumer(biz.Chain.Kafka), nil
	})
}
