package registry_ext

import (
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/api"
	bizConfig "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/config"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/registry"
)

func init() {
	biz := bizConfig.GetBizConfig()

	// http_server mounts routes at start, so it must come after the controllers
	registry.ExtendRuntimeDependencies(appconsts.COMPONENT_HTTP_SERVER,
		consts.COMP_CTRL_BATCH, consts.COMP_CTRL_INTERNAL, consts.COMP_CTRL_ADMIN)

	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, api.NewBatchController(), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if biz.Chain.Mode == consts.ChainKafka {
			return false, nil, nil
		}
		return true, api.NewInternalController(biz.Chain.InternalToken), nil
	})
	registry.RegisterAuto(func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		return true, api.NewAdminController(), nil
	})
}
