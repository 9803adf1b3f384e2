package registry

import (
	"fmt"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/gormdb"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_client"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_server"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/prometheus"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/redis"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/telemetry"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

func init() {
	Register(consts.COMPONENT_LOGGING, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.Logging == nil {
			cfg.Logging = &logging.LoggingConfig{}
		}
		return true, logging.NewZapLoggerComponent(cfg.Logging), nil
	})

	Register(consts.COMPONENT_TELEMETRY, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.Telemetry == nil || !cfg.Telemetry.Enabled {
			return false, nil, nil
		}
		if cfg.Telemetry.ServiceName == "" && cfg.APPInfo != nil {
			cfg.Telemetry.ServiceName = cfg.APPInfo.APPName
		}
		if cfg.Telemetry.ServiceName == "" {
			return false, nil, fmt.Errorf("telemetry service name empty and app_info.app_name not provided")
		}
		return true, telemetry.NewTelemetryComponent(cfg.Telemetry), nil
	})

	Register(consts.COMPONENT_PROMETHEUS, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.Prometheus == nil || !cfg.Prometheus.Enabled {
			return false, nil, nil
		}
		return true, prometheus.NewComponent(cfg.Prometheus), nil
	})

	Register(consts.COMPONENT_GORM, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.Gorm == nil || !cfg.Gorm.Enabled {
			return false, nil, nil
		}
		return true, gormdb.NewGormComponent(cfg.Gorm), nil
	})

	Register(consts.COMPONENT_REDIS, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.Redis == nil || !cfg.Redis.Enabled {
			return false, nil, nil
		}
		return true, redis.NewRedisComponent(cfg.Redis), nil
	})

	Register(consts.COMPONENT_HTTP_CLIENTS, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.HTTPClients == nil || !cfg.HTTPClients.Enabled {
			return false, nil, nil
		}
		return true, http_client.NewHTTPClientsComponent(cfg.HTTPClients), nil
	})

	Register(consts.COMPONENT_HTTP_SERVER, func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error) {
		if cfg.HTTPServer == nil || !cfg.HTTPServer.Enabled {
			return false, nil, nil
		}
		if cfg.APPInfo != nil {
			cfg.HTTPServer.ServiceName = cfg.APPInfo.APPName
		}
		return true, http_server.NewHTTPServerComponent(cfg.HTTPServer, c), nil
	})

	// spans and metrics must be live before traffic or outbound calls start
	ExtendRuntimeDependencies(consts.COMPONENT_HTTP_SERVER, consts.COMPONENT_TELEMETRY, consts.COMPONENT_PROMETHEUS)
	ExtendRuntimeDependencies(consts.COMPONENT_HTTP_CLIENTS, consts.COMPONENT_TELEMETRY)
}
