package config

import (
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/gormdb"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_client"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_server"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/prometheus"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/redis"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/telemetry"
)

// AppConfig 应用程序配置结构
type AppConfig struct {
	APPInfo     *APPInfo                       `yaml:"app_info" json:"app_info"`
	Logging     *logging.LoggingConfig         `yaml:"logging" json:"logging"`
	HTTPServer  *http_server.HTTPServerConfig  `yaml:"http_server" json:"http_server"`
	HTTPClients *http_client.HTTPClientsConfig `yaml:"http_clients" json:"http_clients"`
	Gorm        *gormdb.Config                 `yaml:"gorm" json:"gorm"`
	Redis       *redis.Config                  `yaml:"redis" json:"redis"`
	Prometheus  *prometheus.Config             `yaml:"prometheus" json:"prometheus"`
	Telemetry   *telemetry.Config              `yaml:"telemetry" json:"telemetry"`

	// BizConfig 业务配置, 加载后替换为业务方提供的指针
	BizConfig any `yaml:"biz_config" json:"biz_config"`
}

type APPInfo struct {
	APPName string `yaml:"app_name" json:"app_name"`
	ENV     string `yaml:"env" json:"env" env:"INGESTOR_ENV"`
}
