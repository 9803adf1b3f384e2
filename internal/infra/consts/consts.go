package consts

const (
	ENV_PRODUCTION  = "production"
	ENV_DEVELOPMENT = "development"
	ENV_TEST        = "test"

	DEFAULT_CONFIG_PATH = "configs/config.yaml"
	ENV_CONFIG_PATH     = "INGESTOR_CONFIG"
	ENV_APP_ENV         = "INGESTOR_ENV"

	KEY_TraceID = "trace_id"
)

// 框架内置组件名
const (
	COMPONENT_LOGGING      = "logging"
	COMPONENT_HTTP_SERVER  = "http_server"
	COMPONENT_HTTP_CLIENTS = "http_clients"
	COMPONENT_REDIS        = "redis"
	COMPONENT_PROMETHEUS   = "prometheus"
	COMPONENT_TELEMETRY    = "telemetry"
	COMPONENT_GORM         = "gorm_db"
)
