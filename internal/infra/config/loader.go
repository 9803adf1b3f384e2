package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
)

// Loader 配置加载器
type Loader struct {
	env        string
	configPath string
	// bizConfig: 业务方传入的指针, 用于填充 biz_config 小节
	bizConfig any
}

func NewLoader(env string, configPath string) *Loader {
	if env == "" {
		env = consts.ENV_DEVELOPMENT
	}
	if configPath == "" {
		configPath = consts.DEFAULT_CONFIG_PATH
	}
	return &Loader{env: env, configPath: configPath}
}

// SetBizConfig 注入业务配置结构指针, 需在 LoadConfig 之前调用
func (l *Loader) SetBizConfig(b any) {
	if b == nil {
		return
	}
	if reflect.TypeOf(b).Kind() != reflect.Ptr {
		panic("SetBizConfig expects a pointer, e.g. &MyBizConfig{}")
	}
	l.bizConfig = b
}

// LoadConfig 解析 yaml, biz_config 子树二次解码到业务指针, 最后叠加环境变量
func (l *Loader) LoadConfig() (*AppConfig, error) {
	// .env 只用于本地开发, 不存在时忽略
	_ = godotenv.Load()

	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if l.bizConfig != nil {
		if cfg.BizConfig != nil {
			raw, err := yaml.Marshal(cfg.BizConfig)
			if err != nil {
				return nil, fmt.Errorf("re-marshal biz_config failed: %w", err)
			}
			if err := yaml.Unmarshal(raw, l.bizConfig); err != nil {
				return nil, fmt.Errorf("decode biz_config failed: %w", err)
			}
		}
		cfg.BizConfig = l.bizConfig
	}

	if err := l.mergeEnvVars(&cfg); err != nil {
		return nil, err
	}
	if cfg.APPInfo == nil {
		cfg.APPInfo = &APPInfo{}
	}
	if cfg.APPInfo.ENV == "" {
		cfg.APPInfo.ENV = l.env
	}
	return &cfg, nil
}

// mergeEnvVars 使用 env 标签覆盖配置 (密码、token 等不进 yaml)
func (l *Loader) mergeEnvVars(cfg *AppConfig) error {
	targets := []any{cfg.APPInfo, cfg.Logging, cfg.Gorm, cfg.Redis, cfg.BizConfig}
	for _, t := range targets {
		if t == nil || reflect.ValueOf(t).IsNil() {
			continue
		}
		if err := cleanenv.ReadEnv(t); err != nil {
			return fmt.Errorf("apply env overrides to %T: %w", t, err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
