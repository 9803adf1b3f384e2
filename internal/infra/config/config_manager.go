package config

import (
	"fmt"
	"strings"
)

type ConfigManager struct {
	configLoader *Loader
	appConfig    *AppConfig
}

func NewConfigManager(env string, configPath string) *ConfigManager {
	return &ConfigManager{configLoader: NewLoader(env, configPath)}
}

// SetBizConfig 在加载前设置业务配置指针
func (cf *ConfigManager) SetBizConfig(b any) {
	if cf != nil && cf.configLoader != nil {
		cf.configLoader.SetBizConfig(b)
	}
}

func (cf *ConfigManager) GetConfig() *AppConfig {
	return cf.appConfig
}

func (cf *ConfigManager) LoadConfig() error {
	path := cf.configLoader.configPath
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path cannot be empty")
	}
	if !fileExists(path) {
		return fmt.Errorf("config file does not exist: %s", path)
	}
	cfg, err := cf.configLoader.LoadConfig()
	if err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		return err
	}
	cf.appConfig = cfg
	return nil
}

func validate(cfg *AppConfig) error {
	if cfg.APPInfo == nil || cfg.APPInfo.APPName == "" {
		return fmt.Errorf("app_info.app_name is required")
	}
	if cfg.HTTPServer != nil && cfg.HTTPServer.Enabled && cfg.Logging == nil {
		return fmt.Errorf("http_server requires logging section")
	}
	return nil
}
