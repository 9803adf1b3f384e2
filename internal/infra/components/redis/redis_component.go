package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

type RedisComponent struct {
	*core.BaseComponent
	cfg    *Config
	client redis.UniversalClient
}

func NewRedisComponent(cfg *Config) *RedisComponent {
	cfg.applyDefaults()
	return &RedisComponent{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_REDIS, consts.COMPONENT_LOGGING),
		cfg:           cfg,
	}
}

func (rc *RedisComponent) Start(ctx context.Context) error {
	if err := rc.BaseComponent.Start(ctx); err != nil {
		return err
	}
	switch strings.ToLower(rc.cfg.Mode) {
	case "single", "cluster":
	case "sentinel":
		if rc.cfg.SentinelMaster == "" {
			return fmt.Errorf("sentinel mode requires sentinel_master")
		}
	default:
		return fmt.Errorf("unknown redis mode: %s", rc.cfg.Mode)
	}

	opts := &redis.UniversalOptions{
		Addrs:           rc.cfg.Addresses,
		DB:              rc.cfg.DB,
		Username:        rc.cfg.Username,
		Password:        rc.cfg.Password,
		MasterName:      rc.cfg.SentinelMaster,
		PoolSize:        rc.cfg.PoolSize,
		MinIdleConns:    rc.cfg.MinIdleConns,
		DialTimeout:     rc.cfg.DialTimeout,
		ReadTimeout:     rc.cfg.ReadTimeout,
		WriteTimeout:    rc.cfg.WriteTimeout,
		ConnMaxLifetime: rc.cfg.ConnMaxLifetime,
		ConnMaxIdleTime: rc.cfg.ConnMaxIdleTime,
	}
	rc.client = redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.client.Ping(pingCtx).Err(); err != nil {
		_ = rc.client.Close()
		rc.client = nil
		return fmt.Errorf("redis ping failed: %w", err)
	}

	logging.Info(ctx, "redis component started",
		zap.String("mode", rc.cfg.Mode),
		zap.Strings("addrs", rc.cfg.Addresses),
	)
	return nil
}

func (rc *RedisComponent) Stop(ctx context.Context) error {
	defer rc.BaseComponent.Stop(ctx)
	if rc.client != nil {
		_ = rc.client.Close()
		logging.Info(ctx, "redis component stopped")
	}
	return nil
}

func (rc *RedisComponent) HealthCheck() error {
	if err := rc.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if rc.client == nil {
		return errors.New("redis client nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rc.client.Ping(ctx).Err()
}

func (rc *RedisComponent) Client() redis.UniversalClient {
	return rc.client
}
