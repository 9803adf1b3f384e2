package gormdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mysqlcfg "github.com/go-sql-driver/mysql"
	mysqlDriver "gorm.io/driver/mysql"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

var (
	modelsMu sync.Mutex
	models   = map[string][]any{}
)

// RegisterModels declares models to AutoMigrate on the named datasource (call from init()).
func RegisterModels(dsName string, m ...any) {
	modelsMu.Lock()
	models[dsName] = append(models[dsName], m...)
	modelsMu.Unlock()
}

// GormComponent manages one *gorm.DB per datasource.
type GormComponent struct {
	*core.BaseComponent
	cfg   *Config
	dbs   map[string]*gorm.DB
	mutex sync.RWMutex
	log   logger.Interface
}

func NewGormComponent(cfg *Config) *GormComponent {
	return &GormComponent{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_GORM, consts.COMPONENT_LOGGING),
		cfg:           cfg,
		dbs:           make(map[string]*gorm.DB),
		log:           newGormLogger(cfg),
	}
}

func (c *GormComponent) Start(ctx context.Context) error {
	if err := c.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if len(c.cfg.DataSources) == 0 {
		return fmt.Errorf("gorm_db no data_sources configured")
	}
	for name, ds := range c.cfg.DataSources {
		if ds == nil {
			return fmt.Errorf("datasource %s config is nil", name)
		}
		gdb, err := c.open(ctx, name, ds)
		if err != nil {
			return err
		}
		c.mutex.Lock()
		c.dbs[name] = gdb
		c.mutex.Unlock()
		logging.Infof(ctx, "[gorm_db] datasource %s initialized driver=%s", name, ds.Driver)
	}
	logging.Infof(ctx, "[gorm_db] started. data sources=%v", c.listNames())
	return nil
}

func (c *GormComponent) open(ctx context.Context, name string, ds *DataSourceConfig) (*gorm.DB, error) {
	dialector, err := buildDialector(ds)
	if err != nil {
		return nil, fmt.Errorf("datasource %s: %w", name, err)
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   c.log,
		SkipDefaultTransaction:                   ds.SkipDefaultTransaction,
		PrepareStmt:                              ds.PrepareStmt,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm db %s failed: %w", name, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB for %s failed: %w", name, err)
	}
	sqlDB.SetMaxOpenConns(orDefault(ds.MaxOpenConns, 50))
	sqlDB.SetMaxIdleConns(orDefault(ds.MaxIdleConns, 10))
	if ds.ConnMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(ds.ConnMaxLife)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	if ds.ConnMaxIdle > 0 {
		sqlDB.SetConnMaxIdleTime(ds.ConnMaxIdle)
	}
	if ds.PingOnStart {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ping gorm db %s failed: %w", name, err)
		}
	}
	if ds.AutoMigrate {
		modelsMu.Lock()
		list := models[name]
		modelsMu.Unlock()
		if len(list) > 0 {
			if err := gdb.WithContext(ctx).AutoMigrate(list...); err != nil {
				return nil, fmt.Errorf("auto migrate %s failed: %w", name, err)
			}
		}
	}
	return gdb, nil
}

func (c *GormComponent) Stop(ctx context.Context) error {
	defer func() { _ = c.BaseComponent.Stop(ctx) }()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for name, gdb := range c.dbs {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
		logging.Infof(ctx, "[gorm_db] datasource %s closed", name)
	}
	return nil
}

func (c *GormComponent) HealthCheck() error {
	if err := c.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for name, gdb := range c.dbs {
		sqlDB, err := gdb.DB()
		if err != nil {
			return fmt.Errorf("datasource %s get sql.DB failed: %w", name, err)
		}
		if err := sqlDB.Ping(); err != nil {
			return fmt.Errorf("datasource %s ping failed: %w", name, err)
		}
	}
	return nil
}

func (c *GormComponent) GetDB(name string) (*gorm.DB, error) {
	c.mutex.RLock()
	db, ok := c.dbs[name]
	c.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gorm_db datasource %s not found", name)
	}
	return db, nil
}

func (c *GormComponent) listNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	names := make([]string, 0, len(c.dbs))
	for k := range c.dbs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func buildDialector(ds *DataSourceConfig) (gorm.Dialector, error) {
	switch strings.ToLower(ds.Driver) {
	case "", "mysql":
		dsn, err := mysqlDSN(ds)
		if err != nil {
			return nil, err
		}
		return mysqlDriver.New(mysqlDriver.Config{DSN: dsn}), nil
	case "postgres", "postgresql":
		dsn, err := postgresDSN(ds)
		if err != nil {
			return nil, err
		}
		return postgresDriver.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", ds.Driver)
	}
}

func mysqlDSN(ds *DataSourceConfig) (string, error) {
	if strings.TrimSpace(ds.DSN) != "" {
		return ds.DSN, nil
	}
	if ds.Host == "" || ds.User == "" || ds.Database == "" {
		return "", errors.New("host, user, database required when dsn not provided")
	}
	mc := mysqlcfg.NewConfig()
	mc.User = ds.User
	mc.Passwd = ds.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", ds.Host, orDefault(ds.Port, 3306))
	mc.DBName = ds.Database
	mc.ParseTime = true
	mc.Loc = time.Local
	mc.Params = map[string]string{"charset": "utf8mb4"}
	for k, v := range ds.Params {
		mc.Params[k] = v
	}
	return mc.FormatDSN(), nil
}

func postgresDSN(ds *DataSourceConfig) (string, error) {
	if strings.TrimSpace(ds.DSN) != "" {
		return ds.DSN, nil
	}
	if ds.Host == "" || ds.User == "" || ds.Database == "" {
		return "", errors.New("host, user, database required when dsn not provided")
	}
	parts := []string{
		"host=" + ds.Host,
		fmt.Sprintf("port=%d", orDefault(ds.Port, 5432)),
		"user=" + ds.User,
		"password=" + ds.Password,
		"dbname=" + ds.Database,
	}
	if _, ok := ds.Params["sslmode"]; !ok {
		parts = append(parts, "sslmode=disable")
	}
	keys := make([]string, 0, len(ds.Params))
	for k := range ds.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+ds.Params[k])
	}
	return strings.Join(parts, " "), nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
