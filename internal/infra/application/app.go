package application

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/registry"
)

type App struct {
	container        *core.Container
	lifecycleManager *core.LifecycleManager
	configManager    *config.ConfigManager

	bootOnce sync.Once
	bootErr  error

	shutdownTimeout time.Duration
}

var (
	appOnce sync.Once
	appInst *App
)

// GetApp returns the process-wide App. Env and config path come from INGESTOR_ENV and
// INGESTOR_CONFIG, falling back to development and configs/config.yaml.
func GetApp() *App {
	appOnce.Do(func() {
		env := os.Getenv(consts.ENV_APP_ENV)
		if env == "" {
			env = consts.ENV_DEVELOPMENT
		}
		path := os.Getenv(consts.ENV_CONFIG_PATH)
		if path == "" {
			path = consts.DEFAULT_CONFIG_PATH
		}
		appInst = NewApp(env, path)
	})
	return appInst
}

func NewApp(env string, configPath string) *App {
	abs := configPath
	if p, err := filepath.Abs(configPath); err == nil {
		abs = p
	}
	container := core.NewContainer()
	return &App{
		configManager:    config.NewConfigManager(env, abs),
		container:        container,
		lifecycleManager: core.NewLifecycleManager(container),
		shutdownTimeout:  30 * time.Second,
	}
}

func (app *App) SetShutdownTimeout(d time.Duration) { app.shutdownTimeout = d }

// SetBizConfig must be called before Run / Boot.
func (app *App) SetBizConfig(b any) { app.configManager.SetBizConfig(b) }

// Boot loads config and builds every registered component without starting them.
func (app *App) Boot() error {
	app.bootOnce.Do(func() {
		if err := app.configManager.LoadConfig(); err != nil {
			app.bootErr = fmt.Errorf("load config failed: %w", err)
			return
		}
		if err := registry.BuildAndRegisterAll(app.configManager.GetConfig(), app.container); err != nil {
			app.bootErr = fmt.Errorf("register components failed: %w", err)
		}
	})
	return app.bootErr
}

func (app *App) GetComponent(name string) (core.Component, error) {
	return app.container.Resolve(name)
}

func (app *App) Container() *core.Container { return app.container }

func (app *App) GetConfig() *config.AppConfig {
	return app.configManager.GetConfig()
}

// Run blocks until SIGINT/SIGTERM. A second signal or the shutdown timeout forces exit.
func (app *App) Run() error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := <-sigCh
		log.Printf("received signal %s, shutting down (timeout %s)", sig, app.shutdownTimeout)
		cancel()
		select {
		case <-sigCh:
			log.Printf("second signal, forcing exit")
		case <-time.After(app.shutdownTimeout):
			log.Printf("graceful shutdown timed out, forcing exit")
		}
		os.Exit(1)
	}()
	return app.RunWithContext(ctx)
}

// RunWithContext starts components and blocks until ctx is done, then stops them.
func (app *App) RunWithContext(ctx context.Context) error {
	if err := app.Boot(); err != nil {
		return err
	}
	if err := app.lifecycleManager.StartAll(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout)
	defer cancel()
	app.lifecycleManager.StopAll(stopCtx)
	return nil
}
