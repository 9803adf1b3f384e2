package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

type Component struct {
	*core.BaseComponent
	cfg      *Config
	server   *http.Server
	registry *prometheus.Registry
	started  bool
}

func NewComponent(cfg *Config) *Component {
	cfg.applyDefaults()
	c := &Component{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_PROMETHEUS, consts.COMPONENT_LOGGING),
		cfg:           cfg,
		registry:      prometheus.NewRegistry(),
	}
	if *cfg.CollectGoMetrics {
		_ = c.registry.Register(collectors.NewGoCollector())
	}
	if *cfg.CollectProcess {
		_ = c.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	registerGlobal(c)
	return c
}

func (c *Component) Start(ctx context.Context) error {
	if err := c.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if c.cfg.Address != "" {
		mux := http.NewServeMux()
		mux.Handle(c.cfg.Path, c.Handler())
		c.server = &http.Server{
			Addr:              c.cfg.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logging.Infof(ctx, "prometheus metrics listening on %s%s", c.cfg.Address, c.cfg.Path)
			if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Errorf(ctx, "prometheus server error: %v", err)
			}
		}()
	}
	c.started = true
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	defer c.BaseComponent.Stop(ctx)
	if !c.started || c.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("prometheus server shutdown: %w", err)
	}
	logging.Info(ctx, "prometheus component stopped")
	return nil
}

func (c *Component) HealthCheck() error {
	if err := c.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if !c.started {
		return fmt.Errorf("prometheus not started")
	}
	return nil
}

func (c *Component) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Component) Path() string { return c.cfg.Path }

func (c *Component) Registerer() prometheus.Registerer { return c.registry }

func (c *Component) Namespace() string { return c.cfg.Namespace }

func (c *Component) Subsystem() string { return c.cfg.Subsystem }

var (
	globalMu      sync.RWMutex
	globalMetrics *Component
)

func registerGlobal(c *Component) {
	globalMu.Lock()
	globalMetrics = c
	globalMu.Unlock()
}

// C returns the active component or nil.
func C() *Component {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}
