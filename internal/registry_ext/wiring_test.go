package registry_ext

import (
	"slices"
	"testing"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/api"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/gormdb"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_client"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_server"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/redis"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/config"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/registry"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/service"
)

// Builds the full graph without starting anything: no connections are opened at build time.
func TestComponentGraphWiresInHTTPMode(t *testing.T) {
	cfg := &config.AppConfig{
		APPInfo:     &config.APPInfo{APPName: "ingestor"},
		HTTPServer:  &http_server.HTTPServerConfig{Enabled: true},
		HTTPClients: &http_client.HTTPClientsConfig{Enabled: true},
		Gorm:        &gormdb.Config{Enabled: true, DataSources: map[string]*gormdb.DataSourceConfig{"ingest": {Driver: "mysql"}}},
		Redis:       &redis.Config{Enabled: true},
	}
	c := core.NewContainer()
	if err := registry.BuildAndRegisterAll(cfg, c); err != nil {
		t.Fatalf("build: %v", err)
	}

	for _, name := range []string{
		consts.COMP_DAO_TASK_STATE, consts.COMP_DAO_BATCH_LOG, consts.COMP_DAO_RESOURCE,
		consts.COMP_DAO_CATEGORY, consts.COMP_DAO_DEAD_LETTER, consts.COMP_AI_PROVIDER, consts.COMP_METRICS,
		consts.COMP_SVC_SUBMITTER, consts.COMP_SVC_EXECUTOR, consts.COMP_SVC_RECONCILER,
		consts.COMP_CTRL_BATCH, consts.COMP_CTRL_INTERNAL, consts.COMP_CTRL_ADMIN,
	} {
		if _, err := c.Resolve(name); err != nil {
			t.Errorf("%s not registered: %v", name, err)
		}
	}
	if _, err := c.Resolve(consts.COMP_SVC_CONSUMER); err == nil {
		t.Errorf("kafka consumer should not be registered in http chain mode")
	}

	comp, _ := c.Resolve(consts.COMP_SVC_EXECUTOR)
	exec := comp.(*service.SubtaskExecutor)
	if exec.TaskState == nil || exec.BatchLogs == nil || exec.Pipeline == nil || exec.Dispatcher == nil || exec.Categories == nil {
		t.Fatalf("executor not fully injected: %+v", exec)
	}
	if exec.Metrics == nil || exec.Metrics.Prom != nil {
		t.Fatalf("metrics should be wired with prometheus left out: %+v", exec.Metrics)
	}

	comp, _ = c.Resolve(consts.COMP_CTRL_INTERNAL)
	if comp.(*api.InternalController).Executor == nil {
		t.Fatalf("internal controller missing executor")
	}

	srv, _ := c.Resolve(appconsts.COMPONENT_HTTP_SERVER)
	deps := srv.Dependencies()
	for _, want := range []string{consts.COMP_CTRL_BATCH, consts.COMP_CTRL_INTERNAL, consts.COMP_CTRL_ADMIN} {
		if !slices.Contains(deps, want) {
			t.Errorf("http_server should start after %s, deps=%v", want, deps)
		}
	}
}
