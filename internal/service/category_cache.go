package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

// CategoryMap is an immutable name -> id snapshot. Lookups are case-insensitive and
// unknown names resolve to the default id.
type CategoryMap struct {
	ids       map[string]int64
	names     []string
	defaultID int64
}

func NewCategoryMap(ids map[string]int64, defaultID int64) *CategoryMap {
	m := &CategoryMap{ids: make(map[string]int64, len(ids)), defaultID: defaultID}
	for k, v := range ids {
		m.ids[strings.ToLower(strings.TrimSpace(k))] = v
		m.names = append(m.names, k)
	}
	sort.Strings(m.names)
	return m
}

// Names returns the category names as stored, sorted.
func (m *CategoryMap) Names() []string {
	if m == nil {
		return nil
	}
	return m.names
}

func (m *CategoryMap) Lookup(name string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	id, ok := m.ids[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

func (m *CategoryMap) ID(name string) int64 {
	if id, ok := m.Lookup(name); ok {
		return id
	}
	return m.DefaultID()
}

func (m *CategoryMap) DefaultID() int64 {
	if m == nil {
		return 1
	}
	return m.defaultID
}

func (m *CategoryMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ids)
}

// CategoryResolver resolves category names for enrichment.
type CategoryResolver interface {
	GetMap(ctx context.Context) *CategoryMap
	GetID(ctx context.Context, name string) int64
	ForceRefresh(ctx context.Context) error
	DefaultID() int64
}

// CategoryCache keeps the category map for TTL. One caller refreshes at a time; the others
// wait up to StaleWait and then take whatever map is cached.
type CategoryCache struct {
	*core.BaseComponent
	CategoryDao dao.CategoryDao `infra:"dep:category_dao"`

	cfg config.CategoryConfig
	now func() time.Time

	mu       sync.RWMutex
	current  *CategoryMap
	loadedAt time.Time
	// inflight is non-nil while a refresh runs and is closed when it ends
	inflight chan struct{}
}

func NewCategoryCache(cfg config.CategoryConfig) *CategoryCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.StaleWait <= 0 {
		cfg.StaleWait = 200 * time.Millisecond
	}
	if cfg.DefaultID <= 0 {
		cfg.DefaultID = 1
	}
	return &CategoryCache{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_CATEGORY_CACHE, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		now:           time.Now,
	}
}

func (c *CategoryCache) Start(ctx context.Context) error {
	if err := c.BaseComponent.Start(ctx); err != nil {
		return err
	}
	// warm up; a failure here only means the first batch refreshes again
	if err := c.ForceRefresh(ctx); err != nil {
		logging.Warn(ctx, "category warm-up failed", zap.Error(err))
	}
	return nil
}

func (c *CategoryCache) snapshot() (*CategoryMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fresh := c.current != nil && c.now().Sub(c.loadedAt) < c.cfg.TTL
	return c.current, fresh
}

func (c *CategoryCache) GetMap(ctx context.Context) *CategoryMap {
	if m, fresh := c.snapshot(); fresh {
		return m
	}
	if err := c.refresh(ctx); err != nil {
		logging.Warn(ctx, "category refresh failed, using cached map", zap.Error(err))
	}
	m, _ := c.snapshot()
	if m == nil {
		return NewCategoryMap(nil, c.cfg.DefaultID)
	}
	return m
}

func (c *CategoryCache) GetID(ctx context.Context, name string) int64 {
	return c.GetMap(ctx).ID(name)
}

func (c *CategoryCache) DefaultID() int64 {
	m, _ := c.snapshot()
	if m == nil {
		return c.cfg.DefaultID
	}
	return m.DefaultID()
}

func (c *CategoryCache) ForceRefresh(ctx context.Context) error {
	return c.refresh(ctx)
}

func (c *CategoryCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	if ch := c.inflight; ch != nil {
		c.mu.Unlock()
		timer := time.NewTimer(c.cfg.StaleWait)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
		}
		return nil
	}
	done := make(chan struct{})
	c.inflight = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(done)
	}()

	list, err := c.CategoryDao.List(ctx)
	if err != nil {
		return err
	}
	ids := make(map[string]int64, len(list))
	defaultID := c.cfg.DefaultID
	for _, cat := range list {
		ids[cat.Name] = cat.ID
		if strings.EqualFold(cat.Name, c.cfg.DefaultName) {
			defaultID = cat.ID
		}
	}
	m := NewCategoryMap(ids, defaultID)
	c.mu.Lock()
	c.current = m
	c.loadedAt = c.now()
	c.mu.Unlock()
	logging.Debug(ctx, "category map refreshed", zap.Int("count", m.Len()), zap.Int64("default_id", defaultID))
	return nil
}
