package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

func newTestCache(dao *stubCategoryDao, clock *time.Time) *CategoryCache {
	c := NewCategoryCache(config.CategoryConfig{TTL: 5 * time.Minute, StaleWait: 20 * time.Millisecond, DefaultName: "Other", DefaultID: 1})
	c.CategoryDao = dao
	c.now = func() time.Time { return *clock }
	return c
}

func TestCategoryCacheHonoursTTL(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dao := newStubCategoryDao()
	c := newTestCache(dao, &clock)

	if id := c.GetID(ctx, "music"); id != 3 {
		t.Fatalf("case-insensitive lookup: got %d", id)
	}
	clock = clock.Add(4 * time.Minute)
	c.GetMap(ctx)
	if dao.callCount() != 1 {
		t.Fatalf("fresh map must not reload, calls=%d", dao.callCount())
	}
	clock = clock.Add(2 * time.Minute)
	c.GetMap(ctx)
	if dao.callCount() != 2 {
		t.Fatalf("expired map must reload, calls=%d", dao.callCount())
	}
}

func TestCategoryCacheUnknownNameUsesDefault(t *testing.T) {
	clock := time.Now()
	dao := newStubCategoryDao()
	dao.list = append(dao.list, &model.Category{ID: 9, Name: "other stuff"})
	dao.list[0] = &model.Category{ID: 7, Name: "OTHER"}
	c := newTestCache(dao, &clock)
	if id := c.GetID(context.Background(), "Podcasts"); id != 7 {
		t.Fatalf("expected default resolved by name (7), got %d", id)
	}
	if c.DefaultID() != 7 {
		t.Fatalf("DefaultID=%d", c.DefaultID())
	}
}

func TestCategoryCacheServesStaleWhileRefreshing(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dao := newStubCategoryDao()
	c := newTestCache(dao, &clock)
	old := c.GetMap(ctx)

	clock = clock.Add(10 * time.Minute)
	block := make(chan struct{})
	dao.mu.Lock()
	dao.block = block
	dao.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.GetMap(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for dao.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("refresh never started")
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	got := c.GetMap(ctx)
	if got != old {
		t.Fatalf("concurrent caller should get the stale map")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("stale wait took too long")
	}
	if dao.callCount() != 2 {
		t.Fatalf("only one refresh may be in flight, calls=%d", dao.callCount())
	}
	close(block)
	<-done
}

func TestCategoryCacheLoadFailureWithoutSnapshot(t *testing.T) {
	clock := time.Now()
	dao := newStubCategoryDao()
	dao.err = errors.New("db down")
	c := newTestCache(dao, &clock)
	m := c.GetMap(context.Background())
	if m.Len() != 0 || m.ID("Video") != 1 {
		t.Fatalf("expected empty map resolving to default, got len=%d", m.Len())
	}
}

func TestCategoryCacheWaiterWaitsForCurrentRefresh(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dao := newStubCategoryDao()
	c := newTestCache(dao, &clock)
	c.cfg.StaleWait = 50 * time.Millisecond
	c.GetMap(ctx)

	c.mu.RLock()
	leftover := c.inflight
	c.mu.RUnlock()
	if leftover != nil {
		t.Fatalf("finished refresh must clear its wait channel")
	}

	clock = clock.Add(10 * time.Minute)
	block := make(chan struct{})
	dao.mu.Lock()
	dao.block = block
	dao.mu.Unlock()
	done := make(chan struct{})
	go func() {
		c.GetMap(ctx)
		close(done)
	}()
	for dao.callCount() < 2 {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	c.GetMap(ctx)
	if waited := time.Since(start); waited < c.cfg.StaleWait {
		t.Fatalf("caller returned after %s, should wait for the running refresh up to %s", waited, c.cfg.StaleWait)
	}
	close(block)
	<-done
}
