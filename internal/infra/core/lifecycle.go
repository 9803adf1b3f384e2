package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// LifecycleManager 按依赖顺序启动组件，逆序停止
type LifecycleManager struct {
	container *Container
	timeout   time.Duration

	mutex   sync.Mutex
	started []Component
	stopped bool
}

func NewLifecycleManager(container *Container) *LifecycleManager {
	return &LifecycleManager{container: container, timeout: 30 * time.Second}
}

func (lm *LifecycleManager) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		lm.timeout = timeout
	}
}

func (lm *LifecycleManager) StartAll(ctx context.Context) error {
	components, err := lm.container.SortComponentsByDependencies()
	if err != nil {
		return fmt.Errorf("failed to sort components: %w", err)
	}

	for _, comp := range components {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := comp.Start(startCtx)
		cancel()
		if err != nil {
			log.Printf("failed to start component %s: %v", comp.Name(), err)
			lm.StopAll(context.Background())
			return fmt.Errorf("failed to start component %s: %w", comp.Name(), err)
		}
		lm.mutex.Lock()
		lm.started = append(lm.started, comp)
		lm.mutex.Unlock()
		log.Printf("component %s started", comp.Name())
	}
	return nil
}

// StopAll 只停止已成功启动的组件，可重复调用
func (lm *LifecycleManager) StopAll(ctx context.Context) {
	lm.mutex.Lock()
	if lm.stopped {
		lm.mutex.Unlock()
		return
	}
	lm.stopped = true
	started := lm.started
	lm.mutex.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		comp := started[i]
		if !comp.IsActive() {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		if err := comp.Stop(stopCtx); err != nil {
			log.Printf("error stopping component %s: %v", comp.Name(), err)
		}
		cancel()
	}
	log.Println("shutdown sequence completed")
}

// HealthReport 汇总所有组件健康状态
func (lm *LifecycleManager) HealthReport() map[string]string {
	report := map[string]string{}
	for name, comp := range lm.container.ListRegistered() {
		if err := comp.HealthCheck(); err != nil {
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	return report
}
