package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Container 依赖注入容器
type Container struct {
	components map[string]Component
	mutex      sync.RWMutex
}

func NewContainer() *Container {
	return &Container{components: make(map[string]Component)}
}

func (c *Container) Register(name string, component Component) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, exists := c.components[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	c.components[name] = component
	return nil
}

func (c *Container) Resolve(name string) (Component, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	component, exists := c.components[name]
	if !exists {
		return nil, fmt.Errorf("component %s not found", name)
	}
	return component, nil
}

// ResolveAs resolves a component and asserts it to T (concrete pointer or interface).
func ResolveAs[T any](c *Container, name string) (T, error) {
	var zero T
	comp, err := c.Resolve(name)
	if err != nil {
		return zero, err
	}
	typed, ok := comp.(T)
	if !ok {
		return zero, fmt.Errorf("component %s has unexpected type %T", name, comp)
	}
	return typed, nil
}

func (c *Container) ListRegistered() map[string]Component {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make(map[string]Component, len(c.components))
	for name, comp := range c.components {
		result[name] = comp
	}
	return result
}

// Replace 替换已注册但未激活的组件（主要用于测试）
func (c *Container) Replace(name string, component Component) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	existing, exists := c.components[name]
	if !exists {
		return fmt.Errorf("component %s not registered", name)
	}
	if existing.IsActive() {
		return fmt.Errorf("component %s is active; cannot replace", name)
	}
	c.components[name] = component
	return nil
}

// SortComponentsByDependencies 根据依赖关系拓扑排序；名称排序保证结果稳定
func (c *Container) SortComponentsByDependencies() ([]Component, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	result := make([]Component, 0, len(c.components))

	var visit func(string, []string) error
	visit = func(name string, path []string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency: %s -> %s", strings.Join(path, " -> "), name)
		}
		if visited[name] {
			return nil
		}
		component, exists := c.components[name]
		if !exists {
			return fmt.Errorf("component %s not found (required by %s)", name, strings.Join(path, " -> "))
		}
		visiting[name] = true
		for _, dep := range component.Dependencies() {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		result = append(result, component)
		return nil
	}

	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return result, nil
}
