package registry

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

// BuilderFunc returns (enabled, component, error). enabled=false skips registration.
type BuilderFunc func(cfg *config.AppConfig, c *core.Container) (bool, core.Component, error)

// Builder holds metadata for one component builder.
type Builder struct {
	Name string
	Fn   BuilderFunc
	Auto bool     // name + build deps inferred from the prebuilt instance
	Deps []string // build-time ordering

	prebuilt   core.Component
	preEnabled bool
}

var (
	buildersMu sync.Mutex
	builders   []*Builder
)

func findBuilder(name string) *Builder {
	for _, b := range builders {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Register registers a builder under an explicit component name.
func Register(name string, fn BuilderFunc) {
	RegisterWithDeps(name, nil, fn)
}

// RegisterWithDeps registers a builder that must run after the builders named in deps.
func RegisterWithDeps(name string, deps []string, fn BuilderFunc) {
	if name == "" {
		panic("registry: empty builder name")
	}
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if findBuilder(name) != nil {
		panic("registry: duplicate builder name " + name)
	}
	builders = append(builders, &Builder{Name: name, Fn: fn, Deps: deps})
}

// RegisterAuto registers a builder whose component name and build-time deps are inferred
// from the constructed instance (Name() + `infra:"dep:..."` tags).
func RegisterAuto(fn BuilderFunc) {
	buildersMu.Lock()
	builders = append(builders, &Builder{Auto: true, Fn: fn})
	buildersMu.Unlock()
}

// BuildAndRegisterAll builds every registered builder in dependency order, registers the
// components, then autowires tagged fields and applies runtime dependency extensions.
func BuildAndRegisterAll(cfg *config.AppConfig, c *core.Container) error {
	buildersMu.Lock()
	defer buildersMu.Unlock()

	for _, b := range builders {
		if !b.Auto || b.Name != "" {
			continue
		}
		enabled, comp, err := b.Fn(cfg, c)
		if err != nil {
			return fmt.Errorf("auto builder failed: %w", err)
		}
		b.preEnabled, b.prebuilt = enabled, comp
		if !enabled || comp == nil {
			continue
		}
		name := comp.Name()
		if name == "" {
			return fmt.Errorf("auto builder produced unnamed component %T", comp)
		}
		if existing := findBuilder(name); existing != nil && existing != b {
			return fmt.Errorf("duplicate inferred name: %s", name)
		}
		b.Name = name
		b.Deps = append(b.Deps, inferTagDependencies(comp)...)
	}

	ordered, err := topoSortBuilders(builders)
	if err != nil {
		return err
	}

	for _, b := range ordered {
		var (
			enabled bool
			comp    core.Component
		)
		if b.Auto {
			enabled, comp = b.preEnabled, b.prebuilt
		} else {
			enabled, comp, err = b.Fn(cfg, c)
			if err != nil {
				return fmt.Errorf("build %s failed: %w", b.Name, err)
			}
		}
		if !enabled || comp == nil {
			continue
		}
		if err := c.Register(b.Name, comp); err != nil {
			return fmt.Errorf("register %s failed: %w", b.Name, err)
		}
	}

	if err := InjectAll(c); err != nil {
		return err
	}
	applyRuntimeDepExtensions(c)
	return nil
}

// inferTagDependencies extracts component names from `infra:"dep:<name>"` tags.
func inferTagDependencies(comp core.Component) []string {
	v := reflect.ValueOf(comp)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	seen := map[string]struct{}{}
	var out []string
	for i := 0; i < t.NumField(); i++ {
		name, _, ok := parseDepTag(t.Field(i))
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func parseDepTag(f reflect.StructField) (name string, optional bool, ok bool) {
	if f.PkgPath != "" {
		return "", false, false
	}
	tag := f.Tag.Get("infra")
	if !strings.HasPrefix(tag, "dep:") {
		return "", false, false
	}
	name = strings.TrimSpace(strings.TrimPrefix(tag, "dep:"))
	if strings.HasSuffix(name, "?") {
		optional = true
		name = strings.TrimSuffix(name, "?")
	}
	return name, optional, name != ""
}

// topoSortBuilders orders builders by declared/inferred deps; unknown deps are ignored
// here (they are either disabled or resolved at runtime).
func topoSortBuilders(list []*Builder) ([]*Builder, error) {
	nameMap := map[string]*Builder{}
	inDeg := map[string]int{}
	adj := map[string][]string{}
	for _, b := range list {
		if b.Name != "" {
			nameMap[b.Name] = b
			inDeg[b.Name] = 0
		}
	}
	for _, b := range list {
		if b.Name == "" {
			continue
		}
		for _, d := range b.Deps {
			if _, ok := nameMap[d]; !ok {
				continue
			}
			adj[d] = append(adj[d], b.Name)
			inDeg[b.Name]++
		}
	}
	var zero []string
	for n, d := range inDeg {
		if d == 0 {
			zero = append(zero, n)
		}
	}
	sort.Strings(zero)
	var ordered []*Builder
	for len(zero) > 0 {
		n := zero[0]
		zero = zero[1:]
		ordered = append(ordered, nameMap[n])
		for _, nxt := range adj[n] {
			inDeg[nxt]--
			if inDeg[nxt] == 0 {
				zero = append(zero, nxt)
			}
		}
		sort.Strings(zero)
	}
	if len(ordered) != len(nameMap) {
		var cyc []string
		for n, d := range inDeg {
			if d > 0 {
				cyc = append(cyc, n)
			}
		}
		sort.Strings(cyc)
		return nil, fmt.Errorf("registry: cyclic builder deps: %v", cyc)
	}
	return ordered, nil
}
