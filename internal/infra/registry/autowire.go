package registry

// Struct-tag injection: a field tagged `infra:"dep:<component_name>"` is resolved from the
// container and assigned; `dep:<name>?` marks it optional. The injected name is appended to
// the component's runtime dependencies so start/stop order follows the wiring.

import (
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

type runtimeDepAdder interface {
	AddDependencies(...string)
}

// InjectAll injects tagged dependencies into every registered component.
func InjectAll(c *core.Container) error {
	registered := c.ListRegistered()
	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []string
	for _, name := range names {
		if err := Inject(c, registered[name]); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("autowire errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Inject performs injection for a single component.
func Inject(c *core.Container, comp core.Component) error {
	if comp == nil {
		return nil
	}
	val := reflect.ValueOf(comp)
	if val.Kind() != reflect.Ptr {
		return nil
	}
	val = val.Elem()
	if val.Kind() != reflect.Struct {
		return nil
	}
	adder, _ := comp.(runtimeDepAdder)
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		name, optional, ok := parseDepTag(field)
		if !ok {
			continue
		}
		resolved, err := c.Resolve(name)
		if err != nil {
			if optional {
				continue
			}
			return fmt.Errorf("resolve %s failed: %w", name, err)
		}
		fv := val.Field(i)
		if !fv.CanSet() {
			return fmt.Errorf("field %s not settable", field.Name)
		}
		if err := assignValue(fv, resolved); err != nil {
			return fmt.Errorf("assign %s -> field %s failed: %w", name, field.Name, err)
		}
		if adder != nil {
			adder.AddDependencies(name)
		}
	}
	return nil
}

func assignValue(dst reflect.Value, src interface{}) error {
	sv := reflect.ValueOf(src)
	if dst.Kind() == reflect.Interface {
		if sv.Type().Implements(dst.Type()) {
			dst.Set(sv)
			return nil
		}
		return fmt.Errorf("%s does not implement %s", sv.Type(), dst.Type())
	}
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}
	return fmt.Errorf("incompatible types: %s -> %s", sv.Type(), dst.Type())
}

var (
	runtimeDepExtMap = map[string][]string{}
	runtimeDepExtMu  sync.Mutex
)

// ExtendRuntimeDependencies declares that `target` must start after `deps`. Only affects
// runtime ordering; call it from init() before BuildAndRegisterAll.
func ExtendRuntimeDependencies(target string, deps ...string) {
	if target == "" || len(deps) == 0 {
		return
	}
	runtimeDepExtMu.Lock()
	runtimeDepExtMap[target] = append(runtimeDepExtMap[target], deps...)
	runtimeDepExtMu.Unlock()
}

func applyRuntimeDepExtensions(c *core.Container) {
	runtimeDepExtMu.Lock()
	defer runtimeDepExtMu.Unlock()
	for target, extra := range runtimeDepExtMap {
		comp, err := c.Resolve(target)
		if err != nil {
			log.Printf("registry: runtime dep extension target %s not registered (skipped)", target)
			continue
		}
		// only keep deps that are actually registered (e.g. optional controllers)
		var present []string
		for _, d := range extra {
			if _, err := c.Resolve(d); err == nil {
				present = append(present, d)
			}
		}
		if extender, ok := comp.(runtimeDepAdder); ok {
			extender.AddDependencies(present...)
		}
	}
	runtimeDepExtMap = map[string][]string{}
}
