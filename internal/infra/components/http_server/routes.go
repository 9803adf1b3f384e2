package http_server

import (
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

// RouteRegisterFunc mounts handlers onto the router; controllers are resolved from the container.
type RouteRegisterFunc func(r chi.Router, c *core.Container) error

var (
	routesMu   sync.Mutex
	registrars []RouteRegisterFunc
)

// RegisterRoutes is meant to be called from init() of api packages.
func RegisterRoutes(fn RouteRegisterFunc) {
	if fn == nil {
		return
	}
	routesMu.Lock()
	registrars = append(registrars, fn)
	routesMu.Unlock()
}

func snapshot() []RouteRegisterFunc {
	routesMu.Lock()
	defer routesMu.Unlock()
	out := make([]RouteRegisterFunc, len(registrars))
	copy(out, registrars)
	return out
}
