package http_server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/riandyrn/otelchi"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

type HTTPServerComponent struct {
	*core.BaseComponent
	cfg       *HTTPServerConfig
	container *core.Container
	router    chi.Router
	server    *http.Server
	started   bool
}

func NewHTTPServerComponent(cfg *HTTPServerConfig, c *core.Container) *HTTPServerComponent {
	return &HTTPServerComponent{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_HTTP_SERVER, consts.COMPONENT_LOGGING),
		cfg:           cfg,
		container:     c,
	}
}

// Handler builds the router without listening; used by Start and by tests.
func (hc *HTTPServerComponent) Handler() (http.Handler, error) {
	hc.cfg.applyDefaults()
	hc.router = chi.NewRouter()
	hc.setupMiddlewares()
	if hc.cfg.EnableHealth {
		hc.router.Get("/healthz", hc.healthHandler)
	}
	for _, fn := range snapshot() {
		if err := fn(hc.router, hc.container); err != nil {
			return nil, fmt.Errorf("route register failed: %w", err)
		}
	}
	return hc.router, nil
}

func (hc *HTTPServerComponent) Start(ctx context.Context) error {
	if err := hc.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if hc.cfg == nil || !hc.cfg.Enabled {
		return errors.New("http_server component enabled flag mismatch")
	}
	handler, err := hc.Handler()
	if err != nil {
		return err
	}
	hc.server = &http.Server{
		Addr:         hc.cfg.Address,
		ReadTimeout:  hc.cfg.ReadTimeout,
		WriteTimeout: hc.cfg.WriteTimeout,
		IdleTimeout:  hc.cfg.IdleTimeout,
		Handler:      handler,
	}

	go func() {
		logging.Infof(ctx, "http_server listening on %s", hc.cfg.Address)
		if err := hc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf(ctx, "http_server server error: %v", err)
		}
	}()

	hc.started = true
	return nil
}

func (hc *HTTPServerComponent) Stop(ctx context.Context) error {
	defer hc.BaseComponent.Stop(ctx)
	if !hc.started || hc.server == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, hc.cfg.GracefulTimeout)
	defer cancel()
	if err := hc.server.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("http_server graceful shutdown failed: %w", err)
	}
	logging.Infof(ctx, "http_server server stopped")
	return nil
}

func (hc *HTTPServerComponent) HealthCheck() error {
	if err := hc.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if !hc.started {
		return fmt.Errorf("http_server server not started")
	}
	return nil
}

// healthHandler reports 503 when any registered component is unhealthy.
func (hc *HTTPServerComponent) healthHandler(w http.ResponseWriter, _ *http.Request) {
	if hc.container != nil {
		for name, comp := range hc.container.ListRegistered() {
			if name == consts.COMPONENT_HTTP_SERVER {
				continue
			}
			if err := comp.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, "%s: %v", name, err)
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (hc *HTTPServerComponent) setupMiddlewares() {
	hc.router.Use(middleware.RealIP)
	hc.router.Use(middleware.Recoverer)
	hc.router.Use(middleware.Timeout(hc.cfg.RequestTimeout))
	if cc := hc.cfg.CORS; cc != nil && cc.Enabled {
		hc.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cc.AllowedOrigins,
			AllowedMethods:   cc.AllowedMethods,
			AllowedHeaders:   cc.AllowedHeaders,
			AllowCredentials: cc.AllowCredentials,
			MaxAge:           cc.MaxAge,
		}))
	}

	serviceName := hc.cfg.ServiceName
	if serviceName == "" {
		serviceName = hc.cfg.Address
	}
	hc.router.Use(otelchi.Middleware(serviceName))

	// access log; echoes W3C traceparent when a span is present
	hc.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := r.Context()
			if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
				w.Header().Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID().String(), sc.SpanID().String()))
			} else if rid := r.Header.Get("X-Request-Id"); rid != "" {
				ctx = logging.WithTraceID(ctx, rid)
			}

			next.ServeHTTP(sw, r.WithContext(ctx))

			logging.Info(ctx, "http_access",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", sw.status),
				zap.Duration("dur", time.Since(start)),
			)
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
