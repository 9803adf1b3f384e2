package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_server"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/service"
)

type reconcileRunner interface {
	RunOnce(ctx context.Context) (*service.ReconcileReport, error)
}

type deadLetterLister interface {
	List(ctx context.Context, limit int) ([]*model.ReviewDeadLetter, error)
	Count(ctx context.Context) (int, error)
}

type logCleaner interface {
	CleanupByAge(ctx context.Context, maxAge time.Duration) (int64, error)
}

type AdminController struct {
	*core.BaseComponent
	Reconciler  reconcileRunner  `infra:"dep:reconciler"`
	DeadLetters deadLetterLister `infra:"dep:review_dead_letter_dao"`
	Cleanup     logCleaner       `infra:"dep:log_cleanup"`
}

func NewAdminController() *AdminController {
	return &AdminController{BaseComponent: core.NewBaseComponent(consts.COMP_CTRL_ADMIN, appconsts.COMPONENT_LOGGING)}
}

func init() {
	http_server.RegisterRoutes(func(r chi.Router, c *core.Container) error {
		comp, err := c.Resolve(consts.COMP_CTRL_ADMIN)
		if err != nil {
			return err
		}
		ctrl, ok := comp.(*AdminController)
		if !ok {
			return fmt.Errorf("admin_ctrl type assertion failed")
		}
		ctrl.Routes(r)
		return nil
	})
}

func (c *AdminController) Routes(r chi.Router) {
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(requireCaller, requireAdmin)
		r.Post("/reconcile", c.reconcile)
		r.Get("/review/dead-letters", c.listDeadLetters)
		r.Post("/logs/cleanup", c.cleanupLogs)
	})
}

func (c *AdminController) reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := c.Reconciler.RunOnce(r.Context())
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (c *AdminController) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok || limit <= 0 {
		writeErr(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, 500)
	items, err := c.DeadLetters.List(r.Context(), limit)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	total, err := c.DeadLetters.Count(r.Context())
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	if items == nil {
		items = []*model.ReviewDeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// cleanupLogs deletes finished batch logs older than ?older_than=<duration>, e.g. 720h.
func (c *AdminController) cleanupLogs(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("older_than")
	age, err := time.ParseDuration(raw)
	if err != nil || age <= 0 {
		writeErr(w, http.StatusBadRequest, "older_than must be a positive duration")
		return
	}
	n, err := c.Cleanup.CleanupByAge(r.Context(), age)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}
