package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_server"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/service"
)

const maxBodyBytes = 2 << 20

type batchSubmitter interface {
	Submit(ctx context.Context, caller model.Caller, req service.SubmitRequest) (*service.SubmitResult, error)
}

type textParser interface {
	Parse(ctx context.Context, text string) (*service.ParseResult, error)
}

type progressReader interface {
	Get(ctx context.Context, caller model.Caller, taskUUID string) (*service.ProgressView, error)
}

type logLister interface {
	List(ctx context.Context, caller model.Caller, q service.LogQuery) (*service.LogPage, error)
}

type BatchController struct {
	*core.BaseComponent
	Submitter batchSubmitter `infra:"dep:submitter"`
	Parser    textParser     `infra:"dep:text_parser"`
	Progress  progressReader `infra:"dep:progress_service"`
	Logs      logLister      `infra:"dep:logs_service"`
}

func NewBatchController() *BatchController {
	return &BatchController{BaseComponent: core.NewBaseComponent(consts.COMP_CTRL_BATCH, appconsts.COMPONENT_LOGGING)}
}

func init() {
	http_server.RegisterRoutes(func(r chi.Router, c *core.Container) error {
		comp, err := c.Resolve(consts.COMP_CTRL_BATCH)
		if err != nil {
			return err
		}
		ctrl, ok := comp.(*BatchController)
		if !ok {
			return fmt.Errorf("batch_ctrl type assertion failed")
		}
		ctrl.Routes(r)
		return nil
	})
}

func (c *BatchController) Routes(r chi.Router) {
	r.Route("/api/v1/resources/batch", func(r chi.Router) {
		r.Use(requireCaller)
		r.Post("/", c.submit)
		r.Post("/parse", c.parse)
		r.Get("/logs", c.listLogs)
		r.Get("/{uuid}/progress", c.progress)
	})
}

func (c *BatchController) submit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := c.Submitter.Submit(r.Context(), callerOf(r), req)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (c *BatchController) parse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := c.Parser.Parse(r.Context(), req.Text)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *BatchController) progress(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "uuid"))
	view, err := c.Progress.Get(r.Context(), callerOf(r), id)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (c *BatchController) listLogs(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(r, "page", 1)
	if !ok {
		writeErr(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeErr(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	q := service.LogQuery{
		Type:   r.URL.Query().Get("type"),
		Status: consts.TaskStatus(r.URL.Query().Get("status")),
		Page:   page,
		Limit:  limit,
	}
	res, err := c.Logs.List(r.Context(), callerOf(r), q)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
