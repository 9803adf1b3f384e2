package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_server"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/service"
)

// InternalController receives continuation calls. The request is acknowledged with 202 and the
// subtask runs detached from the caller so the previous invocation can return immediately.
type InternalController struct {
	*core.BaseComponent
	Executor service.SubtaskRunner `infra:"dep:subtask_executor"`

	token string
	wg    sync.WaitGroup
	run   func(fn func()) // go fn() unless replaced
}

func NewInternalController(token string) *InternalController {
	c := &InternalController{
		BaseComponent: core.NewBaseComponent(consts.COMP_CTRL_INTERNAL, appconsts.COMPONENT_LOGGING),
		token:         token,
	}
	c.run = func(fn func()) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			fn()
		}()
	}
	return c
}

func init() {
	http_server.RegisterRoutes(func(r chi.Router, c *core.Container) error {
		comp, err := c.Resolve(consts.COMP_CTRL_INTERNAL)
		if err != nil {
			// kafka chain mode does not mount the internal endpoint
			return nil
		}
		ctrl, ok := comp.(*InternalController)
		if !ok {
			return fmt.Errorf("internal_ctrl type assertion failed")
		}
		ctrl.Routes(r)
		return nil
	})
}

func (c *InternalController) Routes(r chi.Router) {
	r.Post(consts.InternalRunPath, c.runSubtask)
}

func (c *InternalController) Start(ctx context.Context) error {
	if err := c.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if c.token == "" {
		logging.Warn(ctx, "internal token not configured, continuation endpoint accepts any caller")
	}
	return nil
}

// Stop waits for in-flight subtasks so a shutdown does not cut a batch in half.
func (c *InternalController) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn(ctx, "stop before in-flight subtasks finished")
	}
	return c.BaseComponent.Stop(ctx)
}

func (c *InternalController) authorized(r *http.Request) bool {
	if c.token == "" {
		return true
	}
	got := r.Header.Get(consts.HeaderInternalToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.token)) == 1
}

func (c *InternalController) runSubtask(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "invalid internal token")
		return
	}
	var msg service.ContinuationMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&msg); err != nil || msg.SubtaskUUID == "" {
		writeErr(w, http.StatusBadRequest, "subtask_uuid required")
		return
	}
	ctx := logging.WithTraceID(context.WithoutCancel(r.Context()), msg.TaskUUID)
	c.run(func() {
		rep, err := c.Executor.Execute(ctx, msg.SubtaskUUID)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			logging.Warn(ctx, "continuation for unknown subtask", zap.String("subtask", msg.SubtaskUUID))
		case err != nil:
			logging.Error(ctx, "subtask execution failed", zap.String("subtask", msg.SubtaskUUID), zap.Error(err))
		default:
			logging.Info(ctx, "subtask executed",
				zap.String("subtask", rep.SubtaskUUID),
				zap.Int("batch_index", rep.BatchIndex),
				zap.Int("success", rep.SuccessCount),
				zap.Int("failed", rep.FailedCount),
				zap.Bool("duplicate", rep.Duplicate),
			)
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "subtask_uuid": msg.SubtaskUUID})
}
