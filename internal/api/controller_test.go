package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/service"
)

type stubSubmitter struct {
	caller model.Caller
	req    service.SubmitRequest
	err    error
}

func (s *stubSubmitter) Submit(_ context.Context, caller model.Caller, req service.SubmitRequest) (*service.SubmitResult, error) {
	s.caller, s.req = caller, req
	if s.err != nil {
		return nil, s.err
	}
	return &service.SubmitResult{TaskUUID: "task-1", Status: consts.StatusPending, TotalResources: len(req.Resources), TotalBatches: 1}, nil
}

type stubParser struct{}

func (stubParser) Parse(_ context.Context, text string) (*service.ParseResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation("text must not be empty")
	}
	return &service.ParseResult{Resources: []model.ResourceItem{{Name: "Go", Link: "https://go.dev"}}, Errors: []service.ParseError{}}, nil
}

type stubProgress struct{}

func (stubProgress) Get(_ context.Context, caller model.Caller, id string) (*service.ProgressView, error) {
	switch {
	case id == "missing":
		return nil, apperr.NotFound("batch import %s not found", id)
	case id == "broken":
		return nil, apperr.Internal(context.DeadlineExceeded, "load batch log %s", id)
	case !caller.CanAccess("u-alice"):
		return nil, apperr.Authorization("task %s belongs to another user", id)
	}
	return &service.ProgressView{TaskUUID: id, Source: service.SourceLive, Status: consts.StatusProcessing}, nil
}

type stubLogs struct{ q service.LogQuery }

func (s *stubLogs) List(_ context.Context, _ model.Caller, q service.LogQuery) (*service.LogPage, error) {
	s.q = q
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("invalid status filter", "status: must be one of pending, processing, completed, failed")
	}
	return &service.LogPage{Items: []service.LogEntry{}, Page: q.Page, Limit: q.Limit}, nil
}

func batchRouter(sub *stubSubmitter, logs *stubLogs) http.Handler {
	ctrl := NewBatchController()
	ctrl.Submitter = sub
	ctrl.Parser = stubParser{}
	ctrl.Progress = stubProgress{}
	ctrl.Logs = logs
	r := chi.NewRouter()
	ctrl.Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var aliceHeaders = map[string]string{consts.HeaderUserID: "u-alice", consts.HeaderUserRole: "user"}

func TestSubmitReturnsCreated(t *testing.T) {
	sub := &stubSubmitter{}
	h := batchRouter(sub, &stubLogs{})
	rec := do(t, h, http.MethodPost, "/api/v1/resources/batch",
		`{"title":"Go","resources":[{"name":"Go","link":"https://go.dev"}]}`, aliceHeaders)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if sub.caller.UserID != "u-alice" || len(sub.req.Resources) != 1 {
		t.Fatalf("caller/request not forwarded: %+v %+v", sub.caller, sub.req)
	}
	var res service.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.TaskUUID != "task-1" {
		t.Fatalf("bad body %s (%v)", rec.Body.String(), err)
	}
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	h := batchRouter(&stubSubmitter{}, &stubLogs{})
	rec := do(t, h, http.MethodPost, "/api/v1/resources/batch", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestValidationErrorCarriesDetails(t *testing.T) {
	sub := &stubSubmitter{err: apperr.Validation("2 invalid resources",
		"resources[0].name: must not be empty", "resources[1].link: must be an absolute http(s) URL")}
	h := batchRouter(sub, &stubLogs{})
	rec := do(t, h, http.MethodPost, "/api/v1/resources/batch", `{"resources":[{},{}]}`, aliceHeaders)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	var body errorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error != "2 invalid resources" || len(body.Details) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/resources/batch", `{not json`, aliceHeaders)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: expected 400 got %d", rec.Code)
	}
}

func TestProgressErrorMapping(t *testing.T) {
	h := batchRouter(&stubSubmitter{}, &stubLogs{})
	cases := []struct {
		id      string
		headers map[string]string
		want    int
	}{
		{"task-1", aliceHeaders, http.StatusOK},
		{"task-1", map[string]string{consts.HeaderUserID: "u-bob"}, http.StatusForbidden},
		{"task-1", map[string]string{consts.HeaderUserID: "u-root", consts.HeaderUserRole: "ADMIN"}, http.StatusOK},
		{"missing", aliceHeaders, http.StatusNotFound},
		{"broken", aliceHeaders, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := do(t, h, http.MethodGet, "/api/v1/resources/batch/"+tc.id+"/progress", "", tc.headers)
		if rec.Code != tc.want {
			t.Errorf("%s as %v: expected %d got %d", tc.id, tc.headers, tc.want, rec.Code)
		}
		if tc.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "deadline") {
			t.Errorf("internal cause leaked: %s", rec.Body.String())
		}
	}
}

func TestListLogsQuery(t *testing.T) {
	logs := &stubLogs{}
	h := batchRouter(&stubSubmitter{}, logs)
	rec := do(t, h, http.MethodGet, "/api/v1/resources/batch/logs?type=batch_import&status=completed&page=2&limit=5", "", aliceHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if logs.q.Type != consts.LogTypeBatchImport || logs.q.Status != consts.StatusCompleted || logs.q.Page != 2 || logs.q.Limit != 5 {
		t.Fatalf("query not forwarded: %+v", logs.q)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/resources/batch/logs?page=x", "", aliceHeaders); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad page: expected 400 got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/resources/batch/logs?status=done", "", aliceHeaders); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status: expected 400 got %d", rec.Code)
	}
}

func TestParseEndpoint(t *testing.T) {
	h := batchRouter(&stubSubmitter{}, &stubLogs{})
	rec := do(t, h, http.MethodPost, "/api/v1/resources/batch/parse", `{"text":"Go https://go.dev"}`, aliceHeaders)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "https://go.dev") {
		t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/v1/resources/batch/parse", `{"text":"  "}`, aliceHeaders)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty text: expected 400 got %d", rec.Code)
	}
}

type stubRunner struct {
	mu   sync.Mutex
	seen []string
}

func (s *stubRunner) Execute(_ context.Context, id string) (*service.ExecutionReport, error) {
	s.mu.Lock()
	s.seen = append(s.seen, id)
	s.mu.Unlock()
	if id == "gone" {
		return nil, apperr.NotFound("subtask %s not found", id)
	}
	return &service.ExecutionReport{SubtaskUUID: id, Status: consts.StatusCompleted}, nil
}

func TestInternalRunRequiresToken(t *testing.T) {
	runner := &stubRunner{}
	ctrl := NewInternalController("secret")
	ctrl.Executor = runner
	r := chi.NewRouter()
	ctrl.Routes(r)

	body := `{"task_uuid":"t-1","subtask_uuid":"s-1"}`
	if rec := do(t, r, http.MethodPost, consts.InternalRunPath, body, map[string]string{consts.HeaderInternalToken: "nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401 got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, consts.InternalRunPath, `{}`, map[string]string{consts.HeaderInternalToken: "secret"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400 got %d", rec.Code)
	}
	rec := do(t, r, http.MethodPost, consts.InternalRunPath, body, map[string]string{consts.HeaderInternalToken: "secret"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.seen) != 1 || runner.seen[0] != "s-1" {
		t.Fatalf("executor calls %v", runner.seen)
	}
}

func TestInternalRunIgnoresRequestCancellation(t *testing.T) {
	runner := &stubRunner{}
	ctrl := NewInternalController("")
	ctrl.Executor = runner
	var ran context.Context
	ctrl.run = func(fn func()) { fn() }
	ctrl.Executor = runnerFunc(func(ctx context.Context, id string) (*service.ExecutionReport, error) {
		ran = ctx
		return runner.Execute(ctx, id)
	})
	r := chi.NewRouter()
	ctrl.Routes(r)

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, consts.InternalRunPath, strings.NewReader(`{"subtask_uuid":"gone"}`)).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	if ran == nil || ran.Err() != nil {
		t.Fatalf("execution context should be detached from the request")
	}
}

type runnerFunc func(ctx context.Context, id string) (*service.ExecutionReport, error)

func (f runnerFunc) Execute(ctx context.Context, id string) (*service.ExecutionReport, error) {
	return f(ctx, id)
}

type stubReconciler struct{ runs int }

func (s *stubReconciler) RunOnce(context.Context) (*service.ReconcileReport, error) {
	s.runs++
	return &service.ReconcileReport{Scanned: 3, Actions: []service.ReconcileAction{{TaskUUID: "t", Action: service.ActionRetrigger}}}, nil
}

type stubDeadLetters struct{ limit int }

func (s *stubDeadLetters) List(_ context.Context, limit int) ([]*model.ReviewDeadLetter, error) {
	s.limit = limit
	return []*model.ReviewDeadLetter{{Job: model.ReviewJob{ResourceID: 7}, Reason: "timeout"}}, nil
}

func (s *stubDeadLetters) Count(context.Context) (int, error) { return 1, nil }

type stubCleaner struct{ age time.Duration }

func (s *stubCleaner) CleanupByAge(_ context.Context, age time.Duration) (int64, error) {
	s.age = age
	return 4, nil
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	rec := &stubReconciler{}
	dl := &stubDeadLetters{}
	cl := &stubCleaner{}
	ctrl := NewAdminController()
	ctrl.Reconciler, ctrl.DeadLetters, ctrl.Cleanup = rec, dl, cl
	r := chi.NewRouter()
	ctrl.Routes(r)
	admin := map[string]string{consts.HeaderUserID: "u-root", consts.HeaderUserRole: consts.RoleAdmin}

	if res := do(t, r, http.MethodPost, "/api/v1/admin/reconcile", "", aliceHeaders); res.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403 got %d", res.Code)
	}
	if res := do(t, r, http.MethodPost, "/api/v1/admin/reconcile", "", nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401 got %d", res.Code)
	}
	res := do(t, r, http.MethodPost, "/api/v1/admin/reconcile", "", admin)
	if res.Code != http.StatusOK || rec.runs != 1 || !strings.Contains(res.Body.String(), service.ActionRetrigger) {
		t.Fatalf("reconcile: %d %s", res.Code, res.Body.String())
	}

	res = do(t, r, http.MethodGet, "/api/v1/admin/review/dead-letters?limit=9000", "", admin)
	if res.Code != http.StatusOK || dl.limit != 500 {
		t.Fatalf("dead letters: %d limit=%d", res.Code, dl.limit)
	}

	if res := do(t, r, http.MethodPost, "/api/v1/admin/logs/cleanup?older_than=soon", "", admin); res.Code != http.StatusBadRequest {
		t.Fatalf("bad duration: expected 400 got %d", res.Code)
	}
	res = do(t, r, http.MethodPost, "/api/v1/admin/logs/cleanup?older_than=720h", "", admin)
	if res.Code != http.StatusOK || cl.age != 720*time.Hour || !strings.Contains(res.Body.String(), `"deleted":4`) {
		t.Fatalf("cleanup: %d %s", res.Code, res.Body.String())
	}
}
