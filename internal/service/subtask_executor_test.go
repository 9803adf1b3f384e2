package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

var alice = model.Caller{UserID: "u-alice", Role: "user"}

func items(n int) []model.ResourceItem {
	out := make([]model.ResourceItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.ResourceItem{
			Name: "Go Course part " + string(rune('A'+i)),
			Link: "https://example.com/r/" + string(rune('a'+i)),
		})
	}
	return out
}

// steppingClock advances by step on every call.
func steppingClock(step time.Duration) func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestExecuteChainCompletesTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(2)

	res, err := h.submitter.Submit(ctx, alice, SubmitRequest{Title: "three", Resources: items(3)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.TotalBatches != 2 || res.Batches[0].Size != 2 || res.Batches[1].Size != 1 {
		t.Fatalf("unexpected split %+v", res.Batches)
	}

	reports, err := h.drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 executions got %d", len(reports))
	}
	if reports[0].NextSubtask != res.Batches[1].SubtaskUUID {
		t.Fatalf("first batch should trigger the second, got %q", reports[0].NextSubtask)
	}
	last := reports[1]
	if !last.Finalized || last.TaskStatus != consts.StatusCompleted {
		t.Fatalf("last report should finalize completed, got %+v", last)
	}

	l, err := h.logs.Get(ctx, res.TaskUUID)
	if err != nil {
		t.Fatalf("batch log: %v", err)
	}
	if l.Status != consts.StatusCompleted || l.CompletedBatches != 2 || l.SuccessCount != 3 || l.FailedCount != 0 {
		t.Fatalf("unexpected batch log %+v", l)
	}
	if _, err := h.state.GetTask(ctx, res.TaskUUID); err == nil {
		t.Fatalf("finalized task should be retired from the fast store")
	}
}

func TestExecuteItemTimeoutFailsOnlyThatItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(3)
	h.executor.cfg.ItemTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	h.ai.handler = func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "/r/b") {
			<-release
		}
		return "", context.DeadlineExceeded
	}

	res, err := h.submitter.Submit(ctx, alice, SubmitRequest{Resources: items(3)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rep, err := h.executor.Execute(ctx, res.Batches[0].SubtaskUUID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rep.SuccessCount != 2 || rep.FailedCount != 1 {
		t.Fatalf("expected 2 ok / 1 failed got %+v", rep)
	}
	l, _ := h.logs.Get(ctx, res.TaskUUID)
	var d model.BatchLogDetails
	if err := json.Unmarshal(l.Details, &d); err != nil {
		t.Fatalf("details: %v", err)
	}
	results := d.Batches[0].Results
	if !results[0].Success || results[1].Success || !results[2].Success {
		t.Fatalf("unexpected results %+v", results)
	}
	if !strings.Contains(results[1].Error, "timed out") {
		t.Fatalf("expected timeout message got %q", results[1].Error)
	}
	if results[0].Source != consts.SourceFallback {
		t.Fatalf("failed enrichment should fall back, got %q", results[0].Source)
	}
}

func TestProgressFallsBackToHistoryAfterRetire(t *testing.T) {
	ctx := context.Background()
	h := newHarness(2)
	res, err := h.submitter.Submit(ctx, alice, SubmitRequest{Resources: items(3)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	live, err := h.progress.Get(ctx, alice, res.TaskUUID)
	if err != nil || live.Source != SourceLive || live.ProgressPercentage != 0 {
		t.Fatalf("expected live view at 0%%, got %+v err=%v", live, err)
	}

	if _, err := h.drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	v, err := h.progress.Get(ctx, alice, res.TaskUUID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if v.Source != SourceHistory {
		t.Fatalf("expected history source got %s", v.Source)
	}
	if v.TotalResources != 3 || v.SuccessCount != 3 || v.CompletedBatches != 2 || v.ProgressPercentage != 100 {
		t.Fatalf("history totals mismatch %+v", v)
	}
	if v.Details == nil || len(v.Details.Batches) != 2 {
		t.Fatalf("expected batch details, got %+v", v.Details)
	}
}

func TestReviewFailureKeepsItemSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(2)
	h.ai.handler = func(ctx context.Context, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Rate the moderation risk") {
			panic("reviewer exploded")
		}
		return `{"title":"Go Course","description":"A course","category":"Courses","tags":["go","course"]}`, nil
	}
	if err := h.reviewer.Start(ctx); err != nil {
		t.Fatalf("start reviewer: %v", err)
	}
	defer h.reviewer.Stop(ctx)

	res, err := h.submitter.Submit(ctx, alice, SubmitRequest{Resources: items(1)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rep, err := h.executor.Execute(ctx, res.Batches[0].SubtaskUUID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rep.SuccessCount != 1 {
		t.Fatalf("item should succeed regardless of review, got %+v", rep)
	}

	var id int64
	select {
	case id = <-h.resources.reviewed:
	case <-time.After(2 * time.Second):
		t.Fatalf("review never finished")
	}
	r := h.resources.get(id)
	if r.Status != consts.ResourcePending {
		t.Fatalf("resource should stay pending, got %s", r.Status)
	}
	if r.AIRiskScore == nil || *r.AIRiskScore != neutralRiskScore {
		t.Fatalf("expected neutral score, got %v", r.AIRiskScore)
	}
	if r.CategoryID != 5 {
		t.Fatalf("expected ai category Courses(5), got %d", r.CategoryID)
	}
	_ = h.reviewer.Stop(ctx)
	if n, _ := h.dlq.Count(ctx); n != 1 {
		t.Fatalf("expected one dead letter, got %d", n)
	}
	l, _ := h.logs.Get(ctx, res.TaskUUID)
	if l.SuccessCount != 1 || l.Status != consts.StatusCompleted {
		t.Fatalf("batch log should record the success, got %+v", l)
	}
}

func TestExecuteUnknownSubtask(t *testing.T) {
	h := newHarness(2)
	_, err := h.executor.Execute(context.Background(), "missing")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found got %v", err)
	}
}

func TestExecuteDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(2)
	res, _ := h.submitter.Submit(ctx, alice, SubmitRequest{Resources: items(4)})
	first := res.Batches[0].SubtaskUUID

	if _, err := h.executor.Execute(ctx, first); err != nil {
		t.Fatalf("execute: %v", err)
	}
	again, err := h.executor.Execute(ctx, first)
	if err != nil {
		t.Fatalf("duplicate execute: %v", err)
	}
	if !again.Duplicate || again.Status != consts.StatusCompleted {
		t.Fatalf("expected duplicate report, got %+v", again)
	}
	task, _ := h.state.GetTask(ctx, res.TaskUUID)
	if task.CompletedBatches != 1 || task.SuccessCount != 2 {
		t.Fatalf("duplicate must not double count, got %+v", task)
	}
	if len(h.resources.resources) != 2 {
		t.Fatalf("duplicate must not insert again, got %d resources", len(h.resources.resources))
	}
}

func TestExecuteAllItemsFailedMarksBatchFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(5)
	in := items(2)
	for _, it := range in {
		h.resources.failLinks[it.Link] = true
	}
	res, _ := h.submitter.Submit(ctx, alice, SubmitRequest{Resources: in})
	rep, err := h.executor.Execute(ctx, res.Batches[0].SubtaskUUID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rep.Status != consts.StatusFailed || rep.TaskStatus != consts.StatusFailed {
		t.Fatalf("expected failed batch and task, got %+v", rep)
	}
	l, _ := h.logs.Get(ctx, res.TaskUUID)
	if l.Status != consts.StatusFailed || l.ErrorMessage == "" {
		t.Fatalf("expected failed log with message, got %+v", l)
	}
}

func TestPartialTimeoutRequeuesTail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(4)
	h.executor.cfg.MaxExecution = 50 * time.Second
	h.executor.now = steppingClock(20 * time.Second)

	res, _ := h.submitter.Submit(ctx, alice, SubmitRequest{Resources: items(4)})
	h.dispatch.pop()
	rep, err := h.executor.Execute(ctx, res.Batches[0].SubtaskUUID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rep.Processed != 2 || rep.RequeuedAs == "" || rep.Partial == "" {
		t.Fatalf("expected partial run with requeue, got %+v", rep)
	}
	if rep.NextSubtask != rep.RequeuedAs {
		t.Fatalf("requeued tail should run next, got %q want %q", rep.NextSubtask, rep.RequeuedAs)
	}
	tail, err := h.state.GetSubtask(ctx, rep.RequeuedAs)
	if err != nil || len(tail.Items) != 2 || tail.BatchIndex != 2 {
		t.Fatalf("unexpected requeued subtask %+v err=%v", tail, err)
	}

	reports, err := h.drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(reports) != 1 || !reports[0].Finalized {
		t.Fatalf("tail run should finalize, got %+v", reports)
	}
	l, _ := h.logs.Get(ctx, res.TaskUUID)
	if l.SuccessCount != 4 || l.TotalBatches != 2 || l.Status != consts.StatusCompleted {
		t.Fatalf("unexpected log after requeue %+v", l)
	}
}

func TestPartialTimeoutDropsTail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(4)
	h.executor.cfg.PartialTimeoutPolicy = consts.PartialDrop
	h.executor.now = steppingClock(20 * time.Second)

	res, _ := h.submitter.Submit(ctx, alice, SubmitRequest{Resources: items(4)})
	rep, err := h.executor.Execute(ctx, res.Batches[0].SubtaskUUID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rep.Unprocessed != 2 || rep.RequeuedAs != "" || !rep.Finalized {
		t.Fatalf("expected dropped tail and finalize, got %+v", rep)
	}
	l, _ := h.logs.Get(ctx, res.TaskUUID)
	var d model.BatchLogDetails
	if err := json.Unmarshal(l.Details, &d); err != nil {
		t.Fatalf("details: %v", err)
	}
	if len(d.Unprocessed) != 2 || d.Unprocessed[0].Link != "https://example.com/r/c" {
		t.Fatalf("expected unprocessed tail in details, got %+v", d.Unprocessed)
	}
	if l.SuccessCount != 2 {
		t.Fatalf("expected 2 successes, got %d", l.SuccessCount)
	}
}

func TestFinalizeIsRepeatable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(2)
	task := &model.MainTask{UUID: "t-1", OwnerID: "u", TotalBatches: 1, CompletedBatches: 1, SuccessCount: 1, Status: consts.StatusProcessing}
	_ = h.logs.Create(ctx, &model.BatchLog{UUID: "t-1", Status: consts.StatusProcessing})
	_ = h.state.CreateTask(ctx, task, nil)

	for i := 0; i < 2; i++ {
		status, err := h.executor.Finalize(ctx, task)
		if err != nil || status != consts.StatusCompleted {
			t.Fatalf("finalize #%d: status=%s err=%v", i, status, err)
		}
	}
	l, _ := h.logs.Get(ctx, "t-1")
	if l.Status != consts.StatusCompleted || l.SuccessCount != 1 {
		t.Fatalf("unexpected log %+v", l)
	}
}
