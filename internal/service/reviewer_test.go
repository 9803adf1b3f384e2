package service

import (
	"context"
	"testing"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

func newTestReviewer(answer string, queue int) (*Reviewer, *memResources, *memDeadLetters) {
	res, dlq := newMemResources(), newMemDeadLetters()
	r := NewReviewer(config.ReviewConfig{Workers: 1, QueueSize: queue, Timeout: time.Second, AutoApproveThreshold: 30})
	r.AI = &stubAI{handler: func(context.Context, string) (string, error) { return answer, nil }}
	r.ResourceDao = res
	r.DeadLetters = dlq
	return r, res, dlq
}

func insertResource(t *testing.T, res *memResources) int64 {
	t.Helper()
	r := &model.Resource{UUID: "r", Status: consts.ResourcePending}
	if err := res.Insert(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r.ID
}

func TestReviewOutcomes(t *testing.T) {
	cases := []struct {
		answer string
		status consts.ResourceStatus
		score  int
		dead   int
	}{
		{`{"score": 10, "reason": "educational"}`, consts.ResourceApproved, 10, 0},
		{`{"score": 80, "reason": "piracy"}`, consts.ResourcePending, 80, 0},
		{`{"score": 300}`, consts.ResourcePending, neutralRiskScore, 1},
		{`I think it is fine`, consts.ResourcePending, neutralRiskScore, 1},
	}
	for _, c := range cases {
		r, res, dlq := newTestReviewer(c.answer, 4)
		id := insertResource(t, res)
		r.Review(context.Background(), model.ReviewJob{ResourceID: id, ResourceUUID: "r"})
		got := res.get(id)
		if got.Status != c.status || got.AIRiskScore == nil || *got.AIRiskScore != c.score {
			t.Errorf("%q: status=%s score=%v", c.answer, got.Status, got.AIRiskScore)
		}
		if n, _ := dlq.Count(context.Background()); n != c.dead {
			t.Errorf("%q: dead letters %d want %d", c.answer, n, c.dead)
		}
	}
}

func TestSubmitDeadLettersWhenQueueFull(t *testing.T) {
	r, _, dlq := newTestReviewer(`{"score":1}`, 1)
	if !r.Submit(model.ReviewJob{ResourceUUID: "a"}) {
		t.Fatalf("first job should be queued")
	}
	if r.Submit(model.ReviewJob{ResourceUUID: "b"}) {
		t.Fatalf("second job should be rejected by the full queue")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := dlq.Count(context.Background()); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rejected job was not dead-lettered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	ctx := context.Background()
	r, res, dlq := newTestReviewer(`{"score":5}`, 8)
	ids := []int64{insertResource(t, res), insertResource(t, res)}
	for _, id := range ids {
		r.Submit(model.ReviewJob{ResourceID: id})
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, id := range ids {
		if res.get(id).Status != consts.ResourceApproved {
			t.Fatalf("queued job %d was not reviewed before stop", id)
		}
	}
	if n, _ := dlq.Count(ctx); n != 0 {
		t.Fatalf("unexpected dead letters %d", n)
	}
	if r.Submit(model.ReviewJob{ResourceUUID: "late"}) {
		t.Fatalf("stopped reviewer must refuse jobs")
	}
}
