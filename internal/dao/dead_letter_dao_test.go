package dao

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

func TestDeadLetterPutListNewestFirst(t *testing.T) {
	ctx := context.Background()
	d := NewDeadLetterDao(filepath.Join(t.TempDir(), "dlq", "review.db"))
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop(ctx)

	for _, id := range []string{"r1", "r2", "r3"} {
		if err := d.Put(ctx, &model.ReviewDeadLetter{Job: model.ReviewJob{ResourceUUID: id}, Reason: "ai down", Score: 50}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	n, err := d.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	list, err := d.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Job.ResourceUUID != "r3" || list[1].Job.ResourceUUID != "r2" {
		t.Fatalf("unexpected order %+v", list)
	}
	if list[0].CreatedAt.IsZero() {
		t.Fatalf("created_at not stamped")
	}
}
