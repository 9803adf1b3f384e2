package dao

import (
	"strconv"
	"testing"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

func toStringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case string:
			out[k] = x
		case int:
			out[k] = strconv.Itoa(x)
		}
	}
	return out
}

func TestSubtaskCodecKeepsItemsAndTimestamps(t *testing.T) {
	started := time.UnixMilli(1700000000123)
	st := &model.Subtask{
		UUID: "s1", TaskUUID: "t1", BatchIndex: 2, Status: consts.StatusProcessing,
		Items:     []model.ResourceItem{{Name: "a", Link: "https://a.example"}, {Name: "b", Link: "https://b.example"}},
		Results:   []model.ItemResult{{Name: "a", Link: "https://a.example", Success: true, Source: consts.SourceAI}},
		CreatedAt: time.UnixMilli(1700000000000),
		StartedAt: &started,
	}
	fields, err := encodeSubtask(st)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeSubtask(toStringMap(fields))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BatchIndex != 2 || got.Status != consts.StatusProcessing || len(got.Items) != 2 || len(got.Results) != 1 {
		t.Fatalf("unexpected subtask %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("started_at lost: %v", got.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Fatalf("completed_at should be nil, got %v", got.CompletedAt)
	}
}

func TestDecodeEmptyHashIsMissing(t *testing.T) {
	if decodeTask(map[string]string{}) != nil {
		t.Fatalf("empty hash should decode to nil task")
	}
	st, err := decodeSubtask(nil)
	if err != nil || st != nil {
		t.Fatalf("expected nil subtask, got %v %v", st, err)
	}
}
