package service

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
)

type runnerFunc func(ctx context.Context, id string) (*ExecutionReport, error)

func (f runnerFunc) Execute(ctx context.Context, id string) (*ExecutionReport, error) { return f(ctx, id) }

func TestConsumerHandle(t *testing.T) {
	state := newMemTaskState()
	c := NewContinuationConsumer(config.KafkaConfig{})
	c.TaskState = state
	var ran []string
	c.Executor = runnerFunc(func(ctx context.Context, id string) (*ExecutionReport, error) {
		ran = append(ran, id)
		if _, held := state.locks["task-1"]; !held {
			t.Errorf("task lock must be held while executing")
		}
		switch id {
		case "gone":
			return nil, apperr.NotFound("subtask gone")
		case "cancel":
			return nil, context.Canceled
		}
		return &ExecutionReport{}, nil
	})

	ctx := context.Background()
	if !c.Handle(ctx, kafka.Message{Value: []byte("{not json")}) {
		t.Fatalf("malformed record should be committed")
	}
	if !c.Handle(ctx, kafka.Message{Key: []byte("task-1"), Value: []byte(`{"subtask_uuid":"s1"}`)}) {
		t.Fatalf("executed record should be committed")
	}
	if !c.Handle(ctx, kafka.Message{Value: []byte(`{"task_uuid":"task-1","subtask_uuid":"gone"}`)}) {
		t.Fatalf("not found record should be committed")
	}
	if c.Handle(ctx, kafka.Message{Value: []byte(`{"task_uuid":"task-1","subtask_uuid":"cancel"}`)}) {
		t.Fatalf("cancelled run must not be committed")
	}
	if len(ran) != 3 {
		t.Fatalf("expected 3 executions got %v", ran)
	}
	if len(state.locks) != 0 {
		t.Fatalf("locks should be released, got %v", state.locks)
	}
}

func TestConsumerWaitsForTaskLock(t *testing.T) {
	state := newMemTaskState()
	_, _ = state.AcquireTaskLock(context.Background(), "task-1", "other-node", 0)
	c := NewContinuationConsumer(config.KafkaConfig{})
	c.TaskState = state
	c.Executor = runnerFunc(func(ctx context.Context, id string) (*ExecutionReport, error) {
		return nil, errors.New("must not run")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Handle(ctx, kafka.Message{Value: []byte(`{"task_uuid":"task-1","subtask_uuid":"s1"}`)}) {
		t.Fatalf("record blocked on a foreign lock must not be committed on shutdown")
	}
}
