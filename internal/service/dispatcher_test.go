package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_client"
)

func TestTriggerRetriesUntilSuccess(t *testing.T) {
	d := NewDispatcher(config.ChainConfig{TriggerAttempts: 3, TriggerBackoff: time.Millisecond})
	calls := 0
	d.send = func(ctx context.Context, msg ContinuationMessage) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	if err := d.Trigger(context.Background(), "t", "s"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts got %d", calls)
	}
}

func TestTriggerGivesUpAsOrchestrationStall(t *testing.T) {
	d := NewDispatcher(config.ChainConfig{TriggerAttempts: 2, TriggerBackoff: time.Millisecond})
	d.send = func(ctx context.Context, msg ContinuationMessage) error { return errors.New("down") }
	err := d.Trigger(context.Background(), "t", "s")
	if !apperr.Is(err, apperr.KindOrchestrationStall) {
		t.Fatalf("expected orchestration stall got %v", err)
	}
}

func TestTriggerPostsInternalRun(t *testing.T) {
	var got ContinuationMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != consts.InternalRunPath || r.Header.Get(consts.HeaderInternalToken) != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(config.ChainConfig{InternalBase: srv.URL, InternalToken: "secret", TriggerAttempts: 1})
	d.client = http_client.NewInstrumentedClient("internal", &http_client.HTTPClientConfig{Timeout: time.Second})
	d.send = d.post
	if err := d.Trigger(context.Background(), "task-1", "sub-1"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got.TaskUUID != "task-1" || got.SubtaskUUID != "sub-1" {
		t.Fatalf("unexpected body %+v", got)
	}

	d.cfg.InternalToken = "wrong"
	if err := d.Trigger(context.Background(), "task-1", "sub-1"); err == nil {
		t.Fatalf("rejected token should fail the trigger")
	}
}
