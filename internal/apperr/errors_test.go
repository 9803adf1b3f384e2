package apperr

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestKindOfThroughWraps(t *testing.T) {
	base := NotFound("subtask %s", "abc")
	wrapped := errors.Wrap(fmt.Errorf("outer: %w", base), "executor")
	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("expected not_found, got %s", got)
	}
	if !Is(wrapped, KindNotFound) {
		t.Fatalf("Is should match through wraps")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error should have empty kind")
	}
	if KindOf(fmt.Errorf("plain")) != KindInternal {
		t.Fatalf("untyped error should be internal")
	}
}

func TestValidationDetails(t *testing.T) {
	err := Validation("invalid resources", "resources[0].link: must be an absolute http(s) URL", "resources[2].name: required")
	d := DetailsOf(err)
	if len(d) != 2 || d[1] != "resources[2].name: required" {
		t.Fatalf("unexpected details %v", d)
	}
	if Message(err) != "invalid resources" {
		t.Fatalf("unexpected message %q", Message(err))
	}
}

func TestUpstreamTimeoutKeepsCause(t *testing.T) {
	err := UpstreamTimeout(context.DeadlineExceeded, "enrich")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause should be reachable")
	}
	if errors.Cause(err) == nil {
		t.Fatalf("pkg/errors Cause should resolve")
	}
}

func TestPartialBatchTimeoutMessage(t *testing.T) {
	err := PartialBatchTimeout(3, 7, 50*time.Second)
	if KindOf(err) != KindPartialBatchTimeout {
		t.Fatalf("wrong kind %s", KindOf(err))
	}
	want := "execution budget 50s exceeded after 3 items, 7 left"
	if Message(err) != want {
		t.Fatalf("got %q want %q", Message(err), want)
	}
}
