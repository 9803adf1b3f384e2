package apperr

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindAuthorization       Kind = "authorization"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstream            Kind = "upstream"
	KindOrchestrationStall  Kind = "orchestration_stall"
	KindPartialBatchTimeout Kind = "partial_batch_timeout"
	KindInternal            Kind = "internal"
)

// Error is the typed error carried across service boundaries.
type Error struct {
	Kind    Kind
	Msg     string
	Details []string
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Details) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString("]")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Cause() error  { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, cause error, msg string, details []string) error {
	return errors.WithStack(&Error{Kind: kind, Msg: msg, Details: details, cause: cause})
}

// Validation carries itemized problems such as `resources[3].link: must be an absolute http(s) URL`.
func Validation(msg string, details ...string) error {
	return newErr(KindValidation, nil, msg, details)
}

func NotFound(format string, args ...any) error {
	return newErr(KindNotFound, nil, fmt.Sprintf(format, args...), nil)
}

func Authorization(format string, args ...any) error {
	return newErr(KindAuthorization, nil, fmt.Sprintf(format, args...), nil)
}

func UpstreamTimeout(cause error, format string, args ...any) error {
	return newErr(KindUpstreamTimeout, cause, fmt.Sprintf(format, args...), nil)
}

func Upstream(cause error, format string, args ...any) error {
	return newErr(KindUpstream, cause, fmt.Sprintf(format, args...), nil)
}

func OrchestrationStall(cause error, format string, args ...any) error {
	return newErr(KindOrchestrationStall, cause, fmt.Sprintf(format, args...), nil)
}

func PartialBatchTimeout(processed, remaining int, budget time.Duration) error {
	return newErr(KindPartialBatchTimeout, nil,
		fmt.Sprintf("execution budget %s exceeded after %d items, %d left", budget, processed, remaining), nil)
}

func Internal(cause error, format string, args ...any) error {
	return newErr(KindInternal, cause, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the outermost typed kind, KindInternal for untyped errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// Message returns the human-facing message without the cause chain.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
