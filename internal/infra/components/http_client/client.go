package http_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
)

// StatusError carries a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http error status=%d body=%s", e.Status, e.Body)
}

type InstrumentedClient struct {
	Name           string
	BaseURL        string
	DefaultHeaders map[string]string
	Client         *http.Client
	Retry          *RetryConfig
	Underlying     *http.Transport
}

func (ic *InstrumentedClient) buildURL(path string, q map[string]string) (string, error) {
	full := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if path != "" && path[0] != '/' {
			path = "/" + path
		}
		full = ic.BaseURL + path
	}
	u, err := url.Parse(full)
	if err != nil {
		return "", err
	}
	if len(q) > 0 {
		qs := u.Query()
		for k, v := range q {
			qs.Set(k, v)
		}
		u.RawQuery = qs.Encode()
	}
	return u.String(), nil
}

// Do sends the request with retry on transport errors and 5xx. JSON bodies are
// decoded into out; *[]byte and *string receive raw bodies.
func (ic *InstrumentedClient) Do(ctx context.Context, method, path string, query map[string]string, headers map[string]string, body interface{}, out interface{}) (int, error) {
	if method == "" {
		method = http.MethodGet
	}
	targetURL, err := ic.buildURL(path, query)
	if err != nil {
		return 0, err
	}

	var payload []byte
	var contentType string
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	case string:
		payload = []byte(b)
	default:
		payload, err = json.Marshal(b)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
		contentType = "application/json"
	}

	var (
		status int
		raw    []byte
		ct     string
	)
	attempt := func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, targetURL, rd)
		if err != nil {
			return &permanentError{err}
		}
		for k, v := range ic.DefaultHeaders {
			req.Header.Set(k, v)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if contentType != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", contentType)
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json, */*")
		}
		resp, err := ic.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		ct = resp.Header.Get("Content-Type")
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}
		if status >= 400 {
			return &StatusError{Status: status, Body: snippet(raw)}
		}
		return nil
	}

	start := time.Now()
	err = ic.run(ctx, attempt)
	fields := []zap.Field{
		zap.String("client", ic.Name),
		zap.String("method", method),
		zap.String("url", targetURL),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil {
		logging.Warn(ctx, "http_client_request", append(fields, zap.Error(err))...)
		return status, err
	}
	logging.Debug(ctx, "http_client_request", fields...)

	if out == nil {
		return status, nil
	}
	switch o := out.(type) {
	case *[]byte:
		*o = raw
	case *string:
		*o = string(raw)
	default:
		if !strings.Contains(ct, "json") && len(raw) > 0 && raw[0] != '{' && raw[0] != '[' {
			return status, fmt.Errorf("unexpected content type %q", ct)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return status, fmt.Errorf("decode response: %w", err)
			}
		}
	}
	return status, nil
}

func (ic *InstrumentedClient) run(ctx context.Context, fn func() error) error {
	if ic.Retry == nil || !ic.Retry.Enabled || ic.Retry.MaxAttempts <= 1 {
		return unwrapPermanent(fn())
	}
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(ic.Retry.MaxAttempts)),
		retry.Delay(ic.Retry.InitialBackoff),
		retry.MaxDelay(ic.Retry.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
	return unwrapPermanent(err)
}

// retryable: transport errors and 5xx only.
func retryable(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	return true
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func unwrapPermanent(err error) error {
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.err
	}
	return err
}

func (ic *InstrumentedClient) Get(ctx context.Context, path string, query map[string]string, headers map[string]string, out interface{}) (int, error) {
	return ic.Do(ctx, http.MethodGet, path, query, headers, nil, out)
}

func (ic *InstrumentedClient) Post(ctx context.Context, path string, body interface{}, headers map[string]string, out interface{}) (int, error) {
	return ic.Do(ctx, http.MethodPost, path, nil, headers, body, out)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
