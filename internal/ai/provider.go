package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/apperr"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/http_client"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

// Provider is the narrow text-completion interface the pipeline depends on.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ChatProvider talks to an OpenAI-compatible chat completions endpoint.
type ChatProvider struct {
	*core.BaseComponent
	HTTPClients *http_client.HTTPClientsComponent `infra:"dep:http_clients"`

	cfg     config.AIConfig
	client  *http_client.InstrumentedClient
	limiter *rate.Limiter
}

func NewChatProvider(cfg config.AIConfig) *ChatProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/v1/chat/completions"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &ChatProvider{
		BaseComponent: core.NewBaseComponent(consts.COMP_AI_PROVIDER, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// NewChatProviderWithClient skips container wiring.
func NewChatProviderWithClient(cfg config.AIConfig, client *http_client.InstrumentedClient) *ChatProvider {
	p := NewChatProvider(cfg)
	p.client = client
	return p
}

func (p *ChatProvider) Start(ctx context.Context) error {
	if err := p.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if p.client != nil {
		return nil
	}
	if p.HTTPClients == nil {
		return fmt.Errorf("ai_provider requires http_clients component")
	}
	cli, err := p.HTTPClients.Client(p.cfg.Client)
	if err != nil {
		return err
	}
	p.client = cli
	logging.Info(ctx, "ai provider ready", zap.String("client", p.cfg.Client), zap.String("model", p.cfg.Model))
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

func (p *ChatProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", classify(err, "rate limiter")
	}
	headers := map[string]string{}
	if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
	}
	req := chatRequest{
		Model:       p.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.2,
	}
	var raw []byte
	start := time.Now()
	if _, err := p.client.Do(ctx, http.MethodPost, p.cfg.Endpoint, nil, headers, req, &raw); err != nil {
		return "", classify(err, "chat completion")
	}
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() {
		return "", apperr.Upstream(nil, "chat completion: response without content")
	}
	logging.Debug(ctx, "ai completion", zap.Duration("latency", time.Since(start)), zap.Int("bytes", len(raw)))
	return strings.TrimSpace(content.String()), nil
}

func classify(err error, op string) error {
	if isTimeout(err) {
		return apperr.UpstreamTimeout(err, "%s timed out", op)
	}
	return apperr.Upstream(err, "%s failed", op)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// StripCodeFence removes a surrounding ``` block, with or without a language tag.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
