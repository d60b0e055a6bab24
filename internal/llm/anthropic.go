package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/metrics"
)

// anthropicClient is chat-only; the embedder factory rejects the tag.
type anthropicClient struct {
	client anthropic.Client
	cfg    Config
	logger *zap.Logger
}

func newAnthropicClient(cfg Config, logger *zap.Logger) (*anthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicClient{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (c *anthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	const op = "anthropic.Chat"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	msg, err := c.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.ChatModel),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	})
	if err != nil {
		metrics.RecordChat(ProviderAnthropic, "error", time.Since(start).Seconds())
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, classifyStatus(op, apierr.StatusCode, apierr.Error())
		}
		return nil, classifyErr(op, ctx, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	metrics.RecordChat(ProviderAnthropic, "ok", time.Since(start).Seconds())
	return &ChatResponse{
		Text:       sb.String(),
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Model:      string(msg.Model),
	}, nil
}
