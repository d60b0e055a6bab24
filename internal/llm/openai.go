package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/azure"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/metrics"
)

// openaiClient serves both the openai and microsoft (Azure OpenAI)
// provider tags; only client construction differs.
type openaiClient struct {
	client   openai.Client
	cfg      Config
	provider string
	logger   *zap.Logger
}

func newOpenAIClient(cfg Config, logger *zap.Logger) (*openaiClient, error) {
	provider := ProviderOpenAI
	var opts []option.RequestOption
	if cfg.AzureEndpoint != "" {
		provider = ProviderMicrosoft
		apiVersion := cfg.AzureAPIVersion
		if apiVersion == "" {
			apiVersion = "2024-10-21"
		}
		opts = append(opts,
			azure.WithEndpoint(cfg.AzureEndpoint, apiVersion),
			azure.WithAPIKey(cfg.APIKey),
		)
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: api key is required")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
	}
	return &openaiClient{
		client:   openai.NewClient(opts...),
		cfg:      cfg,
		provider: provider,
		logger:   logger,
	}, nil
}

func (c *openaiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *openaiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	const op = "openai.EmbedBatch"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	res, err := c.client.Embeddings.New(callCtx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:      openai.EmbeddingModel(c.cfg.EmbedModel),
		Dimensions: openai.Int(int64(c.cfg.Dimension)),
	})
	if err != nil {
		metrics.RecordEmbedding(c.provider, "error", time.Since(start).Seconds())
		return nil, c.classify(op, ctx, err)
	}
	if len(res.Data) != len(texts) {
		metrics.RecordEmbedding(c.provider, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("openai: %d embeddings for %d inputs", len(res.Data), len(texts))
	}

	// The API may return data out of order; Index restores input order.
	out := make([][]float32, len(texts))
	for _, d := range res.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		if err := checkDimension(op, vec, c.cfg.Dimension); err != nil {
			metrics.RecordEmbedding(c.provider, "error", time.Since(start).Seconds())
			return nil, err
		}
		out[d.Index] = vec
	}
	metrics.RecordEmbedding(c.provider, "ok", time.Since(start).Seconds())
	return out, nil
}

func (c *openaiClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	const op = "openai.Chat"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.ChatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		metrics.RecordChat(c.provider, "error", time.Since(start).Seconds())
		return nil, c.classify(op, ctx, err)
	}
	if len(resp.Choices) == 0 {
		metrics.RecordChat(c.provider, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("openai: no choices returned")
	}
	metrics.RecordChat(c.provider, "ok", time.Since(start).Seconds())
	return &ChatResponse{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
		Model:      resp.Model,
	}, nil
}

func (c *openaiClient) classify(op string, parent context.Context, err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return classifyStatus(op, apierr.StatusCode, apierr.Message)
	}
	return classifyErr(op, parent, err)
}
