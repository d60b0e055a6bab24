package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/paymentops/runbookqa/internal/metrics"
)

type googleClient struct {
	client *genai.Client
	cfg    Config
	logger *zap.Logger
}

func newGoogleClient(cfg Config, logger *zap.Logger) (*googleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("google: api key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &googleClient{client: client, cfg: cfg, logger: logger}, nil
}

func (c *googleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *googleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	const op = "google.EmbedBatch"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	res, err := c.client.Models.EmbedContent(callCtx, c.cfg.EmbedModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(int32(c.cfg.Dimension)),
	})
	if err != nil {
		metrics.RecordEmbedding(ProviderGoogle, "error", time.Since(start).Seconds())
		return nil, classifyErr(op, ctx, err)
	}
	if len(res.Embeddings) != len(texts) {
		metrics.RecordEmbedding(ProviderGoogle, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("google: %d embeddings for %d inputs", len(res.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if err := checkDimension(op, e.Values, c.cfg.Dimension); err != nil {
			metrics.RecordEmbedding(ProviderGoogle, "error", time.Since(start).Seconds())
			return nil, err
		}
		out[i] = e.Values
	}
	metrics.RecordEmbedding(ProviderGoogle, "ok", time.Since(start).Seconds())
	return out, nil
}

func (c *googleClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	const op = "google.Chat"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	res, err := c.client.Models.GenerateContent(callCtx, c.cfg.ChatModel, genai.Text(req.User), cfg)
	if err != nil {
		metrics.RecordChat(ProviderGoogle, "error", time.Since(start).Seconds())
		return nil, classifyErr(op, ctx, err)
	}

	tokens := 0
	if res.UsageMetadata != nil {
		tokens = int(res.UsageMetadata.TotalTokenCount)
	}
	metrics.RecordChat(ProviderGoogle, "ok", time.Since(start).Seconds())
	return &ChatResponse{
		Text:       res.Text(),
		TokensUsed: tokens,
		Model:      c.cfg.ChatModel,
	}, nil
}
