package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/circuitbreaker"
	"github.com/paymentops/runbookqa/internal/metrics"
	"github.com/paymentops/runbookqa/internal/ragerr"
	"github.com/paymentops/runbookqa/internal/tracing"
)

const mistralDefaultBaseURL = "https://api.mistral.ai"

// mistralClient speaks the OpenAI-compatible REST surface directly.
type mistralClient struct {
	baseURL string
	apiKey  string
	cfg     Config
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func newMistralClient(cfg Config, logger *zap.Logger) *mistralClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mistralDefaultBaseURL
	}
	client := &http.Client{Timeout: cfg.EmbedTimeout}
	return &mistralClient{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(client, "mistral", logger),
		logger:  logger,
	}
}

type mistralEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type mistralEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type mistralChatRequest struct {
	Model       string           `json:"model"`
	Messages    []mistralMessage `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message mistralMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *mistralClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *mistralClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	const op = "mistral.EmbedBatch"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	var res mistralEmbedResponse
	err := c.post(callCtx, op, "/v1/embeddings", mistralEmbedRequest{
		Model: c.cfg.EmbedModel,
		Input: texts,
	}, &res)
	if err != nil {
		metrics.RecordEmbedding(ProviderMistral, "error", time.Since(start).Seconds())
		return nil, classifyErr(op, ctx, err)
	}
	if len(res.Data) != len(texts) {
		metrics.RecordEmbedding(ProviderMistral, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("mistral: %d embeddings for %d inputs", len(res.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range res.Data {
		if err := checkDimension(op, d.Embedding, c.cfg.Dimension); err != nil {
			metrics.RecordEmbedding(ProviderMistral, "error", time.Since(start).Seconds())
			return nil, err
		}
		out[d.Index] = d.Embedding
	}
	metrics.RecordEmbedding(ProviderMistral, "ok", time.Since(start).Seconds())
	return out, nil
}

func (c *mistralClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	const op = "mistral.Chat"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	var res mistralChatResponse
	err := c.post(callCtx, op, "/v1/chat/completions", mistralChatRequest{
		Model: c.cfg.ChatModel,
		Messages: []mistralMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, &res)
	if err != nil {
		metrics.RecordChat(ProviderMistral, "error", time.Since(start).Seconds())
		return nil, classifyErr(op, ctx, err)
	}
	if len(res.Choices) == 0 {
		metrics.RecordChat(ProviderMistral, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("mistral: no choices returned")
	}
	metrics.RecordChat(ProviderMistral, "ok", time.Since(start).Seconds())
	return &ChatResponse{
		Text:       res.Choices[0].Message.Content,
		TokensUsed: res.Usage.TotalTokens,
		Model:      res.Model,
	}, nil
}

func (c *mistralClient) post(ctx context.Context, op, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	spanCtx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()
	tracing.InjectTraceparent(spanCtx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(op, resp.StatusCode, string(detail))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ragerr.Newf(ragerr.KindUpstreamModelError, op, "decode response: %v", err)
	}
	return nil
}
