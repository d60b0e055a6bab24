package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/metrics"
)

// bedrockClient talks to Amazon Bedrock. Chat goes through the Converse
// API; embeddings use Titan via InvokeModel, which is single-input, so
// batches loop internally.
type bedrockClient struct {
	client *bedrockruntime.Client
	cfg    Config
	logger *zap.Logger
}

func newBedrockClient(cfg Config, logger *zap.Logger) (*bedrockClient, error) {
	if cfg.AWSRegion == "" {
		return nil, fmt.Errorf("amazon: aws region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("amazon: load aws config: %w", err)
	}
	return &bedrockClient{
		client: bedrockruntime.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *bedrockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "amazon.Embed"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	body, err := json.Marshal(titanEmbedRequest{
		InputText:  text,
		Dimensions: c.cfg.Dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("amazon: marshal embed request: %w", err)
	}

	out, err := c.client.InvokeModel(callCtx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.cfg.EmbedModel),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		metrics.RecordEmbedding(ProviderAmazon, "error", time.Since(start).Seconds())
		return nil, classifyErr(op, ctx, err)
	}

	var res titanEmbedResponse
	if err := json.Unmarshal(out.Body, &res); err != nil {
		metrics.RecordEmbedding(ProviderAmazon, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("amazon: decode embed response: %w", err)
	}
	if err := checkDimension(op, res.Embedding, c.cfg.Dimension); err != nil {
		metrics.RecordEmbedding(ProviderAmazon, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordEmbedding(ProviderAmazon, "ok", time.Since(start).Seconds())
	return res.Embedding, nil
}

func (c *bedrockClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (c *bedrockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	const op = "amazon.Chat"
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	inference := &brtypes.InferenceConfiguration{
		Temperature: aws.Float32(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}

	out, err := c.client.Converse(callCtx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.cfg.ChatModel),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		},
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: req.User},
				},
			},
		},
		InferenceConfig: inference,
	})
	if err != nil {
		metrics.RecordChat(ProviderAmazon, "error", time.Since(start).Seconds())
		return nil, classifyErr(op, ctx, err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok || len(msg.Value.Content) == 0 {
		metrics.RecordChat(ProviderAmazon, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("amazon: empty converse output")
	}
	text := ""
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}

	tokens := 0
	if out.Usage != nil && out.Usage.TotalTokens != nil {
		tokens = int(*out.Usage.TotalTokens)
	}
	metrics.RecordChat(ProviderAmazon, "ok", time.Since(start).Seconds())
	return &ChatResponse{
		Text:       text,
		TokensUsed: tokens,
		Model:      c.cfg.ChatModel,
	}, nil
}
