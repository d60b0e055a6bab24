// Package llm defines the Embedder and ChatModel contracts and the
// provider implementations selected by configuration tag.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/ragerr"
)

// Provider tags accepted by the factories.
const (
	ProviderOpenAI    = "openai"
	ProviderMicrosoft = "microsoft"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderAmazon    = "amazon"
	ProviderMistral   = "mistral"
)

// Embedder converts text to fixed-dimensional float vectors.
// EmbedBatch is length-preserving and order-preserving; providers that
// are inherently single-input loop internally.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a single system+user exchange. Temperature must stay
// low (at most 0.1) to reduce hallucination in grounded answers.
type ChatRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// ChatResponse carries the model output and reported usage when the
// provider surfaces it (0 means unreported).
type ChatResponse struct {
	Text       string
	TokensUsed int
	Model      string
}

// ChatModel produces a completion for a system+user prompt pair.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Config holds the resolved provider settings. The core never reads
// secrets itself; they arrive here already resolved.
type Config struct {
	Provider   string
	APIKey     string
	BaseURL    string // raw-HTTP providers and OpenAI-compatible overrides
	EmbedModel string
	ChatModel  string
	Dimension  int

	// Azure OpenAI
	AzureEndpoint   string
	AzureAPIVersion string

	// Bedrock
	AWSRegion string

	EmbedTimeout time.Duration
	ChatTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.EmbedTimeout == 0 {
		c.EmbedTimeout = 5 * time.Minute
	}
	if c.ChatTimeout == 0 {
		c.ChatTimeout = 2 * time.Minute
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	return c
}

// NewEmbedder selects an Embedder by provider tag. A provider without
// embedding capability fails here, not at first call.
func NewEmbedder(cfg Config, logger *zap.Logger) (Embedder, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, ProviderMicrosoft:
		return newOpenAIClient(cfg, logger)
	case ProviderGoogle:
		return newGoogleClient(cfg, logger)
	case ProviderAmazon:
		return newBedrockClient(cfg, logger)
	case ProviderMistral:
		return newMistralClient(cfg, logger), nil
	case ProviderAnthropic:
		return nil, fmt.Errorf("provider anthropic does not support embeddings")
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// NewChatModel selects a ChatModel by provider tag.
func NewChatModel(cfg Config, logger *zap.Logger) (ChatModel, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, ProviderMicrosoft:
		return newOpenAIClient(cfg, logger)
	case ProviderAnthropic:
		return newAnthropicClient(cfg, logger)
	case ProviderGoogle:
		return newGoogleClient(cfg, logger)
	case ProviderAmazon:
		return newBedrockClient(cfg, logger)
	case ProviderMistral:
		return newMistralClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// classifyErr maps transport-level failures onto the error taxonomy.
// Caller cancellation passes through untouched so it stays
// distinguishable from upstream timeouts.
func classifyErr(op string, parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	var classified *ragerr.Error
	if errors.As(err, &classified) {
		return err
	}
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ragerr.New(ragerr.KindUpstreamTimeout, op, err)
	}
	return ragerr.New(ragerr.KindUpstreamModelError, op, err)
}

// classifyStatus maps an HTTP status onto the taxonomy: auth and schema
// failures are non-retriable, everything else upstream is transient.
func classifyStatus(op string, status int, detail string) error {
	err := fmt.Errorf("status %d: %s", status, detail)
	switch {
	case status == 400 || status == 401 || status == 403 || status == 404 || status == 422:
		return ragerr.New(ragerr.KindUpstreamModelInvalid, op, err)
	default:
		return ragerr.New(ragerr.KindUpstreamModelError, op, err)
	}
}

// checkDimension enforces the configured vector dimension on every
// returned embedding.
func checkDimension(op string, vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return ragerr.Newf(ragerr.KindUpstreamModelInvalid, op,
			"embedding dimension %d, expected %d", len(vec), want)
	}
	return nil
}
