// Package retrieval embeds a query and runs similarity search against
// the vector index.
package retrieval

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/llm"
	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/ragerr"
	"github.com/paymentops/runbookqa/internal/vectordb"
)

// Config tunes retrieval. MinScore is an optional similarity floor;
// zero leaves it unset.
type Config struct {
	TopK     int
	MinScore float64
}

type Retriever struct {
	cfg      Config
	embedder llm.Embedder
	index    vectordb.Index
	logger   *zap.Logger
}

func New(cfg Config, embedder llm.Embedder, index vectordb.Index, logger *zap.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{cfg: cfg, embedder: embedder, index: index, logger: logger}
}

// Retrieve returns up to topK chunks ordered by descending similarity.
// An empty result is a valid outcome, not an error. topK <= 0 falls
// back to the configured default.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]models.RetrievedChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, "retrieval.Retrieve", "query is required")
	}
	if topK <= 0 {
		topK = r.cfg.TopK
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := r.index.Search(ctx, vector, topK, r.cfg.MinScore)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("retrieved chunks",
		zap.Int("top_k", topK),
		zap.Int("returned", len(results)),
	)
	return results, nil
}
