// Package vectordb stores chunk embeddings and serves cosine
// similarity search over them. Backends are selected by configuration
// tag; all of them normalize scores so higher means more similar.
package vectordb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/ragerr"
)

// Backend tags accepted by New.
const (
	BackendMemory        = "memory"
	BackendQdrant        = "qdrant"
	BackendPostgres      = "postgres"
	BackendRedis         = "redis"
	BackendOpenSearch    = "opensearch"
	BackendAzureAISearch = "azureaisearch"
)

// Index is the storage contract for embedded chunks. Upsert is
// idempotent on chunk ID; Search returns at most topK results ordered
// by descending similarity.
type Index interface {
	// Initialize creates the backing collection/schema if missing.
	Initialize(ctx context.Context) error
	// UpsertChunks writes a batch of embedded chunks. A chunk without an
	// embedding, or with an embedding of the wrong dimension, fails the
	// whole batch.
	UpsertChunks(ctx context.Context, chunks []models.Chunk) error
	// Search returns the topK most similar chunks to the query vector.
	// A minScore above zero drops results scoring strictly below it.
	Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]models.RetrievedChunk, error)
	// ListDocuments aggregates stored chunks into per-document summaries.
	ListDocuments(ctx context.Context) ([]models.Document, error)
	// GetDocument returns one document summary, or nil when absent.
	GetDocument(ctx context.Context, documentID uuid.UUID) (*models.Document, error)
	// GetDocumentChunks returns a document's chunks ordered by index.
	GetDocumentChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error)
	// DeleteDocument removes a document and all of its chunks.
	DeleteDocument(ctx context.Context, documentID uuid.UUID) error
	Close() error
}

// Config selects and parameterizes a backend. Only the fields for the
// chosen backend need to be set.
type Config struct {
	Backend    string        `mapstructure:"backend"`
	Collection string        `mapstructure:"collection"`
	Dimension  int           `mapstructure:"dimension"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// qdrant / opensearch
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`

	// postgres
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	// azure ai search
	AzureEndpoint string `mapstructure:"azure_endpoint"`
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = "runbook_chunks"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

// New builds the backend named by cfg.Backend.
func New(cfg Config, logger *zap.Logger) (Index, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Backend) {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendQdrant:
		return newQdrant(cfg, logger), nil
	case BackendPostgres:
		return newPostgres(cfg, logger)
	case BackendRedis:
		return newRedis(cfg, logger), nil
	case BackendOpenSearch:
		return newOpenSearch(cfg, logger), nil
	case BackendAzureAISearch:
		return newAzureAISearch(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

// aggregateDocuments folds chunk rows into per-document summaries,
// sorted by creation time then name for stable listings.
func aggregateDocuments(chunks []models.Chunk) []models.Document {
	byID := make(map[uuid.UUID]*models.Document)
	for _, ch := range chunks {
		doc, ok := byID[ch.DocumentID]
		if !ok {
			doc = &models.Document{
				ID:         ch.DocumentID,
				Name:       ch.DocumentName,
				CreatedUTC: ch.CreatedUTC,
			}
			byID[ch.DocumentID] = doc
		}
		doc.ChunkCount++
		doc.TotalSizeBytes += int64(len(ch.Text))
		if ch.CreatedUTC.Before(doc.CreatedUTC) {
			doc.CreatedUTC = ch.CreatedUTC
		}
	}

	out := make([]models.Document, 0, len(byID))
	for _, doc := range byID {
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedUTC.Equal(out[j].CreatedUTC) {
			return out[i].CreatedUTC.Before(out[j].CreatedUTC)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// sortChunksByIndex orders a document's chunks by their position.
func sortChunksByIndex(chunks []models.Chunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
}

// validateChunks rejects a batch containing any chunk without an
// embedding, or with the wrong dimension when dim is positive.
// Backends call this before writing.
func validateChunks(op string, chunks []models.Chunk, dim int) error {
	for _, ch := range chunks {
		if len(ch.Embedding) == 0 {
			return ragerr.Newf(ragerr.KindInvalidChunk, op,
				"chunk %s (%s:%d) has no embedding", ch.ID, ch.DocumentName, ch.Index)
		}
		if dim > 0 && len(ch.Embedding) != dim {
			return ragerr.Newf(ragerr.KindInvalidChunk, op,
				"chunk %s (%s:%d) embedding dimension %d, expected %d",
				ch.ID, ch.DocumentName, ch.Index, len(ch.Embedding), dim)
		}
	}
	return nil
}

// findDocument narrows a listing to one document id.
func findDocument(docs []models.Document, documentID uuid.UUID) *models.Document {
	for i := range docs {
		if docs[i].ID == documentID {
			return &docs[i]
		}
	}
	return nil
}
