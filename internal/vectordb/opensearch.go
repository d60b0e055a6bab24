package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/circuitbreaker"
	"github.com/paymentops/runbookqa/internal/metrics"
	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/ragerr"
	"github.com/paymentops/runbookqa/internal/tracing"
)

// openSearchIndex is a minimal OpenSearch k-NN client. The Lucene
// engine with cosinesimil scores documents as (1 + cos)/2, so
// similarity is recovered as 2*score - 1.
type openSearchIndex struct {
	cfg    Config
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func newOpenSearch(cfg Config, logger *zap.Logger) *openSearchIndex {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:9200"
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &openSearchIndex{
		cfg:    cfg,
		base:   base,
		httpw:  circuitbreaker.NewHTTPWrapper(client, "opensearch", logger),
		logger: logger,
	}
}

type osDocument struct {
	DocumentID   string    `json:"documentId"`
	DocName      string    `json:"docName"`
	ChunkIndex   int       `json:"chunkIndex"`
	Body         string    `json:"body"`
	Snippet      string    `json:"snippet"`
	Hash         string    `json:"hash"`
	CreatedUTC   time.Time `json:"createdUtc"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

type osHit struct {
	ID     string     `json:"_id"`
	Score  float64    `json:"_score"`
	Source osDocument `json:"_source"`
}

type osSearchResponse struct {
	Hits struct {
		Hits []osHit `json:"hits"`
	} `json:"hits"`
}

func (o *openSearchIndex) Initialize(ctx context.Context) error {
	body := map[string]any{
		"settings": map[string]any{"index": map[string]any{"knn": true}},
		"mappings": map[string]any{
			"properties": map[string]any{
				"documentId": map[string]any{"type": "keyword"},
				"docName":    map[string]any{"type": "keyword"},
				"chunkIndex": map[string]any{"type": "integer"},
				"body":       map[string]any{"type": "text"},
				"snippet":    map[string]any{"type": "text", "index": false},
				"hash":       map[string]any{"type": "keyword"},
				"createdUtc": map[string]any{"type": "date"},
				"embedding": map[string]any{
					"type":      "knn_vector",
					"dimension": o.cfg.Dimension,
					"method": map[string]any{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "lucene",
					},
				},
			},
		},
	}
	status, raw, err := o.do(ctx, http.MethodPut, "/"+o.cfg.Collection, body)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	// A 400 with resource_already_exists_exception means the index is
	// already there.
	if status == http.StatusBadRequest && bytes.Contains(raw, []byte("resource_already_exists_exception")) {
		return nil
	}
	return ragerr.Newf(ragerr.KindUpstreamVectorError, "opensearch.Initialize", "create index: status %d", status)
}

func (o *openSearchIndex) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunks("opensearch.UpsertChunks", chunks, o.cfg.Dimension); err != nil {
		return err
	}
	start := time.Now()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ch := range chunks {
		if err := enc.Encode(map[string]any{
			"index": map[string]any{"_index": o.cfg.Collection, "_id": ch.ID.String()},
		}); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(osDocument{
			DocumentID: ch.DocumentID.String(),
			DocName:    ch.DocumentName,
			ChunkIndex: ch.Index,
			Body:       ch.Text,
			Snippet:    ch.Snippet,
			Hash:       ch.Hash,
			CreatedUTC: ch.CreatedUTC.UTC(),
			Embedding:  ch.Embedding,
		}); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
	}
	status, _, err := o.doRaw(ctx, http.MethodPost, "/_bulk?refresh=true", buf.Bytes(), "application/x-ndjson")
	if err != nil {
		metrics.RecordVectorOp(BackendOpenSearch, "upsert", "error", time.Since(start).Seconds())
		return err
	}
	if status != http.StatusOK {
		metrics.RecordVectorOp(BackendOpenSearch, "upsert", "error", time.Since(start).Seconds())
		return ragerr.Newf(ragerr.KindUpstreamVectorError, "opensearch.UpsertChunks", "status %d", status)
	}
	metrics.RecordVectorOp(BackendOpenSearch, "upsert", "ok", time.Since(start).Seconds())
	return nil
}

func (o *openSearchIndex) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]models.RetrievedChunk, error) {
	start := time.Now()
	body := map[string]any{
		"size": topK,
		"query": map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{"vector": vector, "k": topK},
			},
		},
	}
	hits, err := o.search(ctx, body)
	if err != nil {
		metrics.RecordVectorOp(BackendOpenSearch, "search", "error", time.Since(start).Seconds())
		return nil, err
	}
	out := make([]models.RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		ch, err := chunkFromOSHit(h)
		if err != nil {
			o.logger.Warn("skipping malformed hit", zap.String("id", h.ID), zap.Error(err))
			continue
		}
		score := 2*h.Score - 1
		if minScore > 0 && score < minScore {
			continue
		}
		out = append(out, models.RetrievedChunk{Chunk: ch, Score: score})
	}
	metrics.RecordVectorOp(BackendOpenSearch, "search", "ok", time.Since(start).Seconds())
	return out, nil
}

func (o *openSearchIndex) ListDocuments(ctx context.Context) ([]models.Document, error) {
	chunks, err := o.allChunks(ctx, map[string]any{"match_all": map[string]any{}})
	if err != nil {
		return nil, err
	}
	return aggregateDocuments(chunks), nil
}

func (o *openSearchIndex) GetDocument(ctx context.Context, documentID uuid.UUID) (*models.Document, error) {
	chunks, err := o.allChunks(ctx, map[string]any{
		"term": map[string]any{"documentId": documentID.String()},
	})
	if err != nil {
		return nil, err
	}
	return findDocument(aggregateDocuments(chunks), documentID), nil
}

func (o *openSearchIndex) GetDocumentChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	chunks, err := o.allChunks(ctx, map[string]any{
		"term": map[string]any{"documentId": documentID.String()},
	})
	if err != nil {
		return nil, err
	}
	sortChunksByIndex(chunks)
	return chunks, nil
}

func (o *openSearchIndex) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	start := time.Now()
	body := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"documentId": documentID.String()},
		},
	}
	status, _, err := o.do(ctx, http.MethodPost,
		fmt.Sprintf("/%s/_delete_by_query?refresh=true", o.cfg.Collection), body)
	if err != nil {
		metrics.RecordVectorOp(BackendOpenSearch, "delete", "error", time.Since(start).Seconds())
		return err
	}
	if status != http.StatusOK {
		metrics.RecordVectorOp(BackendOpenSearch, "delete", "error", time.Since(start).Seconds())
		return ragerr.Newf(ragerr.KindUpstreamVectorError, "opensearch.DeleteDocument", "status %d", status)
	}
	metrics.RecordVectorOp(BackendOpenSearch, "delete", "ok", time.Since(start).Seconds())
	return nil
}

func (o *openSearchIndex) Close() error { return nil }

func (o *openSearchIndex) allChunks(ctx context.Context, query map[string]any) ([]models.Chunk, error) {
	var chunks []models.Chunk
	from := 0
	const page = 500
	for {
		hits, err := o.search(ctx, map[string]any{
			"from":  from,
			"size":  page,
			"query": query,
			"sort":  []any{map[string]any{"chunkIndex": "asc"}},
		})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			ch, err := chunkFromOSHit(h)
			if err != nil {
				continue
			}
			chunks = append(chunks, ch)
		}
		if len(hits) < page {
			return chunks, nil
		}
		from += page
	}
}

func (o *openSearchIndex) search(ctx context.Context, body map[string]any) ([]osHit, error) {
	status, raw, err := o.do(ctx, http.MethodPost, "/"+o.cfg.Collection+"/_search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, ragerr.Newf(ragerr.KindUpstreamVectorError, "opensearch.search", "status %d", status)
	}
	var res osSearchResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, ragerr.New(ragerr.KindUpstreamVectorError, "opensearch.search", err)
	}
	return res.Hits.Hits, nil
}

func (o *openSearchIndex) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	return o.doRaw(ctx, method, path, buf, "application/json")
}

func (o *openSearchIndex) doRaw(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	url := o.base + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Basic "+o.cfg.APIKey)
	}

	spanCtx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()
	tracing.InjectTraceparent(spanCtx, req)

	resp, err := o.httpw.Do(req)
	if err != nil {
		return 0, nil, classifyVectorErr("opensearch", ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, ragerr.New(ragerr.KindUpstreamVectorError, "opensearch.do", err)
	}
	return resp.StatusCode, raw, nil
}

func chunkFromOSHit(h osHit) (models.Chunk, error) {
	chunkID, err := uuid.Parse(h.ID)
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse chunk id %q: %w", h.ID, err)
	}
	docID, err := uuid.Parse(h.Source.DocumentID)
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse document id %q: %w", h.Source.DocumentID, err)
	}
	return models.Chunk{
		ID:           chunkID,
		DocumentID:   docID,
		DocumentName: h.Source.DocName,
		Index:        h.Source.ChunkIndex,
		Text:         h.Source.Body,
		Snippet:      h.Source.Snippet,
		Hash:         h.Source.Hash,
		CreatedUTC:   h.Source.CreatedUTC,
	}, nil
}
