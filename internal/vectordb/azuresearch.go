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

const azureSearchAPIVersion = "2024-07-01"

// azureAISearchIndex is a minimal Azure AI Search REST client. Cosine
// scores arrive as 1/(1 + d), so similarity is recovered as
// 2 - 1/score.
type azureAISearchIndex struct {
	cfg    Config
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func newAzureAISearch(cfg Config, logger *zap.Logger) (*azureAISearchIndex, error) {
	if cfg.AzureEndpoint == "" {
		return nil, fmt.Errorf("azureaisearch: endpoint is required")
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &azureAISearchIndex{
		cfg:    cfg,
		base:   cfg.AzureEndpoint,
		httpw:  circuitbreaker.NewHTTPWrapper(client, "azureaisearch", logger),
		logger: logger,
	}, nil
}

type azureDoc struct {
	Action     string    `json:"@search.action,omitempty"`
	Score      float64   `json:"@search.score,omitempty"`
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId,omitempty"`
	DocName    string    `json:"docName,omitempty"`
	ChunkIndex int       `json:"chunkIndex,omitempty"`
	Body       string    `json:"body,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	CreatedUTC string    `json:"createdUtc,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

type azureSearchResponse struct {
	Value []azureDoc `json:"value"`
}

func (a *azureAISearchIndex) Initialize(ctx context.Context) error {
	body := map[string]any{
		"name": a.cfg.Collection,
		"fields": []map[string]any{
			{"name": "id", "type": "Edm.String", "key": true, "filterable": true},
			{"name": "documentId", "type": "Edm.String", "filterable": true},
			{"name": "docName", "type": "Edm.String", "filterable": true},
			{"name": "chunkIndex", "type": "Edm.Int32", "sortable": true},
			{"name": "body", "type": "Edm.String", "searchable": true},
			{"name": "snippet", "type": "Edm.String"},
			{"name": "hash", "type": "Edm.String"},
			{"name": "createdUtc", "type": "Edm.DateTimeOffset", "sortable": true},
			{
				"name":                "embedding",
				"type":                "Collection(Edm.Single)",
				"searchable":          true,
				"dimensions":          a.cfg.Dimension,
				"vectorSearchProfile": "default-profile",
			},
		},
		"vectorSearch": map[string]any{
			"algorithms": []map[string]any{
				{"name": "default-hnsw", "kind": "hnsw", "hnswParameters": map[string]any{"metric": "cosine"}},
			},
			"profiles": []map[string]any{
				{"name": "default-profile", "algorithm": "default-hnsw"},
			},
		},
	}
	status, _, err := a.do(ctx, http.MethodPut,
		fmt.Sprintf("/indexes/%s?api-version=%s", a.cfg.Collection, azureSearchAPIVersion), body)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return ragerr.Newf(ragerr.KindUpstreamVectorError, "azureaisearch.Initialize", "create index: status %d", status)
	}
	return nil
}

func (a *azureAISearchIndex) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunks("azureaisearch.UpsertChunks", chunks, a.cfg.Dimension); err != nil {
		return err
	}
	start := time.Now()
	docs := make([]azureDoc, len(chunks))
	for i, ch := range chunks {
		docs[i] = azureDoc{
			Action:     "mergeOrUpload",
			ID:         ch.ID.String(),
			DocumentID: ch.DocumentID.String(),
			DocName:    ch.DocumentName,
			ChunkIndex: ch.Index,
			Body:       ch.Text,
			Snippet:    ch.Snippet,
			Hash:       ch.Hash,
			CreatedUTC: ch.CreatedUTC.UTC().Format(time.RFC3339),
			Embedding:  ch.Embedding,
		}
	}
	if err := a.postDocs(ctx, docs); err != nil {
		metrics.RecordVectorOp(BackendAzureAISearch, "upsert", "error", time.Since(start).Seconds())
		return err
	}
	metrics.RecordVectorOp(BackendAzureAISearch, "upsert", "ok", time.Since(start).Seconds())
	return nil
}

func (a *azureAISearchIndex) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]models.RetrievedChunk, error) {
	start := time.Now()
	body := map[string]any{
		"top": topK,
		"vectorQueries": []map[string]any{
			{"kind": "vector", "vector": vector, "fields": "embedding", "k": topK},
		},
	}
	docs, err := a.search(ctx, body)
	if err != nil {
		metrics.RecordVectorOp(BackendAzureAISearch, "search", "error", time.Since(start).Seconds())
		return nil, err
	}
	out := make([]models.RetrievedChunk, 0, len(docs))
	for _, d := range docs {
		ch, err := chunkFromAzureDoc(d)
		if err != nil {
			a.logger.Warn("skipping malformed document", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		score := d.Score
		if score > 0 {
			score = 2 - 1/score
		}
		if minScore > 0 && score < minScore {
			continue
		}
		out = append(out, models.RetrievedChunk{Chunk: ch, Score: score})
	}
	metrics.RecordVectorOp(BackendAzureAISearch, "search", "ok", time.Since(start).Seconds())
	return out, nil
}

func (a *azureAISearchIndex) ListDocuments(ctx context.Context) ([]models.Document, error) {
	chunks, err := a.allChunks(ctx, "")
	if err != nil {
		return nil, err
	}
	return aggregateDocuments(chunks), nil
}

func (a *azureAISearchIndex) GetDocument(ctx context.Context, documentID uuid.UUID) (*models.Document, error) {
	chunks, err := a.allChunks(ctx, fmt.Sprintf("documentId eq '%s'", documentID))
	if err != nil {
		return nil, err
	}
	return findDocument(aggregateDocuments(chunks), documentID), nil
}

func (a *azureAISearchIndex) GetDocumentChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	chunks, err := a.allChunks(ctx, fmt.Sprintf("documentId eq '%s'", documentID))
	if err != nil {
		return nil, err
	}
	sortChunksByIndex(chunks)
	return chunks, nil
}

func (a *azureAISearchIndex) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	start := time.Now()
	chunks, err := a.allChunks(ctx, fmt.Sprintf("documentId eq '%s'", documentID))
	if err != nil {
		metrics.RecordVectorOp(BackendAzureAISearch, "delete", "error", time.Since(start).Seconds())
		return err
	}
	if len(chunks) == 0 {
		metrics.RecordVectorOp(BackendAzureAISearch, "delete", "ok", time.Since(start).Seconds())
		return nil
	}
	docs := make([]azureDoc, len(chunks))
	for i, ch := range chunks {
		docs[i] = azureDoc{Action: "delete", ID: ch.ID.String()}
	}
	if err := a.postDocs(ctx, docs); err != nil {
		metrics.RecordVectorOp(BackendAzureAISearch, "delete", "error", time.Since(start).Seconds())
		return err
	}
	metrics.RecordVectorOp(BackendAzureAISearch, "delete", "ok", time.Since(start).Seconds())
	return nil
}

func (a *azureAISearchIndex) Close() error { return nil }

func (a *azureAISearchIndex) allChunks(ctx context.Context, filter string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	skip := 0
	const page = 500
	for {
		body := map[string]any{
			"search": "*",
			"top":    page,
			"skip":   skip,
		}
		if filter != "" {
			body["filter"] = filter
		}
		docs, err := a.search(ctx, body)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			ch, err := chunkFromAzureDoc(d)
			if err != nil {
				continue
			}
			chunks = append(chunks, ch)
		}
		if len(docs) < page {
			return chunks, nil
		}
		skip += page
	}
}

func (a *azureAISearchIndex) search(ctx context.Context, body map[string]any) ([]azureDoc, error) {
	status, raw, err := a.do(ctx, http.MethodPost,
		fmt.Sprintf("/indexes/%s/docs/search?api-version=%s", a.cfg.Collection, azureSearchAPIVersion), body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, ragerr.Newf(ragerr.KindUpstreamVectorError, "azureaisearch.search", "status %d", status)
	}
	var res azureSearchResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, ragerr.New(ragerr.KindUpstreamVectorError, "azureaisearch.search", err)
	}
	return res.Value, nil
}

func (a *azureAISearchIndex) postDocs(ctx context.Context, docs []azureDoc) error {
	status, _, err := a.do(ctx, http.MethodPost,
		fmt.Sprintf("/indexes/%s/docs/index?api-version=%s", a.cfg.Collection, azureSearchAPIVersion),
		map[string]any{"value": docs})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return ragerr.Newf(ragerr.KindUpstreamVectorError, "azureaisearch.postDocs", "status %d", status)
	}
	return nil
}

func (a *azureAISearchIndex) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	url := a.base + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", a.cfg.APIKey)

	spanCtx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()
	tracing.InjectTraceparent(spanCtx, req)

	resp, err := a.httpw.Do(req)
	if err != nil {
		return 0, nil, classifyVectorErr("azureaisearch", ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, ragerr.New(ragerr.KindUpstreamVectorError, "azureaisearch.do", err)
	}
	return resp.StatusCode, raw, nil
}

func chunkFromAzureDoc(d azureDoc) (models.Chunk, error) {
	chunkID, err := uuid.Parse(d.ID)
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse chunk id %q: %w", d.ID, err)
	}
	docID, err := uuid.Parse(d.DocumentID)
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse document id %q: %w", d.DocumentID, err)
	}
	ch := models.Chunk{
		ID:           chunkID,
		DocumentID:   docID,
		DocumentName: d.DocName,
		Index:        d.ChunkIndex,
		Text:         d.Body,
		Snippet:      d.Snippet,
		Hash:         d.Hash,
	}
	if t, err := time.Parse(time.RFC3339, d.CreatedUTC); err == nil {
		ch.CreatedUTC = t
	}
	return ch, nil
}
