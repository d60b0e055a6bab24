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

// qdrantIndex is a minimal Qdrant HTTP client. Qdrant returns cosine
// similarity directly, so scores pass through unchanged.
type qdrantIndex struct {
	cfg    Config
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func newQdrant(cfg Config, logger *zap.Logger) *qdrantIndex {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:6333"
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &qdrantIndex{
		cfg:    cfg,
		base:   base,
		httpw:  circuitbreaker.NewHTTPWrapper(client, "qdrant", logger),
		logger: logger,
	}
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score,omitempty"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
}

type qdrantScrollResponse struct {
	Result struct {
		Points         []qdrantPoint `json:"points"`
		NextPageOffset any           `json:"next_page_offset"`
	} `json:"result"`
}

func (q *qdrantIndex) Initialize(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.cfg.Dimension,
			"distance": "Cosine",
		},
	}
	status, _, err := q.do(ctx, http.MethodPut, "/collections/"+q.cfg.Collection, body)
	if err != nil {
		return err
	}
	// 409 means the collection already exists.
	if status != http.StatusOK && status != http.StatusConflict {
		return ragerr.Newf(ragerr.KindUpstreamVectorError, "qdrant.Initialize", "create collection: status %d", status)
	}
	return nil
}

func (q *qdrantIndex) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunks("qdrant.UpsertChunks", chunks, q.cfg.Dimension); err != nil {
		return err
	}
	start := time.Now()
	points := make([]qdrantPoint, len(chunks))
	for i, ch := range chunks {
		points[i] = qdrantPoint{
			ID:      ch.ID.String(),
			Vector:  ch.Embedding,
			Payload: chunkPayload(ch),
		}
	}
	status, _, err := q.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", q.cfg.Collection),
		map[string]any{"points": points})
	if err != nil {
		metrics.RecordVectorOp(BackendQdrant, "upsert", "error", time.Since(start).Seconds())
		return err
	}
	if status != http.StatusOK {
		metrics.RecordVectorOp(BackendQdrant, "upsert", "error", time.Since(start).Seconds())
		return ragerr.Newf(ragerr.KindUpstreamVectorError, "qdrant.UpsertChunks", "status %d", status)
	}
	metrics.RecordVectorOp(BackendQdrant, "upsert", "ok", time.Since(start).Seconds())
	return nil
}

func (q *qdrantIndex) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]models.RetrievedChunk, error) {
	start := time.Now()
	body := map[string]any{
		"query":        vector,
		"limit":        topK,
		"with_payload": true,
	}
	if minScore > 0 {
		body["score_threshold"] = minScore
	}
	status, raw, err := q.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/query", q.cfg.Collection), body)

	var points []qdrantPoint
	if err == nil && status == http.StatusOK {
		var res qdrantQueryResponse
		if derr := json.Unmarshal(raw, &res); derr == nil {
			points = res.Result.Points
		}
	} else {
		// Older servers only expose /points/search.
		legacy := map[string]any{
			"vector":       vector,
			"limit":        topK,
			"with_payload": true,
		}
		if minScore > 0 {
			legacy["score_threshold"] = minScore
		}
		status, raw, err = q.do(ctx, http.MethodPost,
			fmt.Sprintf("/collections/%s/points/search", q.cfg.Collection), legacy)
		if err != nil {
			metrics.RecordVectorOp(BackendQdrant, "search", "error", time.Since(start).Seconds())
			return nil, err
		}
		if status != http.StatusOK {
			metrics.RecordVectorOp(BackendQdrant, "search", "error", time.Since(start).Seconds())
			return nil, ragerr.Newf(ragerr.KindUpstreamVectorError, "qdrant.Search", "status %d", status)
		}
		var res qdrantSearchResponse
		if derr := json.Unmarshal(raw, &res); derr != nil {
			metrics.RecordVectorOp(BackendQdrant, "search", "error", time.Since(start).Seconds())
			return nil, ragerr.New(ragerr.KindUpstreamVectorError, "qdrant.Search", derr)
		}
		points = res.Result
	}

	out := make([]models.RetrievedChunk, 0, len(points))
	for _, p := range points {
		ch, err := chunkFromPayload(p.ID, p.Payload)
		if err != nil {
			q.logger.Warn("skipping malformed point", zap.String("id", p.ID), zap.Error(err))
			continue
		}
		out = append(out, models.RetrievedChunk{Chunk: ch, Score: p.Score})
	}
	metrics.RecordVectorOp(BackendQdrant, "search", "ok", time.Since(start).Seconds())
	return out, nil
}

func (q *qdrantIndex) ListDocuments(ctx context.Context) ([]models.Document, error) {
	chunks, err := q.scroll(ctx, nil)
	if err != nil {
		return nil, err
	}
	return aggregateDocuments(chunks), nil
}

func (q *qdrantIndex) GetDocument(ctx context.Context, documentID uuid.UUID) (*models.Document, error) {
	chunks, err := q.scroll(ctx, documentFilter(documentID))
	if err != nil {
		return nil, err
	}
	return findDocument(aggregateDocuments(chunks), documentID), nil
}

func (q *qdrantIndex) GetDocumentChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	chunks, err := q.scroll(ctx, documentFilter(documentID))
	if err != nil {
		return nil, err
	}
	sortChunksByIndex(chunks)
	return chunks, nil
}

func (q *qdrantIndex) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	start := time.Now()
	status, _, err := q.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/delete?wait=true", q.cfg.Collection),
		map[string]any{"filter": documentFilter(documentID)})
	if err != nil {
		metrics.RecordVectorOp(BackendQdrant, "delete", "error", time.Since(start).Seconds())
		return err
	}
	if status != http.StatusOK {
		metrics.RecordVectorOp(BackendQdrant, "delete", "error", time.Since(start).Seconds())
		return ragerr.Newf(ragerr.KindUpstreamVectorError, "qdrant.DeleteDocument", "status %d", status)
	}
	metrics.RecordVectorOp(BackendQdrant, "delete", "ok", time.Since(start).Seconds())
	return nil
}

func (q *qdrantIndex) Close() error { return nil }

func (q *qdrantIndex) scroll(ctx context.Context, filter map[string]any) ([]models.Chunk, error) {
	var chunks []models.Chunk
	var offset any
	for {
		body := map[string]any{
			"limit":        256,
			"with_payload": true,
		}
		if filter != nil {
			body["filter"] = filter
		}
		if offset != nil {
			body["offset"] = offset
		}
		status, raw, err := q.do(ctx, http.MethodPost,
			fmt.Sprintf("/collections/%s/points/scroll", q.cfg.Collection), body)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, ragerr.Newf(ragerr.KindUpstreamVectorError, "qdrant.scroll", "status %d", status)
		}
		var res qdrantScrollResponse
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, ragerr.New(ragerr.KindUpstreamVectorError, "qdrant.scroll", err)
		}
		for _, p := range res.Result.Points {
			ch, err := chunkFromPayload(p.ID, p.Payload)
			if err != nil {
				continue
			}
			chunks = append(chunks, ch)
		}
		if res.Result.NextPageOffset == nil {
			return chunks, nil
		}
		offset = res.Result.NextPageOffset
	}
}

func (q *qdrantIndex) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	url := q.base + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.cfg.APIKey != "" {
		req.Header.Set("api-key", q.cfg.APIKey)
	}

	spanCtx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()
	tracing.InjectTraceparent(spanCtx, req)

	resp, err := q.httpw.Do(req)
	if err != nil {
		return 0, nil, classifyVectorErr("qdrant", ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, ragerr.New(ragerr.KindUpstreamVectorError, "qdrant.do", err)
	}
	return resp.StatusCode, raw, nil
}

func documentFilter(documentID uuid.UUID) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": "documentId", "match": map[string]any{"value": documentID.String()}},
		},
	}
}

func chunkPayload(ch models.Chunk) map[string]any {
	return map[string]any{
		"documentId": ch.DocumentID.String(),
		"docName":    ch.DocumentName,
		"chunkIndex": ch.Index,
		"text":       ch.Text,
		"snippet":    ch.Snippet,
		"hash":       ch.Hash,
		"createdUtc": ch.CreatedUTC.UTC().Format(time.RFC3339Nano),
	}
}

func chunkFromPayload(id string, payload map[string]any) (models.Chunk, error) {
	chunkID, err := uuid.Parse(id)
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse chunk id %q: %w", id, err)
	}
	docIDRaw, _ := payload["documentId"].(string)
	docID, err := uuid.Parse(docIDRaw)
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse document id %q: %w", docIDRaw, err)
	}
	ch := models.Chunk{
		ID:         chunkID,
		DocumentID: docID,
	}
	ch.DocumentName, _ = payload["docName"].(string)
	ch.Text, _ = payload["text"].(string)
	ch.Snippet, _ = payload["snippet"].(string)
	ch.Hash, _ = payload["hash"].(string)
	if idx, ok := payload["chunkIndex"].(float64); ok {
		ch.Index = int(idx)
	}
	if created, ok := payload["createdUtc"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			ch.CreatedUTC = t
		}
	}
	return ch, nil
}

// classifyVectorErr maps transport failures onto the taxonomy while
// letting caller cancellation pass through.
func classifyVectorErr(backend string, parent context.Context, err error) error {
	if parent.Err() == context.Canceled {
		return err
	}
	if parent.Err() == context.DeadlineExceeded {
		return ragerr.New(ragerr.KindUpstreamTimeout, backend, err)
	}
	return ragerr.New(ragerr.KindUpstreamVectorError, backend, err)
}
