package vectordb

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/metrics"
	"github.com/paymentops/runbookqa/internal/models"
)

// redisIndex keeps one hash per chunk and a RediSearch HNSW index over
// the embedding field. Search goes through FT.SEARCH KNN; listing and
// per-document reads scan hashes directly so they work without the
// search module loaded.
type redisIndex struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
}

func newRedis(cfg Config, logger *zap.Logger) *redisIndex {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
	})
	return &redisIndex{client: client, cfg: cfg, logger: logger}
}

func (r *redisIndex) keyPrefix() string { return r.cfg.Collection + ":chunk:" }

func (r *redisIndex) chunkKey(id uuid.UUID) string { return r.keyPrefix() + id.String() }

func (r *redisIndex) Initialize(ctx context.Context) error {
	err := r.client.FTCreate(ctx, r.cfg.Collection,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []any{r.keyPrefix()},
		},
		&redis.FieldSchema{FieldName: "documentId", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "docName", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            r.cfg.Dimension,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil && !strings.Contains(err.Error(), "Index already exists") {
		return classifyVectorErr("redis.Initialize", ctx, err)
	}
	return nil
}

func (r *redisIndex) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunks("redis.UpsertChunks", chunks, r.cfg.Dimension); err != nil {
		return err
	}
	start := time.Now()
	pipe := r.client.Pipeline()
	for _, ch := range chunks {
		pipe.HSet(ctx, r.chunkKey(ch.ID), map[string]any{
			"documentId": ch.DocumentID.String(),
			"docName":    ch.DocumentName,
			"chunkIndex": ch.Index,
			"body":       ch.Text,
			"snippet":    ch.Snippet,
			"hash":       ch.Hash,
			"createdUtc": ch.CreatedUTC.UTC().Format(time.RFC3339Nano),
			"embedding":  encodeVector(ch.Embedding),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordVectorOp(BackendRedis, "upsert", "error", time.Since(start).Seconds())
		return classifyVectorErr("redis.UpsertChunks", ctx, err)
	}
	metrics.RecordVectorOp(BackendRedis, "upsert", "ok", time.Since(start).Seconds())
	return nil
}

func (r *redisIndex) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]models.RetrievedChunk, error) {
	start := time.Now()
	query := fmt.Sprintf("*=>[KNN %d @embedding $vec AS dist]", topK)
	res, err := r.client.FTSearchWithArgs(ctx, r.cfg.Collection, query, &redis.FTSearchOptions{
		Params:         map[string]any{"vec": encodeVector(vector)},
		SortBy:         []redis.FTSearchSortBy{{FieldName: "dist", Asc: true}},
		LimitOffset:    0,
		Limit:          topK,
		DialectVersion: 2,
	}).Result()
	if err != nil {
		metrics.RecordVectorOp(BackendRedis, "search", "error", time.Since(start).Seconds())
		return nil, classifyVectorErr("redis.Search", ctx, err)
	}

	out := make([]models.RetrievedChunk, 0, len(res.Docs))
	for _, doc := range res.Docs {
		ch, err := r.chunkFromHash(strings.TrimPrefix(doc.ID, r.keyPrefix()), doc.Fields)
		if err != nil {
			r.logger.Warn("skipping malformed hash", zap.String("key", doc.ID), zap.Error(err))
			continue
		}
		dist, _ := strconv.ParseFloat(doc.Fields["dist"], 64)
		score := 1 - dist
		if minScore > 0 && score < minScore {
			continue
		}
		out = append(out, models.RetrievedChunk{Chunk: ch, Score: score})
	}
	metrics.RecordVectorOp(BackendRedis, "search", "ok", time.Since(start).Seconds())
	return out, nil
}

func (r *redisIndex) ListDocuments(ctx context.Context) ([]models.Document, error) {
	chunks, err := r.scanChunks(ctx, uuid.Nil)
	if err != nil {
		return nil, err
	}
	return aggregateDocuments(chunks), nil
}

func (r *redisIndex) GetDocument(ctx context.Context, documentID uuid.UUID) (*models.Document, error) {
	chunks, err := r.scanChunks(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return findDocument(aggregateDocuments(chunks), documentID), nil
}

func (r *redisIndex) GetDocumentChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	chunks, err := r.scanChunks(ctx, documentID)
	if err != nil {
		return nil, err
	}
	sortChunksByIndex(chunks)
	return chunks, nil
}

func (r *redisIndex) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	start := time.Now()
	chunks, err := r.scanChunks(ctx, documentID)
	if err != nil {
		metrics.RecordVectorOp(BackendRedis, "delete", "error", time.Since(start).Seconds())
		return err
	}
	if len(chunks) == 0 {
		metrics.RecordVectorOp(BackendRedis, "delete", "ok", time.Since(start).Seconds())
		return nil
	}
	keys := make([]string, len(chunks))
	for i, ch := range chunks {
		keys[i] = r.chunkKey(ch.ID)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		metrics.RecordVectorOp(BackendRedis, "delete", "error", time.Since(start).Seconds())
		return classifyVectorErr("redis.DeleteDocument", ctx, err)
	}
	metrics.RecordVectorOp(BackendRedis, "delete", "ok", time.Since(start).Seconds())
	return nil
}

func (r *redisIndex) Close() error { return r.client.Close() }

// scanChunks walks all chunk hashes, optionally filtered to one
// document. uuid.Nil means no filter.
func (r *redisIndex) scanChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	var chunks []models.Chunk
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.keyPrefix()+"*", 256).Result()
		if err != nil {
			return nil, classifyVectorErr("redis.scanChunks", ctx, err)
		}
		for _, key := range keys {
			fields, err := r.client.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, classifyVectorErr("redis.scanChunks", ctx, err)
			}
			if len(fields) == 0 {
				continue
			}
			if documentID != uuid.Nil && fields["documentId"] != documentID.String() {
				continue
			}
			ch, err := r.chunkFromHash(strings.TrimPrefix(key, r.keyPrefix()), fields)
			if err != nil {
				continue
			}
			chunks = append(chunks, ch)
		}
		if next == 0 {
			return chunks, nil
		}
		cursor = next
	}
}

func (r *redisIndex) chunkFromHash(id string, fields map[string]string) (models.Chunk, error) {
	chunkID, err := uuid.Parse(id)
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse chunk id %q: %w", id, err)
	}
	docID, err := uuid.Parse(fields["documentId"])
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse document id %q: %w", fields["documentId"], err)
	}
	idx, err := strconv.Atoi(fields["chunkIndex"])
	if err != nil {
		return models.Chunk{}, fmt.Errorf("parse chunk index %q: %w", fields["chunkIndex"], err)
	}
	ch := models.Chunk{
		ID:           chunkID,
		DocumentID:   docID,
		DocumentName: fields["docName"],
		Index:        idx,
		Text:         fields["body"],
		Snippet:      fields["snippet"],
		Hash:         fields["hash"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["createdUtc"]); err == nil {
		ch.CreatedUTC = t
	}
	return ch, nil
}

// encodeVector renders float32s as the little-endian byte blob
// RediSearch expects for FLOAT32 vector fields.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
