// Package ingest turns raw runbook text into embedded chunks stored in
// the vector index.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/paymentops/runbookqa/internal/chunking"
	"github.com/paymentops/runbookqa/internal/llm"
	"github.com/paymentops/runbookqa/internal/metrics"
	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/ragerr"
	"github.com/paymentops/runbookqa/internal/vectordb"
)

// Config bounds the ingest pipeline.
type Config struct {
	Chunking             chunking.Config
	EmbeddingBatchSize   int
	VectorStoreBatchSize int
	MaxFileSizeBytes     int64
	// MaxEmbedRPS throttles embedding batch calls; 0 means unlimited.
	MaxEmbedRPS       float64
	AllowedExtensions []string
}

func DefaultConfig() Config {
	return Config{
		Chunking:             chunking.DefaultConfig(),
		EmbeddingBatchSize:   100,
		VectorStoreBatchSize: 50,
		MaxFileSizeBytes:     10 << 20,
		AllowedExtensions:    []string{".md", ".txt"},
	}
}

// Ingestor drives the document ingest path: chunk, embed, upsert.
type Ingestor struct {
	cfg      Config
	chunker  *chunking.Chunker
	embedder llm.Embedder
	index    vectordb.Index
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func New(cfg Config, embedder llm.Embedder, index vectordb.Index, logger *zap.Logger) (*Ingestor, error) {
	if cfg.EmbeddingBatchSize <= 0 {
		cfg.EmbeddingBatchSize = 100
	}
	if cfg.VectorStoreBatchSize <= 0 {
		cfg.VectorStoreBatchSize = 50
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = 10 << 20
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".md", ".txt"}
	}
	chunker, err := chunking.New(cfg.Chunking)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.MaxEmbedRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxEmbedRPS), 1)
	}
	return &Ingestor{
		cfg:      cfg,
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// IngestText chunks, embeds and stores one document. The returned
// Document's totalSizeBytes is the byte length of the raw text.
// Partial progress may remain visible if a later batch fails; chunk ids
// make retries idempotent at the store level.
func (ing *Ingestor) IngestText(ctx context.Context, docName, text, sourcePath string) (*models.Document, error) {
	const op = "ingest.IngestText"
	start := time.Now()

	docName = strings.TrimSpace(docName)
	if docName == "" {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, op, "document name is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, op, "document %q is empty", docName)
	}

	documentID := uuid.New()
	createdUTC := time.Now().UTC()

	pieces, err := ing.chunker.Split(text)
	if err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, op, "document %q produced no chunks", docName)
	}

	stored := 0
	for batchStart := 0; batchStart < len(pieces); batchStart += ing.cfg.EmbeddingBatchSize {
		batchEnd := min(batchStart+ing.cfg.EmbeddingBatchSize, len(pieces))
		group := pieces[batchStart:batchEnd]

		if ing.limiter != nil {
			if err := ing.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		texts := make([]string, len(group))
		for i, p := range group {
			texts[i] = p.Text
		}
		vectors, err := ing.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}

		chunks := make([]models.Chunk, len(group))
		for i, p := range group {
			chunks[i] = models.Chunk{
				ID:           uuid.New(),
				DocumentID:   documentID,
				DocumentName: docName,
				Index:        p.Index,
				Text:         p.Text,
				Snippet:      p.Snippet,
				Hash:         p.Hash,
				Embedding:    vectors[i],
				CreatedUTC:   createdUTC,
			}
		}
		for subStart := 0; subStart < len(chunks); subStart += ing.cfg.VectorStoreBatchSize {
			subEnd := min(subStart+ing.cfg.VectorStoreBatchSize, len(chunks))
			if err := ing.index.UpsertChunks(ctx, chunks[subStart:subEnd]); err != nil {
				return nil, err
			}
			stored += subEnd - subStart
		}
	}

	source := "text"
	if sourcePath != "" {
		source = "file"
	}
	metrics.DocumentsIngested.WithLabelValues(source).Inc()
	metrics.ChunksIngested.Add(float64(stored))
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	ing.logger.Info("document ingested",
		zap.String("document_id", documentID.String()),
		zap.String("doc_name", docName),
		zap.Int("chunks", stored),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &models.Document{
		ID:             documentID,
		Name:           docName,
		SourcePath:     sourcePath,
		CreatedUTC:     createdUTC,
		ChunkCount:     stored,
		TotalSizeBytes: int64(len(text)),
	}, nil
}

// IngestFiles ingests each path independently. Missing, oversize or
// disallowed files are skipped with a warning; one bad file never stops
// the rest. Every path gets a result entry.
func (ing *Ingestor) IngestFiles(ctx context.Context, paths []string) []models.IngestResult {
	results := make([]models.IngestResult, 0, len(paths))
	for _, path := range paths {
		results = append(results, ing.ingestFile(ctx, path))
	}
	return results
}

func (ing *Ingestor) ingestFile(ctx context.Context, path string) models.IngestResult {
	name := filepath.Base(path)
	result := models.IngestResult{FileName: name}

	ext := strings.ToLower(filepath.Ext(path))
	if !ing.extensionAllowed(ext) {
		ing.logger.Warn("skipping file with disallowed extension", zap.String("path", path))
		result.Error = "unsupported file extension " + ext
		return result
	}

	info, err := os.Stat(path)
	if err != nil {
		ing.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
		result.Error = "file not found"
		return result
	}
	if info.Size() > ing.cfg.MaxFileSizeBytes {
		ing.logger.Warn("skipping oversize file",
			zap.String("path", path),
			zap.Int64("size", info.Size()),
			zap.Int64("limit", ing.cfg.MaxFileSizeBytes),
		)
		result.Error = "file exceeds size limit"
		return result
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		ing.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
		result.Error = "failed to read file"
		return result
	}

	doc, err := ing.IngestText(ctx, name, string(raw), path)
	if err != nil {
		ing.logger.Warn("file ingest failed", zap.String("path", path), zap.Error(err))
		result.Error = err.Error()
		return result
	}
	result.DocumentID = &doc.ID
	result.ChunkCount = doc.ChunkCount
	return result
}

// IngestUpload ingests one uploaded file body, applying the same
// extension and size checks as path-based ingest.
func (ing *Ingestor) IngestUpload(ctx context.Context, fileName string, content []byte) models.IngestResult {
	result := models.IngestResult{FileName: fileName}

	ext := strings.ToLower(filepath.Ext(fileName))
	if !ing.extensionAllowed(ext) {
		ing.logger.Warn("rejecting upload with disallowed extension", zap.String("file", fileName))
		result.Error = "unsupported file extension " + ext
		return result
	}
	if int64(len(content)) > ing.cfg.MaxFileSizeBytes {
		ing.logger.Warn("rejecting oversize upload",
			zap.String("file", fileName),
			zap.Int("size", len(content)),
			zap.Int64("limit", ing.cfg.MaxFileSizeBytes),
		)
		result.Error = "file exceeds size limit"
		return result
	}

	doc, err := ing.IngestText(ctx, fileName, string(content), "")
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.DocumentID = &doc.ID
	result.ChunkCount = doc.ChunkCount
	return result
}

// IngestFolder ingests every allowed file directly under dir.
func (ing *Ingestor) IngestFolder(ctx context.Context, dir string) ([]models.IngestResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, "ingest.IngestFolder", "read folder %q: %v", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ing.extensionAllowed(strings.ToLower(filepath.Ext(e.Name()))) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return ing.IngestFiles(ctx, paths), nil
}

func (ing *Ingestor) extensionAllowed(ext string) bool {
	for _, allowed := range ing.cfg.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
