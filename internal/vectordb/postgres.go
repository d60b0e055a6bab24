package vectordb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/metrics"
	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/ragerr"
)

// postgresIndex stores chunks in a single table with a pgvector column.
// Cosine distance (<=>) maps to similarity as 1 - d.
type postgresIndex struct {
	pool   *pgxpool.Pool
	cfg    Config
	table  string
	logger *zap.Logger
}

func newPostgres(cfg Config, logger *zap.Logger) (*postgresIndex, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	return &postgresIndex{
		pool:   pool,
		cfg:    cfg,
		table:  cfg.Collection,
		logger: logger,
	}, nil
}

func (p *postgresIndex) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			document_id uuid NOT NULL,
			document_name text NOT NULL,
			chunk_index integer NOT NULL,
			body text NOT NULL,
			snippet text NOT NULL,
			hash text NOT NULL,
			created_utc timestamptz NOT NULL,
			embedding vector(%d) NOT NULL
		)`, p.table, p.cfg.Dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_id_idx ON %s (document_id)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return classifyVectorErr("postgres.Initialize", ctx, err)
		}
	}
	return nil
}

func (p *postgresIndex) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunks("postgres.UpsertChunks", chunks, p.cfg.Dimension); err != nil {
		return err
	}
	start := time.Now()
	batch := &pgx.Batch{}
	sql := fmt.Sprintf(`INSERT INTO %s
		(id, document_id, document_name, chunk_index, body, snippet, hash, created_utc, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			document_name = EXCLUDED.document_name,
			body = EXCLUDED.body,
			snippet = EXCLUDED.snippet,
			hash = EXCLUDED.hash,
			embedding = EXCLUDED.embedding`, p.table)
	for _, ch := range chunks {
		batch.Queue(sql,
			ch.ID, ch.DocumentID, ch.DocumentName, ch.Index,
			ch.Text, ch.Snippet, ch.Hash, ch.CreatedUTC.UTC(),
			pgvector.NewVector(ch.Embedding),
		)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		metrics.RecordVectorOp(BackendPostgres, "upsert", "error", time.Since(start).Seconds())
		return classifyVectorErr("postgres.UpsertChunks", ctx, err)
	}
	metrics.RecordVectorOp(BackendPostgres, "upsert", "ok", time.Since(start).Seconds())
	return nil
}

func (p *postgresIndex) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]models.RetrievedChunk, error) {
	start := time.Now()
	where := ""
	if minScore > 0 {
		where = fmt.Sprintf("WHERE 1 - (embedding <=> $1) >= %g", minScore)
	}
	sql := fmt.Sprintf(`SELECT id, document_id, document_name, chunk_index,
			body, snippet, hash, created_utc,
			1 - (embedding <=> $1) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $2`, p.table, where)
	rows, err := p.pool.Query(ctx, sql, pgvector.NewVector(vector), topK)
	if err != nil {
		metrics.RecordVectorOp(BackendPostgres, "search", "error", time.Since(start).Seconds())
		return nil, classifyVectorErr("postgres.Search", ctx, err)
	}
	defer rows.Close()

	var out []models.RetrievedChunk
	for rows.Next() {
		var rc models.RetrievedChunk
		if err := rows.Scan(&rc.ID, &rc.DocumentID, &rc.DocumentName, &rc.Index,
			&rc.Text, &rc.Snippet, &rc.Hash, &rc.CreatedUTC, &rc.Score); err != nil {
			metrics.RecordVectorOp(BackendPostgres, "search", "error", time.Since(start).Seconds())
			return nil, ragerr.New(ragerr.KindUpstreamVectorError, "postgres.Search", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordVectorOp(BackendPostgres, "search", "error", time.Since(start).Seconds())
		return nil, classifyVectorErr("postgres.Search", ctx, err)
	}
	metrics.RecordVectorOp(BackendPostgres, "search", "ok", time.Since(start).Seconds())
	return out, nil
}

func (p *postgresIndex) ListDocuments(ctx context.Context) ([]models.Document, error) {
	sql := fmt.Sprintf(`SELECT document_id, document_name,
			min(created_utc), count(*), sum(length(body))
		FROM %s
		GROUP BY document_id, document_name
		ORDER BY min(created_utc), document_name`, p.table)
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, classifyVectorErr("postgres.ListDocuments", ctx, err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var doc models.Document
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.CreatedUTC, &doc.ChunkCount, &doc.TotalSizeBytes); err != nil {
			return nil, ragerr.New(ragerr.KindUpstreamVectorError, "postgres.ListDocuments", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (p *postgresIndex) GetDocument(ctx context.Context, documentID uuid.UUID) (*models.Document, error) {
	sql := fmt.Sprintf(`SELECT document_id, document_name,
			min(created_utc), count(*), sum(length(body))
		FROM %s WHERE document_id = $1
		GROUP BY document_id, document_name`, p.table)
	var doc models.Document
	err := p.pool.QueryRow(ctx, sql, documentID).Scan(
		&doc.ID, &doc.Name, &doc.CreatedUTC, &doc.ChunkCount, &doc.TotalSizeBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyVectorErr("postgres.GetDocument", ctx, err)
	}
	return &doc, nil
}

func (p *postgresIndex) GetDocumentChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	sql := fmt.Sprintf(`SELECT id, document_id, document_name, chunk_index,
			body, snippet, hash, created_utc
		FROM %s WHERE document_id = $1 ORDER BY chunk_index`, p.table)
	rows, err := p.pool.Query(ctx, sql, documentID)
	if err != nil {
		return nil, classifyVectorErr("postgres.GetDocumentChunks", ctx, err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var ch models.Chunk
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.DocumentName, &ch.Index,
			&ch.Text, &ch.Snippet, &ch.Hash, &ch.CreatedUTC); err != nil {
			return nil, ragerr.New(ragerr.KindUpstreamVectorError, "postgres.GetDocumentChunks", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (p *postgresIndex) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	start := time.Now()
	sql := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, p.table)
	if _, err := p.pool.Exec(ctx, sql, documentID); err != nil {
		metrics.RecordVectorOp(BackendPostgres, "delete", "error", time.Since(start).Seconds())
		return classifyVectorErr("postgres.DeleteDocument", ctx, err)
	}
	metrics.RecordVectorOp(BackendPostgres, "delete", "ok", time.Since(start).Seconds())
	return nil
}

func (p *postgresIndex) Close() error {
	p.pool.Close()
	return nil
}
