package models

import (
	"time"

	"github.com/google/uuid"
)

// Document is the ingest-time aggregate for one runbook. It is never
// mutated after creation; chunk-derived fields are recomputed on read.
type Document struct {
	ID             uuid.UUID `json:"documentId"`
	Name           string    `json:"docName"`
	SourcePath     string    `json:"sourcePath,omitempty"`
	CreatedUTC     time.Time `json:"createdUtc"`
	ChunkCount     int       `json:"chunkCount"`
	TotalSizeBytes int64     `json:"totalSizeBytes"`
}

// Chunk is a bounded, indexed slice of a document. DocumentName is
// denormalized so retrieval results render without a join.
type Chunk struct {
	ID           uuid.UUID `json:"chunkId"`
	DocumentID   uuid.UUID `json:"documentId"`
	DocumentName string    `json:"docName"`
	Index        int       `json:"index"`
	Text         string    `json:"text,omitempty"`
	Snippet      string    `json:"snippet"`
	Hash         string    `json:"hash"`
	Embedding    []float32 `json:"-"`
	CreatedUTC   time.Time `json:"createdUtc"`
}

// RetrievedChunk is a Chunk plus the similarity score reported by the
// vector backend, normalized so higher means more similar.
type RetrievedChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Citation is one parsed [docName:chunkIndex] marker from a model
// answer. Score is never set: a citation is a textual marker, not a
// retrieval result. Retrieval scores live on AskResponse.Retrieved.
type Citation struct {
	DocumentName string   `json:"docName"`
	ChunkIndex   int      `json:"chunkIndex"`
	Snippet      string   `json:"snippet,omitempty"`
	Score        *float64 `json:"score,omitempty"`
}

// AskResponse is the auditable result of one ask-pipeline run.
type AskResponse struct {
	AnswerMarkdown string           `json:"answerMarkdown"`
	Citations      []Citation       `json:"citations"`
	Retrieved      []RetrievedChunk `json:"retrieved"`
	ElapsedMs      int64            `json:"elapsedMs"`
	TokensUsed     *int             `json:"tokensUsed,omitempty"`
}

// IngestResult reports the outcome of ingesting a single uploaded file.
type IngestResult struct {
	FileName   string     `json:"fileName"`
	DocumentID *uuid.UUID `json:"documentId,omitempty"`
	ChunkCount int        `json:"chunkCount"`
	Error      string     `json:"error,omitempty"`
}
