package vectordb

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/ragerr"
)

func testChunk(docID uuid.UUID, docName string, index int, embedding []float32) models.Chunk {
	return models.Chunk{
		ID:           uuid.New(),
		DocumentID:   docID,
		DocumentName: docName,
		Index:        index,
		Text:         "chunk text",
		Snippet:      "chunk text",
		Hash:         "hash",
		Embedding:    embedding,
		CreatedUTC:   time.Now().UTC(),
	}
}

func TestMemoryUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Initialize(ctx))

	docID := uuid.New()
	chunks := []models.Chunk{
		testChunk(docID, "auth.md", 0, []float32{1, 0, 0}),
		testChunk(docID, "auth.md", 1, []float32{0, 1, 0}),
		testChunk(docID, "auth.md", 2, []float32{0.9, 0.1, 0}),
	}
	require.NoError(t, m.UpsertChunks(ctx, chunks))

	results, err := m.Search(ctx, []float32{1, 0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Descending similarity, exact match first.
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestMemorySearchMinScore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	docID := uuid.New()
	require.NoError(t, m.UpsertChunks(ctx, []models.Chunk{
		testChunk(docID, "a.md", 0, []float32{1, 0}),
		testChunk(docID, "a.md", 1, []float32{0, 1}),
	}))

	results, err := m.Search(ctx, []float32{1, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Index)
}

func TestMemorySearchInvalidTopK(t *testing.T) {
	m := NewMemory()
	_, err := m.Search(context.Background(), []float32{1}, 0, 0)
	require.Error(t, err)
	assert.Equal(t, ragerr.KindInvalidInput, ragerr.KindOf(err))
}

func TestMemoryUpsertRejectsMissingEmbedding(t *testing.T) {
	m := NewMemory()
	ch := testChunk(uuid.New(), "a.md", 0, nil)
	err := m.UpsertChunks(context.Background(), []models.Chunk{ch})
	require.Error(t, err)
	assert.Equal(t, ragerr.KindInvalidChunk, ragerr.KindOf(err))
}

func TestValidateChunksDimension(t *testing.T) {
	ok := testChunk(uuid.New(), "a.md", 0, []float32{1, 0, 0})
	short := testChunk(uuid.New(), "a.md", 1, []float32{1, 0})

	require.NoError(t, validateChunks("op", []models.Chunk{ok}, 3))
	// Zero means no dimension enforcement.
	require.NoError(t, validateChunks("op", []models.Chunk{short}, 0))

	err := validateChunks("op", []models.Chunk{ok, short}, 3)
	require.Error(t, err)
	assert.Equal(t, ragerr.KindInvalidChunk, ragerr.KindOf(err))
}

func TestMemoryUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	docID := uuid.New()
	ch := testChunk(docID, "a.md", 0, []float32{1, 0})
	require.NoError(t, m.UpsertChunks(ctx, []models.Chunk{ch}))

	ch.Text = "replaced"
	require.NoError(t, m.UpsertChunks(ctx, []models.Chunk{ch}))

	docs, err := m.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 1, docs[0].ChunkCount)
}

func TestMemoryListDocumentsAggregation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	early := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	docA := uuid.New()
	chA0 := testChunk(docA, "a.md", 0, []float32{1})
	chA0.CreatedUTC = late
	chA0.Text = "12345"
	chA1 := testChunk(docA, "a.md", 1, []float32{1})
	chA1.CreatedUTC = early
	chA1.Text = "678"

	docB := uuid.New()
	chB0 := testChunk(docB, "b.md", 0, []float32{1})
	chB0.CreatedUTC = late.Add(time.Hour)

	require.NoError(t, m.UpsertChunks(ctx, []models.Chunk{chA0, chA1, chB0}))

	docs, err := m.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "a.md", docs[0].Name)
	assert.Equal(t, 2, docs[0].ChunkCount)
	assert.Equal(t, early, docs[0].CreatedUTC)
	assert.Equal(t, int64(8), docs[0].TotalSizeBytes)
	assert.Equal(t, "b.md", docs[1].Name)
}

func TestMemoryGetDocument(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	docID := uuid.New()
	require.NoError(t, m.UpsertChunks(ctx, []models.Chunk{testChunk(docID, "a.md", 0, []float32{1})}))

	doc, err := m.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, docID, doc.ID)

	missing, err := m.GetDocument(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryGetDocumentChunksOrderedAndStripped(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	docID := uuid.New()
	require.NoError(t, m.UpsertChunks(ctx, []models.Chunk{
		testChunk(docID, "a.md", 2, []float32{1}),
		testChunk(docID, "a.md", 0, []float32{1}),
		testChunk(docID, "a.md", 1, []float32{1}),
	}))

	chunks, err := m.GetDocumentChunks(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Nil(t, ch.Embedding)
	}
}

func TestMemoryDeleteDocument(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	keep := uuid.New()
	drop := uuid.New()
	require.NoError(t, m.UpsertChunks(ctx, []models.Chunk{
		testChunk(keep, "keep.md", 0, []float32{1}),
		testChunk(drop, "drop.md", 0, []float32{1}),
		testChunk(drop, "drop.md", 1, []float32{1}),
	}))

	require.NoError(t, m.DeleteDocument(ctx, drop))

	docs, err := m.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "keep.md", docs[0].Name)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}
