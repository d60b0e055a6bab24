package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/chunking"
	"github.com/paymentops/runbookqa/internal/ragerr"
	"github.com/paymentops/runbookqa/internal/vectordb"
)

// fakeEmbedder returns a constant unit vector and counts batch calls.
type fakeEmbedder struct {
	batchCalls int
	batchSizes []int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	f.batchSizes = append(f.batchSizes, len(texts))
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestIngestor(t *testing.T, cfg Config) (*Ingestor, *fakeEmbedder, *vectordb.Memory) {
	t.Helper()
	emb := &fakeEmbedder{}
	index := vectordb.NewMemory()
	ing, err := New(cfg, emb, index, zap.NewNop())
	require.NoError(t, err)
	return ing, emb, index
}

func TestIngestTextStoresChunks(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Chunking = chunking.Config{Size: 100, Overlap: 10, MaxChunksPerDocument: 5000}
	ing, _, index := newTestIngestor(t, cfg)

	doc, err := ing.IngestText(ctx, "auth.md", strings.Repeat("x", 250), "")
	require.NoError(t, err)
	assert.Equal(t, "auth.md", doc.Name)
	assert.Equal(t, int64(250), doc.TotalSizeBytes)
	assert.Greater(t, doc.ChunkCount, 1)

	chunks, err := index.GetDocumentChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, doc.ChunkCount)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, doc.ID, ch.DocumentID)
		assert.Equal(t, doc.CreatedUTC, ch.CreatedUTC)
	}
}

func TestIngestTextEmbeddingBatches(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Chunking = chunking.Config{Size: 10, Overlap: 0, MaxChunksPerDocument: 5000}
	cfg.EmbeddingBatchSize = 4
	cfg.VectorStoreBatchSize = 3
	ing, emb, index := newTestIngestor(t, cfg)

	// 100 chars at size 10 yields 10 chunks: batches of 4, 4, 2.
	doc, err := ing.IngestText(ctx, "batch.md", strings.Repeat("y", 100), "")
	require.NoError(t, err)
	assert.Equal(t, 10, doc.ChunkCount)
	assert.Equal(t, 3, emb.batchCalls)
	assert.Equal(t, []int{4, 4, 2}, emb.batchSizes)

	chunks, err := index.GetDocumentChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 10)
}

func TestIngestTextRejectsBlankInput(t *testing.T) {
	ctx := context.Background()
	ing, _, _ := newTestIngestor(t, DefaultConfig())

	_, err := ing.IngestText(ctx, "", "some text", "")
	require.Error(t, err)
	assert.Equal(t, ragerr.KindInvalidInput, ragerr.KindOf(err))

	_, err = ing.IngestText(ctx, "empty.md", "   \n\t  ", "")
	require.Error(t, err)
	assert.Equal(t, ragerr.KindInvalidInput, ragerr.KindOf(err))
}

func TestIngestTextChunkExplosion(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Chunking = chunking.Config{Size: 10, Overlap: 0, MaxChunksPerDocument: 2}
	ing, _, _ := newTestIngestor(t, cfg)

	_, err := ing.IngestText(ctx, "big.md", strings.Repeat("z", 100), "")
	require.Error(t, err)
	assert.Equal(t, ragerr.KindChunkExplosion, ragerr.KindOf(err))
}

func TestIngestFilesSkipsBadFiles(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxFileSizeBytes = 100
	ing, _, _ := newTestIngestor(t, cfg)

	dir := t.TempDir()
	good := filepath.Join(dir, "runbook.md")
	require.NoError(t, os.WriteFile(good, []byte("Check the processor dashboard first."), 0o644))
	big := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat("a", 200)), 0o644))
	wrongExt := filepath.Join(dir, "image.png")
	require.NoError(t, os.WriteFile(wrongExt, []byte("binary"), 0o644))
	missing := filepath.Join(dir, "missing.md")

	results := ing.IngestFiles(ctx, []string{good, big, wrongExt, missing})
	require.Len(t, results, 4)

	assert.Empty(t, results[0].Error)
	assert.NotNil(t, results[0].DocumentID)
	assert.Greater(t, results[0].ChunkCount, 0)

	assert.Contains(t, results[1].Error, "size limit")
	assert.Contains(t, results[2].Error, "extension")
	assert.Contains(t, results[3].Error, "not found")
}

func TestIngestUpload(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxFileSizeBytes = 50
	ing, _, _ := newTestIngestor(t, cfg)

	res := ing.IngestUpload(ctx, "upload.md", []byte("Auth rate dropped. Check the dashboard."))
	assert.Empty(t, res.Error)
	assert.NotNil(t, res.DocumentID)

	res = ing.IngestUpload(ctx, "huge.md", []byte(strings.Repeat("b", 60)))
	assert.Contains(t, res.Error, "size limit")

	res = ing.IngestUpload(ctx, "binary.exe", []byte("x"))
	assert.Contains(t, res.Error, "extension")
}

func TestIngestFolder(t *testing.T) {
	ctx := context.Background()
	ing, _, _ := newTestIngestor(t, DefaultConfig())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("First runbook content."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("Second runbook content."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.json"), []byte("{}"), 0o644))

	results, err := ing.IngestFolder(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	for _, res := range results {
		assert.Empty(t, res.Error)
	}

	_, err = ing.IngestFolder(ctx, filepath.Join(dir, "nope"))
	require.Error(t, err)
	assert.Equal(t, ragerr.KindInvalidInput, ragerr.KindOf(err))
}
