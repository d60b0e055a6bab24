package vectordb

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/ragerr"
)

// Memory is the in-process reference backend. It keeps full chunks
// keyed by chunk ID and scans linearly on search, which is plenty for
// tests and local development.
type Memory struct {
	mu     sync.RWMutex
	chunks map[uuid.UUID]models.Chunk
}

func NewMemory() *Memory {
	return &Memory{chunks: make(map[uuid.UUID]models.Chunk)}
}

func (m *Memory) Initialize(ctx context.Context) error { return nil }

func (m *Memory) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if err := validateChunks("memory.UpsertChunks", chunks, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range chunks {
		m.chunks[ch.ID] = ch
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]models.RetrievedChunk, error) {
	if topK <= 0 {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, "memory.Search", "topK must be positive, got %d", topK)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]models.RetrievedChunk, 0, len(m.chunks))
	for _, ch := range m.chunks {
		if len(ch.Embedding) != len(vector) {
			continue
		}
		score := CosineSimilarity(vector, ch.Embedding)
		if minScore > 0 && score < minScore {
			continue
		}
		results = append(results, models.RetrievedChunk{Chunk: ch, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// Stable order for equal scores.
		if results[i].DocumentName != results[j].DocumentName {
			return results[i].DocumentName < results[j].DocumentName
		}
		return results[i].Index < results[j].Index
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *Memory) ListDocuments(ctx context.Context) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]models.Chunk, 0, len(m.chunks))
	for _, ch := range m.chunks {
		all = append(all, ch)
	}
	return aggregateDocuments(all), nil
}

func (m *Memory) GetDocument(ctx context.Context, documentID uuid.UUID) (*models.Document, error) {
	docs, err := m.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	return findDocument(docs, documentID), nil
}

func (m *Memory) GetDocumentChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Chunk
	for _, ch := range m.chunks {
		if ch.DocumentID == documentID {
			ch.Embedding = nil
			out = append(out, ch)
		}
	}
	sortChunksByIndex(out)
	return out, nil
}

func (m *Memory) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.chunks {
		if ch.DocumentID == documentID {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// CosineSimilarity computes the cosine of the angle between two
// vectors. Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
