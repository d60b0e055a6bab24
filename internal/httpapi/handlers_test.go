package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/answer"
	"github.com/paymentops/runbookqa/internal/guardrail"
	"github.com/paymentops/runbookqa/internal/ingest"
	"github.com/paymentops/runbookqa/internal/llm"
	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/retrieval"
	"github.com/paymentops/runbookqa/internal/vectordb"
)

type constantEmbedder struct{}

func (constantEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (constantEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// citingChat answers with a citation pointing at the first context label.
type citingChat struct{}

func (citingChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := strings.Index(req.User, "\nContext:\n[")
	if start < 0 {
		return &llm.ChatResponse{Text: "I don't know based on the provided runbooks."}, nil
	}
	rest := req.User[start+len("\nContext:\n"):]
	end := strings.Index(rest, "]")
	label := rest[:end+1]
	return &llm.ChatResponse{Text: "Check the dashboard first " + label + ".", TokensUsed: 12}, nil
}

func newTestServer(t *testing.T) (*http.ServeMux, vectordb.Index) {
	t.Helper()
	logger := zap.NewNop()
	index := vectordb.NewMemory()

	ing, err := ingest.New(ingest.DefaultConfig(), constantEmbedder{}, index, logger)
	require.NoError(t, err)

	retriever := retrieval.New(retrieval.Config{TopK: 5}, constantEmbedder{}, index, logger)
	ans := answer.New(answer.DefaultConfig(), guardrail.NewInspector(logger), retriever, citingChat{}, logger)

	mux := http.NewServeMux()
	NewHandler(ing, ans, index, "samples", logger).RegisterRoutes(mux)
	return mux, index
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIngestTextEndpoint(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := postJSON(t, mux, "/api/ingest/text", map[string]string{
		"docName": "auth.md",
		"text":    "When the auth rate drops, check the processor dashboard first.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var doc models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "auth.md", doc.Name)
	assert.Greater(t, doc.ChunkCount, 0)
	assert.NotEqual(t, uuid.Nil, doc.ID)
}

func TestIngestTextEndpointRejectsBlank(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := postJSON(t, mux, "/api/ingest/text", map[string]string{"docName": "a.md", "text": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/text", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskEndpoint(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := postJSON(t, mux, "/api/ingest/text", map[string]string{
		"docName": "auth.md",
		"text":    "When the auth rate drops, check the processor dashboard first.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, mux, "/api/ask", map[string]any{"question": "What should I check first?"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.AnswerMarkdown, "[auth.md:0]")
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "auth.md", resp.Citations[0].DocumentName)
}

func TestAskEndpointEmptyCorpus(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := postJSON(t, mux, "/api/ask", map[string]any{"question": "Anything?"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.AnswerMarkdown, "I don't know based on the provided runbooks."))
}

func TestAskEndpointRequiresQuestion(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := postJSON(t, mux, "/api/ask", map[string]any{"question": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourcesLifecycle(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := postJSON(t, mux, "/api/ingest/text", map[string]string{
		"docName": "settle.md",
		"text":    "Settlement delays: check the batch export job status.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var doc models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	// Listing is a bare array.
	req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, doc.ID, list[0].ID)

	// Detail with chunks.
	req = httptest.NewRequest(http.MethodGet, "/api/sources/"+doc.ID.String(), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		models.Document
		Chunks []models.Chunk `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, doc.ID, detail.ID)
	require.NotEmpty(t, detail.Chunks)
	assert.Nil(t, detail.Chunks[0].Embedding)

	// Delete, then the detail route 404s.
	req = httptest.NewRequest(http.MethodDelete, "/api/sources/"+doc.ID.String(), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sources/"+doc.ID.String(), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSourcesEmptyList(t *testing.T) {
	mux, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestSourceInvalidID(t *testing.T) {
	mux, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sources/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/sources/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestFilesEndpoint(t *testing.T) {
	mux, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "upload.md")
	require.NoError(t, err)
	fmt.Fprint(fw, "Refund stuck in pending: retry the capture call.")
	fw, err = mw.CreateFormFile("files", "image.png")
	require.NoError(t, err)
	fmt.Fprint(fw, "binary")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []models.IngestResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)

	byName := map[string]models.IngestResult{}
	for _, res := range resp.Results {
		byName[res.FileName] = res
	}
	assert.Empty(t, byName["upload.md"].Error)
	assert.Contains(t, byName["image.png"].Error, "extension")
}

func TestIngestFilesEndpointNoFiles(t *testing.T) {
	mux, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestSamplesEndpoint(t *testing.T) {
	mux, _ := newTestServer(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("Alpha runbook."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("Beta runbook."), 0o644))

	rec := postJSON(t, mux, "/api/ingest/samples", map[string]string{"folderPath": dir})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Ingested  int                   `json:"ingested"`
		Documents []models.IngestResult `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Ingested)
	assert.Len(t, resp.Documents, 2)
}

func TestIngestSamplesEndpointMissingFolder(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := postJSON(t, mux, "/api/ingest/samples", map[string]string{"folderPath": filepath.Join(t.TempDir(), "nope")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
