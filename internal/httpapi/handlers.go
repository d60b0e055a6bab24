// Package httpapi exposes the ingest, ask and sources routes.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/answer"
	"github.com/paymentops/runbookqa/internal/ingest"
	"github.com/paymentops/runbookqa/internal/models"
	"github.com/paymentops/runbookqa/internal/ragerr"
	"github.com/paymentops/runbookqa/internal/vectordb"
)

// Handler serves the public API. All pipeline dependencies are
// injected at construction.
type Handler struct {
	ingestor   *ingest.Ingestor
	answerer   *answer.Answerer
	index      vectordb.Index
	samplesDir string
	logger     *zap.Logger
}

func NewHandler(ingestor *ingest.Ingestor, answerer *answer.Answerer, index vectordb.Index, samplesDir string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ingestor:   ingestor,
		answerer:   answerer,
		index:      index,
		samplesDir: samplesDir,
		logger:     logger,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ingest/text", h.handleIngestText)
	mux.HandleFunc("POST /api/ingest/files", h.handleIngestFiles)
	mux.HandleFunc("POST /api/ingest/samples", h.handleIngestSamples)
	mux.HandleFunc("POST /api/ask", h.handleAsk)
	mux.HandleFunc("GET /api/sources", h.handleListSources)
	mux.HandleFunc("GET /api/sources/{id}", h.handleGetSource)
	mux.HandleFunc("DELETE /api/sources/{id}", h.handleDeleteSource)
}

type ingestTextRequest struct {
	DocName string `json:"docName"`
	Text    string `json:"text"`
}

func (h *Handler) handleIngestText(w http.ResponseWriter, r *http.Request) {
	var req ingestTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	doc, err := h.ingestor.IngestText(r.Context(), req.DocName, req.Text, "")
	if err != nil {
		h.writeRagError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type ingestFilesResponse struct {
	Results []models.IngestResult `json:"results"`
}

func (h *Handler) handleIngestFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	var results []models.IngestResult
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				results = append(results, models.IngestResult{FileName: fh.Filename, Error: "failed to read upload"})
				continue
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				results = append(results, models.IngestResult{FileName: fh.Filename, Error: "failed to read upload"})
				continue
			}
			results = append(results, h.ingestor.IngestUpload(r.Context(), fh.Filename, content))
		}
	}
	if results == nil {
		writeError(w, http.StatusBadRequest, "no files in request")
		return
	}
	writeJSON(w, http.StatusOK, ingestFilesResponse{Results: results})
}

type ingestSamplesRequest struct {
	FolderPath string `json:"folderPath"`
}

type ingestSamplesResponse struct {
	Ingested  int                   `json:"ingested"`
	Documents []models.IngestResult `json:"documents"`
}

func (h *Handler) handleIngestSamples(w http.ResponseWriter, r *http.Request) {
	var req ingestSamplesRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	dir := req.FolderPath
	if dir == "" {
		dir = h.samplesDir
	}
	results, err := h.ingestor.IngestFolder(r.Context(), dir)
	if err != nil {
		h.writeRagError(w, r, err)
		return
	}
	ingested := 0
	for _, res := range results {
		if res.Error == "" {
			ingested++
		}
	}
	writeJSON(w, http.StatusOK, ingestSamplesResponse{Ingested: ingested, Documents: results})
}

type askRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"topK"`
}

func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	resp, err := h.answerer.Ask(r.Context(), req.Question, req.TopK)
	if err != nil {
		// Only caller cancellation reaches here.
		writeError(w, 499, "request cancelled")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListSources(w http.ResponseWriter, r *http.Request) {
	docs, err := h.index.ListDocuments(r.Context())
	if err != nil {
		h.writeRagError(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

type sourceDetailResponse struct {
	models.Document
	Chunks []models.Chunk `json:"chunks"`
}

func (h *Handler) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	doc, err := h.index.GetDocument(r.Context(), id)
	if err != nil {
		h.writeRagError(w, r, err)
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	chunks, err := h.index.GetDocumentChunks(r.Context(), id)
	if err != nil {
		h.writeRagError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sourceDetailResponse{Document: *doc, Chunks: chunks})
}

func (h *Handler) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	if err := h.index.DeleteDocument(r.Context(), id); err != nil {
		h.writeRagError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRagError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeRagError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch ragerr.KindOf(err) {
	case ragerr.KindInvalidInput, ragerr.KindInvalidChunk:
		status = http.StatusBadRequest
	case ragerr.KindChunkExplosion:
		status = http.StatusUnprocessableEntity
	case ragerr.KindUpstreamTimeout:
		status = http.StatusGatewayTimeout
	case ragerr.KindUpstreamModelError, ragerr.KindUpstreamModelInvalid, ragerr.KindUpstreamVectorError:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
