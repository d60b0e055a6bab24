// Package answer assembles grounded, cited answers from retrieved
// runbook chunks.
package answer

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paymentops/runbookqa/internal/guardrail"
	"github.com/paymentops/runbookqa/internal/llm"
	"github.com/paymentops/runbookqa/internal/metrics"
	"github.com/paymentops/runbookqa/internal/models"
)

// Literal responses callers and tests depend on. Do not reword.
const (
	RefusalAnswer = "I cannot process this request. Please ask a question about payment operations."
	IDKAnswer     = "I don't know based on the provided runbooks."

	truncationMarker = "... [truncated]"

	idkHint = "\n\nTry ingesting more runbooks that cover this topic."

	answerErrorPrefix = "An error occurred while processing your question."
)

// citationRe matches [docName:chunkIndex]. docName may not contain ']'.
var citationRe = regexp.MustCompile(`\[([^\]]+):(\d+)\]`)

const defaultSystemPrompt = `You are a payment operations assistant. Answer the question using ONLY the provided context.

Rules:
- Use only facts present in the context. Do not use outside knowledge.
- If the context does not support an answer, reply exactly: "I don't know based on the provided runbooks."
- Cite every fact as [docName:chunkIndex], matching the labels in the context.
- Structure the answer as three markdown sections: Summary, Checklist, Citations.`

const strictSystemPrompt = defaultSystemPrompt + `
- Every statement MUST carry a citation. NO citations = invalid response.`

// Retriever is the slice of the retrieval package the Answerer needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]models.RetrievedChunk, error)
}

// Config bounds the ask pipeline. Temperature must stay at or below
// 0.1; higher values are clamped.
type Config struct {
	MaxQuestionLength int
	TopK              int
	Temperature       float64
	MaxTokens         int
}

func DefaultConfig() Config {
	return Config{
		MaxQuestionLength: 2000,
		TopK:              5,
		Temperature:       0.1,
	}
}

type Answerer struct {
	cfg       Config
	guard     *guardrail.Inspector
	retriever Retriever
	chat      llm.ChatModel
	logger    *zap.Logger
}

func New(cfg Config, guard *guardrail.Inspector, retriever Retriever, chat llm.ChatModel, logger *zap.Logger) *Answerer {
	if cfg.MaxQuestionLength <= 0 {
		cfg.MaxQuestionLength = 2000
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Temperature <= 0 || cfg.Temperature > 0.1 {
		cfg.Temperature = 0.1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Answerer{cfg: cfg, guard: guard, retriever: retriever, chat: chat, logger: logger}
}

// Ask runs the full pipeline: guardrail, retrieval, grounded
// generation, citation parsing with one bounded strict retry. Pipeline
// failures come back as an error response with elapsedMs set; only
// caller cancellation surfaces as a Go error.
func (a *Answerer) Ask(ctx context.Context, question string, topK int) (*models.AskResponse, error) {
	start := time.Now()
	if topK <= 0 {
		topK = a.cfg.TopK
	}

	verdict := a.guard.Inspect(question)
	metrics.GuardrailVerdicts.WithLabelValues(verdict.Severity.String()).Inc()
	if verdict.Severity == guardrail.Severe {
		a.logger.Warn("question refused by guardrail", zap.Strings("matched_terms", verdict.MatchedTerms))
		metrics.AskRequests.WithLabelValues("refused").Inc()
		return a.finish(start, &models.AskResponse{
			AnswerMarkdown: RefusalAnswer,
			Citations:      []models.Citation{},
			Retrieved:      []models.RetrievedChunk{},
		}), nil
	}

	question = truncateQuestion(question, a.cfg.MaxQuestionLength)

	retrieved, err := a.retriever.Retrieve(ctx, question, topK)
	if err != nil {
		return a.failOrCancel(ctx, start, err)
	}
	if len(retrieved) == 0 {
		metrics.AskRequests.WithLabelValues("idk").Inc()
		return a.finish(start, &models.AskResponse{
			AnswerMarkdown: IDKAnswer + idkHint,
			Citations:      []models.Citation{},
			Retrieved:      []models.RetrievedChunk{},
		}), nil
	}

	userPrompt := question + "\n\nContext:\n" + contextBlock(retrieved)
	system := defaultSystemPrompt
	if verdict.Severity == guardrail.Moderate {
		system = strictSystemPrompt
	}

	totalTokens := 0
	resp, err := a.chat.Chat(ctx, llm.ChatRequest{
		System:      system,
		User:        userPrompt,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return a.failOrCancel(ctx, start, err)
	}
	totalTokens += resp.TokensUsed

	answer := resp.Text
	citations := parseCitations(answer, retrieved)

	// One bounded retry: an uncited answer that is not an honest IDK
	// gets regenerated under the strict prompt.
	if len(citations) == 0 && !strings.Contains(strings.ToLower(answer), "i don't know") {
		metrics.CitationRetries.Inc()
		retryResp, err := a.chat.Chat(ctx, llm.ChatRequest{
			System:      strictSystemPrompt,
			User:        userPrompt,
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
		})
		if err != nil {
			return a.failOrCancel(ctx, start, err)
		}
		totalTokens += retryResp.TokensUsed
		answer = retryResp.Text
		citations = parseCitations(answer, retrieved)
	}

	metrics.CitationsParsed.Observe(float64(len(citations)))
	metrics.AskRequests.WithLabelValues("grounded").Inc()

	out := &models.AskResponse{
		AnswerMarkdown: answer,
		Citations:      citations,
		Retrieved:      stripForResponse(retrieved),
	}
	if totalTokens > 0 {
		out.TokensUsed = &totalTokens
	}
	return a.finish(start, out), nil
}

func (a *Answerer) finish(start time.Time, resp *models.AskResponse) *models.AskResponse {
	resp.ElapsedMs = time.Since(start).Milliseconds()
	metrics.AskDuration.Observe(time.Since(start).Seconds())
	return resp
}

// failOrCancel turns pipeline failures into an error response, but
// lets caller cancellation propagate as a real error.
func (a *Answerer) failOrCancel(ctx context.Context, start time.Time, err error) (*models.AskResponse, error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, err
	}
	a.logger.Error("ask pipeline failed", zap.Error(err))
	metrics.AskRequests.WithLabelValues("error").Inc()
	return a.finish(start, &models.AskResponse{
		AnswerMarkdown: answerErrorPrefix + " " + err.Error(),
		Citations:      []models.Citation{},
		Retrieved:      []models.RetrievedChunk{},
	}), nil
}

// truncateQuestion caps the question at max runes, appending a literal
// marker when it was cut.
func truncateQuestion(question string, max int) string {
	runes := []rune(question)
	if len(runes) <= max {
		return question
	}
	return string(runes[:max]) + truncationMarker
}

// contextBlock renders retrieved chunks as "[docName:index] text"
// paragraphs separated by blank lines, in retrieval order.
func contextBlock(retrieved []models.RetrievedChunk) string {
	parts := make([]string, len(retrieved))
	for i, rc := range retrieved {
		parts[i] = "[" + rc.DocumentName + ":" + strconv.Itoa(rc.Index) + "] " + rc.Text
	}
	return strings.Join(parts, "\n\n")
}

// parseCitations extracts [docName:index] citations, deduplicating by
// (docName, index) in first-seen order. Citations matching a retrieved
// chunk carry its snippet; unknown ones are kept verbatim with an
// empty snippet. Scores stay on the retrieved set, not on citations.
func parseCitations(answer string, retrieved []models.RetrievedChunk) []models.Citation {
	matches := citationRe.FindAllStringSubmatch(answer, -1)
	citations := make([]models.Citation, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		docName := m[1]
		index, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		key := docName + ":" + m[2]
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		c := models.Citation{DocumentName: docName, ChunkIndex: index}
		for _, rc := range retrieved {
			if rc.DocumentName == docName && rc.Index == index {
				c.Snippet = rc.Snippet
				break
			}
		}
		citations = append(citations, c)
	}
	return citations
}

// stripForResponse drops chunk bodies and embeddings from the
// retrieved set; callers get snippets and scores only.
func stripForResponse(retrieved []models.RetrievedChunk) []models.RetrievedChunk {
	out := make([]models.RetrievedChunk, len(retrieved))
	for i, rc := range retrieved {
		rc.Text = ""
		rc.Embedding = nil
		out[i] = rc
	}
	return out
}
