// Package metrics holds the process-wide Prometheus collectors.
// Importing it registers everything via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	DocumentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbookqa_documents_ingested_total",
			Help: "Total number of documents ingested",
		},
		[]string{"source"},
	)

	ChunksIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbookqa_chunks_ingested_total",
			Help: "Total number of chunks written to the vector index",
		},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbookqa_ingest_duration_seconds",
			Help:    "End-to-end ingest duration per document",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Upstream call metrics
	EmbeddingCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbookqa_embedding_calls_total",
			Help: "Embedding calls by provider and status",
		},
		[]string{"provider", "status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbookqa_embedding_duration_seconds",
			Help:    "Embedding call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ChatCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbookqa_chat_calls_total",
			Help: "Chat completions by provider and status",
		},
		[]string{"provider", "status"},
	)

	ChatDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbookqa_chat_duration_seconds",
			Help:    "Chat completion duration",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	VectorOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbookqa_vector_ops_total",
			Help: "Vector index operations by backend, operation and status",
		},
		[]string{"backend", "op", "status"},
	)

	VectorOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbookqa_vector_op_duration_seconds",
			Help:    "Vector index operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Ask pipeline metrics
	AskRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbookqa_ask_requests_total",
			Help: "Ask requests by terminal outcome (grounded, idk, refused, error)",
		},
		[]string{"outcome"},
	)

	AskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbookqa_ask_duration_seconds",
			Help:    "Ask pipeline wall-clock duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	GuardrailVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbookqa_guardrail_verdicts_total",
			Help: "Guardrail verdicts by severity",
		},
		[]string{"severity"},
	)

	CitationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbookqa_citation_retries_total",
			Help: "Answers regenerated with the strict prompt after a citation miss",
		},
	)

	CitationsParsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbookqa_citations_parsed",
			Help:    "Citations parsed per answer after dedup",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	// Circuit breaker metrics, recorded by the breaker HTTP wrappers.
	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbookqa_circuit_breaker_requests_total",
			Help: "Requests through circuit breakers by name, state and result",
		},
		[]string{"name", "state", "result"},
	)
)

// RecordEmbedding records one embedding call.
func RecordEmbedding(provider, status string, seconds float64) {
	EmbeddingCalls.WithLabelValues(provider, status).Inc()
	if seconds > 0 {
		EmbeddingDuration.WithLabelValues(provider).Observe(seconds)
	}
}

// RecordChat records one chat completion call.
func RecordChat(provider, status string, seconds float64) {
	ChatCalls.WithLabelValues(provider, status).Inc()
	if seconds > 0 {
		ChatDuration.WithLabelValues(provider).Observe(seconds)
	}
}

// RecordVectorOp records one vector index operation.
func RecordVectorOp(backend, op, status string, seconds float64) {
	VectorOps.WithLabelValues(backend, op, status).Inc()
	if seconds > 0 {
		VectorOpDuration.WithLabelValues(backend, op).Observe(seconds)
	}
}
