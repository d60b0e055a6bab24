// Package ragerr classifies pipeline failures so callers can map them to
// transport semantics without string matching.
package ragerr

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of a pipeline error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidInput covers blank questions/documents, unsupported
	// extensions and oversize payloads. 4xx semantics.
	KindInvalidInput
	// KindChunkExplosion means chunking exceeded maxChunksPerDocument.
	KindChunkExplosion
	// KindInvalidChunk means an upsert received a chunk without an
	// embedding or with the wrong dimension.
	KindInvalidChunk
	// KindUpstreamTimeout is a per-call deadline hit on a model or
	// vector backend, distinct from caller cancellation.
	KindUpstreamTimeout
	// KindUpstreamModelError is a transient model-provider failure.
	KindUpstreamModelError
	// KindUpstreamModelInvalid is an auth or schema failure; not retriable.
	KindUpstreamModelInvalid
	// KindUpstreamVectorError is a transient vector-backend failure.
	KindUpstreamVectorError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindChunkExplosion:
		return "chunk_explosion"
	case KindInvalidChunk:
		return "invalid_chunk"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamModelError:
		return "upstream_model_error"
	case KindUpstreamModelInvalid:
		return "upstream_model_invalid"
	case KindUpstreamVectorError:
		return "upstream_vector_error"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the operation that failed, and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in the chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
