// Package chunking splits runbook text into bounded, overlapping windows
// with deterministic indices, snippets and content hashes.
package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/paymentops/runbookqa/internal/ragerr"
)

const (
	// boundaryWindow is how far back from the window end the chunker
	// looks for a sentence boundary to snap to.
	boundaryWindow = 100
	// snippetLen caps the preview stored alongside each chunk.
	snippetLen = 240
)

var horizontalWS = regexp.MustCompile(`[ \t\f\v]+`)

// Config controls window geometry. Overlap must be strictly smaller
// than Size.
type Config struct {
	Size                 int
	Overlap              int
	MaxChunksPerDocument int
}

// DefaultConfig matches the service defaults.
func DefaultConfig() Config {
	return Config{Size: 1000, Overlap: 150, MaxChunksPerDocument: 5000}
}

// Piece is one emitted window. Text is trimmed; Hash is the lowercase
// hex SHA-256 of Text.
type Piece struct {
	Index   int
	Text    string
	Snippet string
	Hash    string
}

// Chunker produces deterministic overlapping windows from UTF-8 text.
type Chunker struct {
	cfg Config
}

// New validates the configuration and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	if cfg.Size <= 0 {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, "chunking.New", "chunk size must be positive, got %d", cfg.Size)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, "chunking.New", "overlap must be in [0, size), got %d", cfg.Overlap)
	}
	if cfg.MaxChunksPerDocument <= 0 {
		return nil, ragerr.Newf(ragerr.KindInvalidInput, "chunking.New", "max chunks per document must be positive, got %d", cfg.MaxChunksPerDocument)
	}
	return &Chunker{cfg: cfg}, nil
}

// Normalize applies the canonical pre-chunking cleanup: CRLF to LF,
// runs of horizontal whitespace collapsed to one space (LF preserved),
// then an outer trim.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = horizontalWS.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Split chunks the text after normalization. Empty normalized input
// yields an empty slice. Exceeding MaxChunksPerDocument fails the document.
func (c *Chunker) Split(text string) ([]Piece, error) {
	runes := []rune(Normalize(text))
	if len(runes) == 0 {
		return nil, nil
	}

	var out []Piece
	start := 0
	for start < len(runes) {
		end := start + c.cfg.Size
		if end > len(runes) {
			end = len(runes)
		}
		if end < len(runes) {
			end = snapToBoundary(runes, start, end)
		}

		if trimmed := strings.TrimSpace(string(runes[start:end])); trimmed != "" {
			if len(out) >= c.cfg.MaxChunksPerDocument {
				return nil, ragerr.Newf(ragerr.KindChunkExplosion, "chunking.Split",
					"document exceeds %d chunks", c.cfg.MaxChunksPerDocument)
			}
			out = append(out, Piece{
				Index:   len(out),
				Text:    trimmed,
				Snippet: Snippet(trimmed),
				Hash:    HashText(trimmed),
			})
		}

		if end == len(runes) {
			break
		}
		// Forced advance keeps termination even when overlap is close
		// to the chunk size.
		next := end - c.cfg.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out, nil
}

// snapToBoundary looks back up to boundaryWindow runes for the rightmost
// '.' or '\n' and accepts it only past the half-window mark, preferring a
// late mid-sentence cut over an arbitrary mid-word cut.
func snapToBoundary(runes []rune, start, end int) int {
	low := end - boundaryWindow
	if low < start {
		low = start
	}
	best := -1
	for i := end - 1; i >= low; i-- {
		if runes[i] == '.' || runes[i] == '\n' {
			best = i
			break
		}
	}
	half := (end - start) / 2
	if half < 1 {
		half = 1
	}
	if best >= start+half {
		return best + 1
	}
	return end
}

// Snippet returns the first 240 runes of text, with a trailing ellipsis
// when truncated.
func Snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetLen {
		return text
	}
	return string(runes[:snippetLen]) + "..."
}

// HashText fingerprints chunk content as lowercase hex SHA-256.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
