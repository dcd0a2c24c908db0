// Package memory implements the knowledge index: documents are split into
// overlapping windows, embedded, and searched by exact cosine similarity.
package memory

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Document is a unit of ingested knowledge.
type Document struct {
	ID    string
	Title string
	Text  string
}

// KnowledgeChunk is an immutable embedded slice of a document version.
type KnowledgeChunk struct {
	ChunkID               string
	DocumentID            string
	Title                 string
	Seq                   int
	Text                  string
	Embedding             []float32
	SourceDocumentVersion int64
	CreatedAt             time.Time
}

// Source names the document a chunk came from.
func (c KnowledgeChunk) Source() string {
	if c.Title != "" {
		return c.Title
	}
	return c.DocumentID
}

// ScoredChunk is a query hit.
type ScoredChunk struct {
	KnowledgeChunk
	Score float64
}

// Chunk splits text into windows of size tokens that overlap by overlap
// tokens. Tokens are whitespace-separated words of the normalized text.
func Chunk(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap

	var out []string
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

func chunkID(documentID string, version int64, seq int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", documentID, version, seq)))
	return fmt.Sprintf("%x", h[:8])
}
