package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tghub/tghub/internal/provider"
)

// ErrEmptyDocument is returned when a document has no indexable text.
var ErrEmptyDocument = errors.New("memory: document has no text")

// Options configures chunking and retrieval.
type Options struct {
	WindowTokens  int
	OverlapTokens int
	Model         string
}

// DefaultOptions returns 500-token windows with a 50-token overlap.
func DefaultOptions() Options {
	return Options{WindowTokens: 500, OverlapTokens: 50}
}

// snapshot is never mutated after publication.
type snapshot struct {
	docs map[string][]KnowledgeChunk
}

// Index is the in-memory knowledge index. Readers load the current snapshot
// without locking; writers build a complete replacement and publish it with
// a single pointer swap, so a query sees all or none of a document version.
type Index struct {
	embedder provider.Embedder
	store    ChunkStore
	opts     Options
	now      func() time.Time

	writeMu     sync.Mutex
	lastVersion int64
	snap        atomic.Pointer[snapshot]
}

// NewIndex creates an empty index. store may be nil for a memory-only index.
func NewIndex(embedder provider.Embedder, store ChunkStore, opts Options) *Index {
	if opts.WindowTokens <= 0 {
		opts.WindowTokens = DefaultOptions().WindowTokens
	}
	if opts.OverlapTokens < 0 || opts.OverlapTokens >= opts.WindowTokens {
		opts.OverlapTokens = 0
	}
	ix := &Index{embedder: embedder, store: store, opts: opts, now: time.Now}
	ix.snap.Store(&snapshot{docs: map[string][]KnowledgeChunk{}})
	return ix
}

// Load replaces the index content with the persisted chunks.
func (ix *Index) Load(ctx context.Context) error {
	if ix.store == nil {
		return nil
	}
	chunks, err := ix.store.LoadChunks(ctx)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	docs := make(map[string][]KnowledgeChunk)
	latest := make(map[string]int64)
	for _, c := range chunks {
		if c.SourceDocumentVersion > latest[c.DocumentID] {
			latest[c.DocumentID] = c.SourceDocumentVersion
		}
	}
	var maxVersion int64
	for _, c := range chunks {
		if c.SourceDocumentVersion != latest[c.DocumentID] {
			continue
		}
		docs[c.DocumentID] = append(docs[c.DocumentID], c)
		if c.SourceDocumentVersion > maxVersion {
			maxVersion = c.SourceDocumentVersion
		}
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	if maxVersion > ix.lastVersion {
		ix.lastVersion = maxVersion
	}
	ix.snap.Store(&snapshot{docs: docs})
	slog.Info("Knowledge index loaded", "documents", len(docs), "chunks", len(chunks))
	return nil
}

// Index chunks and embeds doc, then atomically replaces any previous version
// of the same document. Embedding happens before any shared state is touched.
func (ix *Index) Index(ctx context.Context, doc Document) ([]KnowledgeChunk, error) {
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ID == "" {
		return nil, fmt.Errorf("memory: document id is required")
	}
	texts := Chunk(doc.Text, ix.opts.WindowTokens, ix.opts.OverlapTokens)
	if len(texts) == 0 {
		return nil, ErrEmptyDocument
	}

	chunks := make([]KnowledgeChunk, len(texts))
	for i, text := range texts {
		resp, err := ix.embedder.Embed(ctx, &provider.EmbeddingRequest{Input: text, Model: ix.opts.Model})
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d of %s: %w", i, doc.ID, err)
		}
		chunks[i] = KnowledgeChunk{
			DocumentID: doc.ID,
			Title:      doc.Title,
			Seq:        i,
			Text:       text,
			Embedding:  resp.Vector,
		}
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	now := ix.now()
	version := now.UnixNano()
	if version <= ix.lastVersion {
		version = ix.lastVersion + 1
	}
	for i := range chunks {
		chunks[i].SourceDocumentVersion = version
		chunks[i].ChunkID = chunkID(doc.ID, version, i)
		chunks[i].CreatedAt = now
	}

	if ix.store != nil {
		if err := ix.store.ReplaceDocument(ctx, doc.ID, chunks); err != nil {
			return nil, fmt.Errorf("persist %s: %w", doc.ID, err)
		}
	}
	ix.lastVersion = version
	ix.publish(func(docs map[string][]KnowledgeChunk) { docs[doc.ID] = chunks })

	slog.Info("Indexed document", "document", doc.ID, "chunks", len(chunks), "version", version)
	out := make([]KnowledgeChunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

// Remove retires every chunk of a document.
func (ix *Index) Remove(ctx context.Context, documentID string) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	if ix.store != nil {
		if err := ix.store.DeleteDocument(ctx, documentID); err != nil {
			return fmt.Errorf("delete %s: %w", documentID, err)
		}
	}
	ix.publish(func(docs map[string][]KnowledgeChunk) { delete(docs, documentID) })
	return nil
}

// publish copies the document map, applies mutate and swaps it in.
// Callers hold writeMu.
func (ix *Index) publish(mutate func(map[string][]KnowledgeChunk)) {
	cur := ix.snap.Load()
	next := make(map[string][]KnowledgeChunk, len(cur.docs)+1)
	for k, v := range cur.docs {
		next[k] = v
	}
	mutate(next)
	ix.snap.Store(&snapshot{docs: next})
}

// Query returns the k chunks most similar to text, best first. Equal scores
// are ordered by newer document version, then by position in the document.
// An empty index yields no results and no error.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]ScoredChunk, error) {
	snap := ix.snap.Load()
	if len(snap.docs) == 0 || k <= 0 {
		return nil, nil
	}
	resp, err := ix.embedder.Embed(ctx, &provider.EmbeddingRequest{Input: text, Model: ix.opts.Model})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var hits []ScoredChunk
	for _, chunks := range snap.docs {
		for _, c := range chunks {
			if len(c.Embedding) != len(resp.Vector) {
				continue
			}
			hits = append(hits, ScoredChunk{KnowledgeChunk: c, Score: cosineSimilarity(resp.Vector, c.Embedding)})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SourceDocumentVersion != b.SourceDocumentVersion {
			return a.SourceDocumentVersion > b.SourceDocumentVersion
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ChunkID < b.ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Documents returns the indexed document ids and their chunk counts.
func (ix *Index) Documents() map[string]int {
	snap := ix.snap.Load()
	out := make(map[string]int, len(snap.docs))
	for id, chunks := range snap.docs {
		out[id] = len(chunks)
	}
	return out
}

// Len returns the number of live chunks.
func (ix *Index) Len() int {
	n := 0
	for _, chunks := range ix.snap.Load().docs {
		n += len(chunks)
	}
	return n
}
