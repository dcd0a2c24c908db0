package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tghub/tghub/internal/provider"
)

const dims = 64

// bagEmbedder hashes words into a fixed number of buckets. Texts sharing
// words get positive cosine similarity; it is deterministic.
type bagEmbedder struct {
	calls atomic.Int64
	delay time.Duration
	fail  bool
}

func (e *bagEmbedder) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	e.calls.Add(1)
	if e.fail {
		return nil, errors.New("embedding backend down")
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	v := make([]float32, dims)
	for _, w := range strings.Fields(strings.ToLower(req.Input)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%dims]++
	}
	return &provider.EmbeddingResponse{Vector: v}, nil
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE knowledge_chunks (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB,
			created_at INTEGER NOT NULL
		)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestChunk_WindowsOverlap(t *testing.T) {
	chunks := Chunk(words("w", 1200), 500, 50)
	require.Len(t, chunks, 3)
	first := strings.Fields(chunks[0])
	second := strings.Fields(chunks[1])
	assert.Len(t, first, 500)
	assert.Equal(t, first[450:], second[:50])
	assert.Equal(t, "w1199", strings.Fields(chunks[2])[len(strings.Fields(chunks[2]))-1])

	assert.Len(t, Chunk("a b c", 500, 50), 1)
	assert.Empty(t, Chunk("  \n\t ", 500, 50))
	assert.Len(t, Chunk(words("x", 10), 4, 10), 3, "invalid overlap falls back to none")
}

func TestIndex_QueryRanksBySimilarity(t *testing.T) {
	ix := NewIndex(&bagEmbedder{}, nil, DefaultOptions())
	ctx := context.Background()
	_, err := ix.Index(ctx, Document{ID: "homework", Text: "submit homework via the lesson page upload button"})
	require.NoError(t, err)
	_, err = ix.Index(ctx, Document{ID: "billing", Text: "refunds are processed within ten days by support"})
	require.NoError(t, err)

	hits, err := ix.Query(ctx, "how to submit homework", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "homework", hits[0].DocumentID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestIndex_EmptyIndexAndEmptyDocument(t *testing.T) {
	emb := &bagEmbedder{}
	ix := NewIndex(emb, nil, DefaultOptions())
	hits, err := ix.Query(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, int64(0), emb.calls.Load())

	_, err = ix.Index(context.Background(), Document{ID: "x", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestIndex_TieBreakPrefersNewerVersion(t *testing.T) {
	ix := NewIndex(&bagEmbedder{}, nil, DefaultOptions())
	clock := time.Unix(1000, 0)
	ix.now = func() time.Time { clock = clock.Add(time.Second); return clock }
	ctx := context.Background()

	_, err := ix.Index(ctx, Document{ID: "old", Text: "same text"})
	require.NoError(t, err)
	_, err = ix.Index(ctx, Document{ID: "new", Text: "same text"})
	require.NoError(t, err)

	hits, err := ix.Query(ctx, "same text", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "new", hits[0].DocumentID)
}

func TestIndex_FailedEmbeddingKeepsOldVersion(t *testing.T) {
	emb := &bagEmbedder{}
	ix := NewIndex(emb, nil, DefaultOptions())
	ctx := context.Background()
	_, err := ix.Index(ctx, Document{ID: "d", Text: "alpha beta"})
	require.NoError(t, err)

	emb.fail = true
	_, err = ix.Index(ctx, Document{ID: "d", Text: "gamma delta"})
	require.Error(t, err)
	emb.fail = false

	hits, err := ix.Query(ctx, "alpha", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alpha beta", hits[0].Text)
}

// A query running while a document is re-indexed sees one version only.
func TestIndex_ReindexAtomicUnderConcurrentQueries(t *testing.T) {
	ix := NewIndex(&bagEmbedder{}, nil, Options{WindowTokens: 20, OverlapTokens: 5})
	ctx := context.Background()
	_, err := ix.Index(ctx, Document{ID: "doc", Text: words("v0w", 200)})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		stop atomic.Bool
		bad  atomic.Int64
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				hits, err := ix.Query(ctx, "v0w1 v1w1 v2w1 v3w1", 50)
				if err != nil {
					bad.Add(1)
					return
				}
				versions := map[int64]bool{}
				for _, h := range hits {
					versions[h.SourceDocumentVersion] = true
				}
				if len(versions) > 1 {
					bad.Add(1)
				}
			}
		}()
	}
	for v := 1; v <= 20; v++ {
		_, err := ix.Index(ctx, Document{ID: "doc", Text: words(fmt.Sprintf("v%dw", v%4), 200)})
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()
	assert.Equal(t, int64(0), bad.Load())
	assert.Equal(t, map[string]int{"doc": ix.Len()}, ix.Documents())
}

func TestIndex_PersistAndLoad(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteChunkStore(db)
	ctx := context.Background()

	ix := NewIndex(&bagEmbedder{}, store, DefaultOptions())
	_, err := ix.Index(ctx, Document{ID: "a", Title: "A.md", Text: "first version"})
	require.NoError(t, err)
	_, err = ix.Index(ctx, Document{ID: "a", Title: "A.md", Text: "second version"})
	require.NoError(t, err)
	_, err = ix.Index(ctx, Document{ID: "b", Text: "other"})
	require.NoError(t, err)
	require.NoError(t, ix.Remove(ctx, "b"))

	reloaded := NewIndex(&bagEmbedder{}, store, DefaultOptions())
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, map[string]int{"a": 1}, reloaded.Documents())
	hits, err := reloaded.Query(ctx, "version", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "second version", hits[0].Text)
	assert.Equal(t, "A.md", hits[0].Source())
}

func TestCachedEmbedder_HitsPebble(t *testing.T) {
	cache, err := OpenEmbeddingCache(filepath.Join(t.TempDir(), "emb"))
	require.NoError(t, err)
	defer cache.Close()

	inner := &bagEmbedder{}
	e := &CachedEmbedder{Embedder: inner, Cache: cache, Model: "m"}
	ctx := context.Background()
	a, err := e.Embed(ctx, &provider.EmbeddingRequest{Input: "hello world"})
	require.NoError(t, err)
	b, err := e.Embed(ctx, &provider.EmbeddingRequest{Input: "hello world"})
	require.NoError(t, err)
	assert.Equal(t, a.Vector, b.Vector)
	assert.Equal(t, int64(1), inner.calls.Load())

	_, err = e.Embed(ctx, &provider.EmbeddingRequest{Input: "hello world", Model: "other"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestLoadDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guide.md"), []byte("# Guide\nUpload homework in the lesson."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), []byte("  "), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "faq"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "faq", "kb.yml"), []byte(`
articles:
  - category: faq
    title: Refunds
    content: Refunds take ten days.
    keywords: money, refund
  - question: Where is the chat?
    answer: Link in the course header.
  - title: Empty
`), 0o644))

	docs, err := LoadDocuments(dir)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	ids := []string{docs[0].ID, docs[1].ID, docs[2].ID}
	assert.ElementsMatch(t, []string{"guide.md", "faq/kb.yml#1", "faq/kb.yml#2"}, ids)
	for _, d := range docs {
		if d.ID == "faq/kb.yml#1" {
			assert.Contains(t, d.Text, "Keywords: money, refund")
			assert.Equal(t, "Refunds", d.Title)
		}
	}

	single, err := LoadDocuments(filepath.Join(dir, "guide.md"))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "guide.md", single[0].ID)
}
