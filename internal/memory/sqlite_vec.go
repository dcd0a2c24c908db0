package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// ChunkStore persists committed chunk sets.
type ChunkStore interface {
	// ReplaceDocument swaps the stored chunks of a document in one transaction.
	ReplaceDocument(ctx context.Context, documentID string, chunks []KnowledgeChunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	LoadChunks(ctx context.Context) ([]KnowledgeChunk, error)
}

// SQLiteChunkStore keeps chunks in the knowledge_chunks table of the shared
// timeline database. Embeddings are little-endian float32 BLOBs.
type SQLiteChunkStore struct {
	db *sql.DB
}

// NewSQLiteChunkStore creates a store over db.
func NewSQLiteChunkStore(db *sql.DB) *SQLiteChunkStore {
	return &SQLiteChunkStore{db: db}
}

func (s *SQLiteChunkStore) ReplaceDocument(ctx context.Context, documentID string, chunks []KnowledgeChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("retire chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO knowledge_chunks (chunk_id, document_id, title, version, seq, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ChunkID, c.DocumentID, c.Title, c.SourceDocumentVersion, c.Seq,
			c.Text, encodeFloat32s(c.Embedding), c.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteChunkStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE document_id = ?`, documentID)
	return err
}

func (s *SQLiteChunkStore) LoadChunks(ctx context.Context) ([]KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, title, version, seq, text, embedding, created_at
		FROM knowledge_chunks WHERE embedding IS NOT NULL
		ORDER BY document_id, seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeChunk
	for rows.Next() {
		var (
			c       KnowledgeChunk
			blob    []byte
			created int64
		)
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Title, &c.SourceDocumentVersion, &c.Seq, &c.Text, &blob, &created); err != nil {
			return nil, err
		}
		c.Embedding = decodeFloat32s(blob)
		c.CreatedAt = time.Unix(0, created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// encodeFloat32s converts a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s converts little-endian bytes back to a float32 slice.
func decodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity accumulates in float64. Zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
