package rag

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// ingestLockKey is the advisory lock key serializing document ingestion.
// Ingestion is a rare, exclusive, offline operation; two ingesters must
// never interleave writes for the same corpus.
const ingestLockKey = 7421193440

// Store persists document chunks and their embeddings in Postgres with
// pgvector.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and registers the vector codec on every
// connection.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ScoredChunk is one retrieved chunk with its cosine distance to the query
// (smaller is closer).
type ScoredChunk struct {
	DocID    string
	Content  string
	Distance float64
}

// ReplaceDocument replaces all chunks for one document in a single
// transaction, under the ingestion advisory lock. Readers never observe a
// half-replaced document.
func (s *Store) ReplaceDocument(ctx context.Context, docID string, chunks []string, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("replace document: %d chunks but %d vectors", len(chunks), len(vectors))
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ingestLockKey); err != nil {
		return fmt.Errorf("acquire ingest lock: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}
	for i, content := range chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO document_chunks (doc_id, chunk_index, content, embedding)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (doc_id, chunk_index)
			DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`,
			docID, i, content, pgvector.NewVector(vectors[i]))
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

// SearchSimilar returns the k chunks nearest to the query vector by cosine
// distance.
func (s *Store) SearchSimilar(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, content, embedding <=> $1 AS distance
		FROM document_chunks
		ORDER BY distance
		LIMIT $2`,
		pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var c ScoredChunk
		if err := rows.Scan(&c.DocID, &c.Content, &c.Distance); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// CountChunks reports how many chunks are indexed. Used by readiness checks
// and the ingest CLI.
func (s *Store) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM document_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}
