// Package rag implements the answer service: document ingestion into a
// vector index and retrieval-augmented answer generation.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/askdesk/askdesk/pkg/core"
)

// ChunkStore is the slice of the store the service needs.
type ChunkStore interface {
	ReplaceDocument(ctx context.Context, docID string, chunks []string, vectors [][]float32) error
	SearchSimilar(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error)
}

// Config tunes the service.
type Config struct {
	TopK       int // retrieved chunks per question (default 4)
	ChunkRunes int // max chunk size (default DefaultChunkRunes)
}

// Service answers single-turn questions over an indexed document corpus.
// The index is read-shared across concurrent sessions; ingestion is
// exclusive.
type Service struct {
	store     ChunkStore
	embedder  Embedder
	generator Generator
	logger    *slog.Logger
	cfg       Config

	// ingestMu serializes IndexDocuments within this process; the store's
	// advisory lock serializes across processes.
	ingestMu sync.Mutex
}

// NewService wires the answer service.
func NewService(store ChunkStore, embedder Embedder, generator Generator, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.ChunkRunes <= 0 {
		cfg.ChunkRunes = DefaultChunkRunes
	}
	return &Service{
		store:     store,
		embedder:  embedder,
		generator: generator,
		logger:    logger,
		cfg:       cfg,
	}
}

// IndexDocuments chunks, embeds, and upserts the given files. At most one
// ingestion runs at a time.
func (s *Service) IndexDocuments(ctx context.Context, paths []string) error {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	for _, path := range paths {
		doc, err := readDocument(path)
		if err != nil {
			return core.NewAnswerServiceError(err)
		}
		if err := s.indexDocument(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// IndexDirectory ingests every supported document under dir.
func (s *Service) IndexDirectory(ctx context.Context, dir string) (int, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	docs, err := LoadDocuments(dir)
	if err != nil {
		return 0, core.NewAnswerServiceError(err)
	}
	for _, doc := range docs {
		if err := s.indexDocument(ctx, doc); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

func (s *Service) indexDocument(ctx context.Context, doc Document) error {
	chunks := SplitText(doc.Text, s.cfg.ChunkRunes)
	if len(chunks) == 0 {
		s.logger.Warn("skipping empty document", "path", doc.Path)
		return nil
	}
	vectors, err := s.embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return core.NewAnswerServiceError(fmt.Errorf("embed %s: %w", doc.Path, err))
	}
	if err := s.store.ReplaceDocument(ctx, doc.ID, chunks, vectors); err != nil {
		return core.NewAnswerServiceError(fmt.Errorf("store %s: %w", doc.Path, err))
	}
	s.logger.Info("indexed document", "path", doc.Path, "chunks", len(chunks))
	return nil
}

// AnswerQuestion retrieves context for the question and generates an answer.
// Stateless across turns.
func (s *Service) AnswerQuestion(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", core.NewAnswerServiceError(fmt.Errorf("empty question"))
	}

	vectors, err := s.embedder.EmbedTexts(ctx, []string{question})
	if err != nil {
		return "", core.NewAnswerServiceError(fmt.Errorf("embed question: %w", err))
	}
	chunks, err := s.store.SearchSimilar(ctx, vectors[0], s.cfg.TopK)
	if err != nil {
		return "", core.NewAnswerServiceError(fmt.Errorf("retrieve context: %w", err))
	}

	answer, err := s.generator.Generate(ctx, buildPrompt(question, chunks))
	if err != nil {
		return "", core.NewAnswerServiceError(fmt.Errorf("generate answer: %w", err))
	}
	return strings.TrimSpace(answer), nil
}

func buildPrompt(question string, chunks []ScoredChunk) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant answering questions from company documents.\n")
	b.WriteString("Answer concisely using only the context below. ")
	b.WriteString("If the context does not contain the answer, say you don't know.\n\n")
	if len(chunks) == 0 {
		b.WriteString("Context: (no documents indexed)\n")
	} else {
		b.WriteString("Context:\n")
		for i, c := range chunks {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Content)
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")
	return b.String()
}
