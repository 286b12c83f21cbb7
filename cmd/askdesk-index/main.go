// Command askdesk-index ingests a document directory into the vector store.
// Run it whenever the source documents change; ingestion replaces each
// document's chunks atomically, so the server can keep answering while it
// runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/askdesk/askdesk/internal/dotenv"
	"github.com/askdesk/askdesk/pkg/core/rag"
	"github.com/askdesk/askdesk/pkg/gateway/config"
)

type indexer interface {
	IndexDirectory(ctx context.Context, dir string) (int, error)
}

// ingestTarget bundles the service with the store hooks the CLI reports on.
type ingestTarget struct {
	svc     indexer
	count   func(ctx context.Context) (int64, error)
	cleanup func()
}

func runIndex(ctx context.Context, args []string, stderr io.Writer, loadConfig func() (config.Config, error), build func(ctx context.Context, cfg config.Config) (*ingestTarget, error)) int {
	fs := flag.NewFlagSet("askdesk-index", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "document directory (default ASKDESK_DOCUMENT_DIR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "askdesk-index: %v\n", err)
		return 1
	}
	if *dir == "" {
		*dir = cfg.DocumentDir
	}

	target, err := build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "askdesk-index: %v\n", err)
		return 1
	}
	defer target.cleanup()

	n, err := target.svc.IndexDirectory(ctx, *dir)
	if err != nil {
		fmt.Fprintf(stderr, "askdesk-index: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "indexed %d documents from %s\n", n, *dir)

	if chunks, err := target.count(ctx); err == nil {
		fmt.Fprintf(stderr, "index now holds %d chunks\n", chunks)
	}
	return 0
}

func buildIngestTarget(ctx context.Context, cfg config.Config) (*ingestTarget, error) {
	store, err := rag.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate document store: %w", err)
	}
	gemini, err := rag.NewGeminiClient(ctx, cfg.GeminiAPIKey, rag.GeminiOptions{
		GenerateModel: cfg.GenerateModel,
		EmbedModel:    cfg.EmbedModel,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	svc := rag.NewService(store, gemini, gemini, nil, rag.Config{TopK: cfg.TopK})
	return &ingestTarget{
		svc:     svc,
		count:   store.CountChunks,
		cleanup: store.Close,
	}, nil
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "askdesk-index: %v\n", err)
		os.Exit(1)
	}
	os.Exit(runIndex(context.Background(), os.Args[1:], os.Stderr, config.LoadFromEnv, buildIngestTarget))
}
