package rag

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	defaultGenerateModel = "gemini-2.0-flash"
	defaultEmbedModel    = "gemini-embedding-001"

	// EmbeddingDim must match the vector column width in the store schema.
	EmbeddingDim = 768
)

// Embedder turns texts into vectors.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces an answer for a fully rendered prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeminiClient implements Embedder and Generator over the Gemini API.
type GeminiClient struct {
	client        *genai.Client
	generateModel string
	embedModel    string
}

// GeminiOptions overrides the default models.
type GeminiOptions struct {
	GenerateModel string
	EmbedModel    string
}

// NewGeminiClient creates a Gemini-backed embedder and generator.
func NewGeminiClient(ctx context.Context, apiKey string, opts GeminiOptions) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	generateModel := opts.GenerateModel
	if generateModel == "" {
		generateModel = defaultGenerateModel
	}
	embedModel := opts.EmbedModel
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}
	return &GeminiClient{
		client:        client,
		generateModel: generateModel,
		embedModel:    embedModel,
	}, nil
}

// EmbedTexts embeds texts at the store's fixed dimensionality.
func (c *GeminiClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	dim := int32(EmbeddingDim)
	resp, err := c.client.Models.EmbedContent(ctx, c.embedModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed content: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// Generate produces an answer for the prompt.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.generateModel, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("generate content: empty response")
	}
	return text, nil
}
