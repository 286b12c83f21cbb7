// Package tts provides text-to-speech synthesis persisted as audio artifacts.
package tts

import (
	"context"
)

// Synthesizer converts text to speech and persists the full byte stream as a
// durable artifact. Only a fully written artifact's identifier is returned;
// partial artifacts are never referenced.
type Synthesizer interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize speaks text and returns the committed artifact identifier.
	// The external call runs under an explicit finite timeout.
	Synthesize(ctx context.Context, text string) (artifactID string, err error)
}
