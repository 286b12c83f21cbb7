package rag

import (
	"strings"
)

// DefaultChunkRunes caps chunk size so a single chunk stays well inside the
// embedder's input window.
const DefaultChunkRunes = 1600

// SplitText splits text into chunks along paragraph boundaries, merging
// short paragraphs and hard-splitting any paragraph longer than maxRunes.
// Whitespace-only input yields no chunks.
func SplitText(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = DefaultChunkRunes
	}

	var chunks []string
	var current strings.Builder
	currentRunes := 0

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentRunes = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, piece := range hardSplit(para, maxRunes) {
			n := len([]rune(piece))
			if currentRunes > 0 && currentRunes+n+2 > maxRunes {
				flush()
			}
			if currentRunes > 0 {
				current.WriteString("\n\n")
				currentRunes += 2
			}
			current.WriteString(piece)
			currentRunes += n
		}
	}
	flush()
	return chunks
}

// hardSplit slices a single over-long paragraph at rune boundaries.
func hardSplit(s string, maxRunes int) []string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return []string{s}
	}
	var out []string
	for len(runes) > 0 {
		n := maxRunes
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
