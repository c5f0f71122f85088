package transport

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is used when a chunker is built without an explicit limit.
const DefaultChunkSize = 4000

// Chunker splits long outbound text into transport-sized pieces, breaking at
// natural boundaries where possible: paragraph breaks first, then newlines
// outside code fences, then sentence ends, then spaces, then a hard break on
// a rune boundary.
type Chunker struct {
	MaxSize int
}

// NewChunker creates a chunker with the given max chunk size in bytes.
func NewChunker(maxSize int) *Chunker {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	return &Chunker{MaxSize: maxSize}
}

// Chunk splits text into pieces of at most MaxSize bytes, preserving append
// order. Empty input yields nil.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.MaxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > c.MaxSize {
		idx := c.breakPoint(remaining)
		chunk := strings.TrimRightFunc(remaining[:idx], unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(remaining[idx:], unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// breakPoint picks the best split position within the first MaxSize bytes.
func (c *Chunker) breakPoint(text string) int {
	window := text[:c.MaxSize]
	fenced := insideCodeFence(window)

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if !fenced {
		if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
			return idx
		}
		if idx := lastSentenceEnd(window); idx > 0 {
			return idx
		}
	}
	if idx := strings.LastIndexByte(window, ' '); idx > 0 {
		return idx
	}

	// Hard break: never split a multi-byte rune.
	idx := c.MaxSize
	for idx > 0 && !utf8.RuneStart(text[idx]) {
		idx--
	}
	if idx == 0 {
		idx = c.MaxSize
	}
	return idx
}

// insideCodeFence reports whether the window ends inside a ``` block.
func insideCodeFence(window string) bool {
	return strings.Count(window, "```")%2 == 1
}

// lastSentenceEnd returns the position just past the last sentence-ending
// punctuation followed by a space, or -1.
func lastSentenceEnd(window string) int {
	best := -1
	for i := len(window) - 2; i > 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			if window[i+1] == ' ' {
				return i + 1
			}
		}
	}
	return best
}
