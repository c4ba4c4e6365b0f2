package splitter

import (
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

// Ellipsis marks text cut by Head.
const Ellipsis = "..."

// TextSplitter wraps the langchaingo text splitter
type TextSplitter struct {
	splitter textsplitter.TextSplitter
}

// NewRecursiveCharacterTextSplitter creates a new recursive character text splitter
func NewRecursiveCharacterTextSplitter(chunkSize, chunkOverlap int) *TextSplitter {
	ts := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)

	return &TextSplitter{splitter: ts}
}

// SplitText splits text into chunks
func (ts *TextSplitter) SplitText(text string) ([]string, error) {
	return ts.splitter.SplitText(text)
}

// Head bounds text to limit characters. Text that fits is returned
// unchanged; longer text is cut at the nearest paragraph, line or word
// boundary before limit and gets a trailing Ellipsis.
func Head(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}

	chunks, err := NewRecursiveCharacterTextSplitter(limit, 0).SplitText(text)
	if err == nil && len(chunks) > 0 && chunks[0] != "" && utf8.RuneCountInString(chunks[0]) <= limit {
		return chunks[0] + Ellipsis
	}
	return string([]rune(text)[:limit]) + Ellipsis
}
