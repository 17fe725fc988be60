package document

import (
	"strings"
	"unicode/utf8"
)

// ChunkOptions controls how text is split for embedding
type ChunkOptions struct {
	Size      int // target chunk length in runes
	Overlap   int // runes carried over from the previous chunk
	MaxChunks int
}

// DefaultChunkOptions returns 800-rune chunks with 100 runes of overlap
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{Size: 800, Overlap: 100, MaxChunks: 200}
}

// Chunk splits text on paragraph and sentence boundaries into chunks of at
// most opts.Size runes. Each chunk after the first starts with the tail of
// its predecessor. truncated reports whether MaxChunks cut the text short.
func Chunk(text string, opts ChunkOptions) (chunks []string, truncated bool) {
	if opts.Size <= 0 {
		opts.Size = DefaultChunkOptions().Size
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		opts.Overlap = 0
	}

	var (
		current    strings.Builder
		currentLen int
	)
	flush := func() string {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		currentLen = 0
		return chunk
	}

	for _, piece := range splitPieces(text, opts.Size) {
		pieceLen := utf8.RuneCountInString(piece)

		if currentLen > 0 && currentLen+1+pieceLen > opts.Size {
			previous := flush()
			if opts.MaxChunks > 0 && len(chunks) >= opts.MaxChunks {
				return chunks, true
			}
			if tail := overlapTail(previous, opts.Overlap); tail != "" {
				if tailLen := utf8.RuneCountInString(tail); tailLen+1+pieceLen <= opts.Size {
					current.WriteString(tail)
					currentLen = tailLen
				}
			}
		}

		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(piece)
		currentLen += pieceLen
	}
	flush()

	if opts.MaxChunks > 0 && len(chunks) > opts.MaxChunks {
		return chunks[:opts.MaxChunks], true
	}
	return chunks, false
}

// splitPieces breaks text into paragraphs, paragraphs longer than size into
// sentences, and sentences longer than size into word runs
func splitPieces(text string, size int) []string {
	var pieces []string
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.Join(strings.Fields(paragraph), " ")
		if paragraph == "" {
			continue
		}
		if utf8.RuneCountInString(paragraph) <= size {
			pieces = append(pieces, paragraph)
			continue
		}
		for _, sentence := range splitSentences(paragraph) {
			if utf8.RuneCountInString(sentence) <= size {
				pieces = append(pieces, sentence)
				continue
			}
			pieces = append(pieces, splitWords(sentence, size)...)
		}
	}
	return pieces
}

func splitSentences(paragraph string) []string {
	var (
		sentences []string
		current   []string
	)
	for _, word := range strings.Fields(paragraph) {
		current = append(current, word)
		if strings.HasSuffix(word, ".") || strings.HasSuffix(word, "!") || strings.HasSuffix(word, "?") {
			sentences = append(sentences, strings.Join(current, " "))
			current = nil
		}
	}
	if len(current) > 0 {
		sentences = append(sentences, strings.Join(current, " "))
	}
	return sentences
}

func splitWords(sentence string, size int) []string {
	var (
		parts      []string
		current    strings.Builder
		currentLen int
	)
	for _, word := range strings.Fields(sentence) {
		for utf8.RuneCountInString(word) > size {
			runes := []rune(word)
			if currentLen > 0 {
				parts = append(parts, current.String())
				current.Reset()
				currentLen = 0
			}
			parts = append(parts, string(runes[:size]))
			word = string(runes[size:])
		}
		wordLen := utf8.RuneCountInString(word)
		if currentLen > 0 && currentLen+1+wordLen > size {
			parts = append(parts, current.String())
			current.Reset()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(word)
		currentLen += wordLen
	}
	if currentLen > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// overlapTail returns about the last n runes of s, starting at a word boundary
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return ""
	}
	tail := string(runes[len(runes)-n:])
	if idx := strings.IndexByte(tail, ' '); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
