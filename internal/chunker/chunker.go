package chunker

import "unicode/utf8"

// DefaultSize is the chunk length, in characters, used when none is configured.
const DefaultSize = 20000

// Chunk is one fixed-size slice of a note's text, the unit of fact extraction.
type Chunk struct {
	NoteID string
	Index  int // position within the note's split sequence
	Text   string
}

// Split breaks text into contiguous, non-overlapping slices of size
// characters. The last slice may be shorter. Text shorter than size comes
// back as a single slice, and so does empty text. Slices always end on a rune
// boundary, so joining them reproduces text exactly.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultSize
	}
	if utf8.RuneCountInString(text) < size {
		return []string{text}
	}

	var parts []string
	start, count := 0, 0
	for i := range text {
		if count == size {
			parts = append(parts, text[start:i])
			start, count = i, 0
		}
		count++
	}
	parts = append(parts, text[start:])
	return parts
}

// ChunkNote splits one note's text and tags each piece with its position.
func ChunkNote(noteID, text string, size int) []Chunk {
	parts := Split(text, size)
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{NoteID: noteID, Index: i, Text: p}
	}
	return chunks
}
