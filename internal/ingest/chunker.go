package ingest

import (
	"strings"

	"memvault/internal/record"
)

// Chunk window defaults, in characters. Boundaries always fall on line
// breaks so start_line/end_line stay exact.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// Chunker splits file content into line-aligned windows.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker builds a chunker. Non-positive size falls back to the
// default; overlap is clamped below size.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 2
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits content into documents for path. Lines accumulate until
// the next one would push the window past the size budget; the tail
// lines of each window, up to the overlap budget, open the next one.
// A single line longer than the budget becomes its own chunk. Empty or
// whitespace-only content yields no chunks.
func (c *Chunker) Chunk(path string, content []byte) []*record.Document {
	text := string(content)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	var docs []*record.Document
	start := 0
	for start < len(lines) {
		end := start
		budget := len(lines[start]) + 1
		for end+1 < len(lines) && budget+len(lines[end+1])+1 <= c.size {
			end++
			budget += len(lines[end]) + 1
		}

		docs = append(docs, &record.Document{
			FilePath:   path,
			ChunkIndex: len(docs),
			Content:    strings.Join(lines[start:end+1], "\n"),
			StartLine:  start + 1,
			EndLine:    end + 1,
		})

		if end+1 >= len(lines) {
			break
		}
		start = c.nextStart(lines, start, end)
	}
	return docs
}

// nextStart walks back from the window end collecting overlap lines,
// never returning a start at or before the previous one.
func (c *Chunker) nextStart(lines []string, prevStart, prevEnd int) int {
	next := prevEnd + 1
	carried := 0
	for next-1 > prevStart && carried+len(lines[next-1])+1 <= c.overlap {
		next--
		carried += len(lines[next]) + 1
	}
	return next
}
