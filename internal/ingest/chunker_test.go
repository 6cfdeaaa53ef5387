package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_EmptyContent(t *testing.T) {
	c := NewChunker(100, 10)
	assert.Nil(t, c.Chunk("a.md", nil))
	assert.Nil(t, c.Chunk("a.md", []byte("  \n\t\n")))
}

func TestChunker_SmallFileOneChunk(t *testing.T) {
	c := NewChunker(500, 50)
	docs := c.Chunk("a.md", []byte("line one\nline two\n"))

	require.Len(t, docs, 1)
	assert.Equal(t, "a.md", docs[0].FilePath)
	assert.Equal(t, 0, docs[0].ChunkIndex)
	assert.Equal(t, "line one\nline two", docs[0].Content)
	assert.Equal(t, 1, docs[0].StartLine)
	assert.Equal(t, 2, docs[0].EndLine)
}

func TestChunker_SplitsWithOverlap(t *testing.T) {
	// Ten 20-char lines against a 64-char budget: three lines per
	// window, one carried back as overlap.
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, strings.Repeat(string(rune('a'+i)), 20))
	}
	content := strings.Join(lines, "\n")

	c := NewChunker(64, 21)
	docs := c.Chunk("big.md", []byte(content))

	require.Greater(t, len(docs), 1)
	for i, d := range docs {
		assert.Equal(t, i, d.ChunkIndex)
		assert.LessOrEqual(t, d.StartLine, d.EndLine)
		assert.LessOrEqual(t, len(d.Content), 64)
	}
	// Consecutive windows share their boundary line.
	for i := 1; i < len(docs); i++ {
		assert.Equal(t, docs[i-1].EndLine, docs[i].StartLine)
	}
	// Every line appears somewhere.
	assert.Equal(t, 10, docs[len(docs)-1].EndLine)
}

func TestChunker_OversizedLineBecomesOwnChunk(t *testing.T) {
	long := strings.Repeat("x", 300)
	content := "short\n" + long + "\nshort again"

	c := NewChunker(100, 10)
	docs := c.Chunk("a.txt", []byte(content))

	require.Len(t, docs, 3)
	assert.Equal(t, "short", docs[0].Content)
	assert.Equal(t, long, docs[1].Content)
	assert.Equal(t, 2, docs[1].StartLine)
	assert.Equal(t, 2, docs[1].EndLine)
}

func TestChunker_DefaultsApplied(t *testing.T) {
	c := NewChunker(0, -1)
	assert.Equal(t, DefaultChunkSize, c.size)
	assert.Equal(t, DefaultChunkOverlap, c.overlap)

	c = NewChunker(10, 50)
	assert.Equal(t, 5, c.overlap)
}
