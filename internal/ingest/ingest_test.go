package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/dispatch"
	"memvault/internal/embed"
	"memvault/internal/record"
	"memvault/internal/search"
	"memvault/internal/store"
	"memvault/internal/vector"
)

func newPipeline(t *testing.T) (*Pipeline, *store.SQLiteBackend) {
	t.Helper()
	ctx := context.Background()
	backend, err := store.NewSQLite(ctx, ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	index := vector.NewBuiltin(backend, "work/app")
	d := dispatch.New(backend, index, embed.NewStaticEmbedder(), "work/app", search.Params{DefaultTopK: 10}, logger)
	t.Cleanup(func() { _ = d.Close() })

	return NewPipeline(d, backend, nil, logger), backend
}

func TestStorePath(t *testing.T) {
	assert.Equal(t, record.CodePathPrefix+"pkg/main.go", StorePath("pkg/main.go"))
	assert.Equal(t, record.CodePathPrefix+"pkg/main.go", StorePath(`pkg\main.go`))
	assert.Equal(t, "docs/readme.md", StorePath("docs/readme.md"))
}

func TestIngestFiles_HashGate(t *testing.T) {
	p, backend := newPipeline(t)
	ctx := context.Background()

	files := []File{
		{Path: "readme.md", Content: []byte("hello world\n")},
		{Path: "main.go", Content: []byte("package main\n")},
	}

	report, err := p.IngestFiles(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Chunks)
	assert.Zero(t, report.Skipped)

	// Second run: nothing changed, nothing rewritten.
	report, err = p.IngestFiles(ctx, files)
	require.NoError(t, err)
	assert.Zero(t, report.Files)
	assert.Equal(t, 2, report.Skipped)

	hashes, err := backend.ListFileHashes(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 2)
}

func TestIngestFiles_ChangedFileReplacesChunks(t *testing.T) {
	p, backend := newPipeline(t)
	ctx := context.Background()

	_, err := p.IngestFiles(ctx, []File{{Path: "readme.md", Content: []byte("v1\n")}})
	require.NoError(t, err)

	report, err := p.IngestFiles(ctx, []File{{Path: "readme.md", Content: []byte("v2, rather longer\n")}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Files)

	docs, err := backend.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "v2, rather longer", docs[0].Content)
}

func TestIngestFiles_CodePrefixApplied(t *testing.T) {
	p, backend := newPipeline(t)
	ctx := context.Background()

	_, err := p.IngestFiles(ctx, []File{{Path: "pkg/util.go", Content: []byte("package pkg\n")}})
	require.NoError(t, err)

	docs, err := backend.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].IsCode())
}

func TestRemoveFile(t *testing.T) {
	p, backend := newPipeline(t)
	ctx := context.Background()

	_, err := p.IngestFiles(ctx, []File{{Path: "pkg/util.go", Content: []byte("package pkg\n")}})
	require.NoError(t, err)

	removed, err := p.RemoveFile(ctx, "pkg/util.go")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	docs, err := backend.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIngestRoot_WalksAndSkipsBinary(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("docs\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.go"), []byte("package a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.go"), []byte{0x00, 0x01, 0x02}, 0o644))

	p, _ := newPipeline(t)
	report, err := p.IngestRoot(context.Background(), root, DiscoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
}

func TestDiscover_RespectsGitignoreAndSkipDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("*.gen.go\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "api.gen.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "api.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "image.png"), []byte("x"), 0o644))

	files, err := Discover(root, DiscoverOptions{RespectGitignore: true})
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, f.RelPath)
	}
	assert.ElementsMatch(t, []string{"src/api.go", "notes.txt"}, rels)
}

func TestDiscover_MaxFileSize(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.md"), make([]byte, 2048), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "small.md"), []byte("ok"), 0o644))

	files, err := Discover(root, DiscoverOptions{MaxFileSize: 1024})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "small.md", files[0].RelPath)
}
