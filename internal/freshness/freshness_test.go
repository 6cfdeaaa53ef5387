package freshness

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/record"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func TestClassify_ThreeWays(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	keptPath := writeFile(t, root, "docs/kept.md", "unchanged")
	changedPath := writeFile(t, root, "docs/changed.md", "after")
	_ = keptPath

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(keptPath, past, past))

	future := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(changedPath, future, future))

	hashes := []*record.FileHash{
		{FilePath: "docs/kept.md", Hash: HashBytes([]byte("unchanged")), IndexedAt: time.Now().Add(-30 * time.Minute)},
		{FilePath: "docs/changed.md", Hash: HashBytes([]byte("before")), IndexedAt: time.Now().Add(-30 * time.Minute)},
		{FilePath: "docs/gone.md", Hash: "whatever", IndexedAt: time.Now()},
	}

	report, err := Classify(ctx, root, hashes)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/kept.md"}, report.Fresh)
	assert.Equal(t, []string{"docs/changed.md"}, report.Stale)
	assert.Equal(t, []string{"docs/gone.md"}, report.Deleted)
}

func TestClassify_TrustsOldMtimeOverHash(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "a.md", "content changed behind our back")

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(abs, past, past))

	// The stored hash is wrong, but the mtime predates indexing, so
	// the content is never read.
	hashes := []*record.FileHash{
		{FilePath: "a.md", Hash: "stale-hash-never-checked", IndexedAt: time.Now().Add(-time.Hour)},
	}

	report, err := Classify(context.Background(), root, hashes)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, report.Fresh)
	assert.Empty(t, report.Stale)
}

func TestClassify_MatchingRehashIsFresh(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "a.md", "same")
	require.NoError(t, os.Chtimes(abs, time.Now(), time.Now()))

	hashes := []*record.FileHash{
		{FilePath: "a.md", Hash: HashBytes([]byte("same")), IndexedAt: time.Now().Add(-time.Minute)},
	}

	report, err := Classify(context.Background(), root, hashes)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, report.Fresh)
}

func TestClassify_WindowsSeparatorsAndCodePrefix(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, filepath.Join("pkg", "main.go"), "package main")

	hashes := []*record.FileHash{
		{FilePath: record.CodePathPrefix + `pkg\main.go`, Hash: HashBytes([]byte("package main")), IndexedAt: time.Now().Add(-time.Minute)},
	}

	report, err := Classify(context.Background(), root, hashes)
	require.NoError(t, err)
	require.Len(t, report.Fresh, 1)
	assert.Equal(t, "pkg/main.go", report.Fresh[0])
}

func TestClassify_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Classify(ctx, t.TempDir(), []*record.FileHash{{FilePath: "x"}})
	require.Error(t, err)
}

func TestHashFile(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "f.txt", "hello")

	sum, err := HashFile(abs)
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("hello")), sum)

	_, err = HashFile(filepath.Join(root, "missing"))
	require.Error(t, err)
}
